package bencode

import (
	"fmt"
	"reflect"
	"strconv"
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "bencode: " + e.msg
}

// Deserialize decodes buf into the value t points to. The whole buffer must be consumed.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected a non-nil pointer")
	}
	r := &reader{buf: buf}
	if err := r.readValue(val.Elem()); err != nil {
		return err
	}
	if !r.isAtEnd() {
		return newDecodeError("%d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) isAtEnd() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) peek() (byte, error) {
	if r.isAtEnd() {
		return 0, newDecodeError("unexpected end at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// readDigits reads an optionally negative run of digits terminated by term.
func (r *reader) readDigits(term byte, allowNeg bool) (string, error) {
	start := r.pos
	if allowNeg && !r.isAtEnd() && r.buf[r.pos] == '-' {
		r.pos++
	}
	digits := r.pos
	for !r.isAtEnd() && r.buf[r.pos] >= '0' && r.buf[r.pos] <= '9' {
		r.pos++
	}
	if r.pos == digits {
		return "", newDecodeError("expected digits at pos %d", digits)
	}
	s := string(r.buf[start:r.pos])
	if err := r.expectByte(term); err != nil {
		return "", err
	}
	if s == "-0" {
		return "", newDecodeError("negative 0 not allowed")
	}
	return s, nil
}

func (r *reader) readInt() (int64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	s, err := r.readDigits(bencodeEnd, true)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

func (r *reader) readUint() (uint64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	s, err := r.readDigits(bencodeEnd, false)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func (r *reader) readBytes() ([]byte, error) {
	s, err := r.readDigits(bytesLengthSep, false)
	if err != nil {
		return nil, err
	}
	l, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	if l > maxLength || l > len(r.buf)-r.pos {
		return nil, newDecodeError("length %d exceeds remaining %d bytes", l, len(r.buf)-r.pos)
	}
	b := make([]byte, l)
	copy(b, r.buf[r.pos:r.pos+l])
	r.pos += l
	return b, nil
}

func (r *reader) readValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		n, err := r.readUint()
		if err != nil {
			return err
		}
		if n > 1 {
			return newDecodeError("expected bool to be 0 or 1, got %d", n)
		}
		v.SetBool(n == 1)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := r.readInt()
		if err != nil {
			return err
		}
		if v.OverflowInt(n) {
			return newDecodeError("%d overflows %s", n, v.Type())
		}
		v.SetInt(n)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := r.readUint()
		if err != nil {
			return err
		}
		if v.OverflowUint(n) {
			return newDecodeError("%d overflows %s", n, v.Type())
		}
		v.SetUint(n)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		v.SetString(string(b))
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		if err := r.expectByte(listStart); err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), 0, 0)
		for {
			c, err := r.peek()
			if err != nil {
				return err
			}
			if c == bencodeEnd {
				break
			}
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := r.readValue(elem); err != nil {
				return err
			}
			s = reflect.Append(s, elem)
		}
		r.pos++
		v.Set(s)
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return newDecodeError("unhandled array of %s", v.Type().Elem())
		}
		b, err := r.readBytes()
		if err != nil {
			return err
		}
		if len(b) != v.Len() {
			return newDecodeError("expected %d bytes, got %d", v.Len(), len(b))
		}
		reflect.Copy(v, reflect.ValueOf(b))
	case reflect.Struct:
		return r.readStruct(v)
	case reflect.Pointer:
		p := reflect.New(v.Type().Elem())
		if err := r.readValue(p.Elem()); err != nil {
			return err
		}
		v.Set(p)
	default:
		return newDecodeError("unhandled kind %s", v.Kind())
	}
	return nil
}

func (r *reader) readStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	if err := r.expectByte(dictStart); err != nil {
		return err
	}

	last := ""
	i := 0
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			r.pos++
			break
		}
		key, err := r.readBytes()
		if err != nil {
			return err
		}
		name := string(key)
		if i != 0 && name <= last {
			return newDecodeError("key %q out of order", name)
		}
		last = name
		i++

		for len(fields) != 0 && fields[0].name < name {
			if err := missing(v, fields[0]); err != nil {
				return err
			}
			fields = fields[1:]
		}
		if len(fields) == 0 || fields[0].name != name {
			return newDecodeError("unknown key %q", name)
		}
		if err := r.readValue(v.Field(fields[0].index)); err != nil {
			return err
		}
		fields = fields[1:]
	}
	for _, f := range fields {
		if err := missing(v, f); err != nil {
			return err
		}
	}
	return nil
}

// missing accepts an absent key only for optional (pointer) fields.
func missing(v reflect.Value, f field) error {
	fv := v.Field(f.index)
	if fv.Kind() != reflect.Pointer {
		return newDecodeError("missing key for %s", f.name)
	}
	fv.Set(reflect.Zero(fv.Type()))
	return nil
}
