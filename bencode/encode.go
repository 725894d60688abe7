package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

// Serialize a ptr to a bencode-encoded byte-slice.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if val.Kind() != reflect.Pointer || val.IsNil() {
		return nil, errors.New("bencode: expected a non-nil pointer")
	}
	w := &writer{}
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func (w *writer) writeBytes(b []byte) {
	w.buf.WriteString(strconv.Itoa(len(b)))
	w.buf.WriteByte(bytesLengthSep)
	w.buf.Write(b)
}

func (w *writer) writeSigned(n int64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatInt(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeUnsigned(n uint64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatUint(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			w.writeUnsigned(1)
		} else {
			w.writeUnsigned(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		w.writeSigned(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		w.writeUnsigned(v.Uint())
	case reflect.String:
		w.writeBytes([]byte(v.String()))
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			w.writeBytes(b)
			return nil
		}
		w.buf.WriteByte(listStart)
		for i := 0; i != v.Len(); i++ {
			if err := w.writeValue(v.Index(i)); err != nil {
				return err
			}
		}
		w.buf.WriteByte(bencodeEnd)
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Pointer:
		if v.IsNil() {
			return errors.New("bencode: cannot write nil pointer outside of a struct")
		}
		return w.writeValue(v.Elem())
	default:
		return fmt.Errorf("bencode: unhandled kind %s", v.Kind())
	}
	return nil
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	w.buf.WriteByte(dictStart)
	for _, f := range fields {
		fv := v.Field(f.index)
		if fv.Kind() == reflect.Pointer && fv.IsNil() {
			continue
		}
		w.writeBytes([]byte(f.name))
		if err := w.writeValue(fv); err != nil {
			return err
		}
	}
	w.buf.WriteByte(bencodeEnd)
	return nil
}
