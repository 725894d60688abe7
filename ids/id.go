// This package defines the id type used for tracked messages and stalled receipts. It is based on
// random 16 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("ids: expected 16 bytes, got %d", len(b))
	}
	return ID(b), nil
}

// ParseID reads a hex-encoded id.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("ids: error parsing %q: %w", s, err)
	}
	return IDFromBytes(b)
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

func (id *ID) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("ids: cannot scan %T into id", src)
	}
	parsed, err := IDFromBytes(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ID) Value() (driver.Value, error) {
	return id[:], nil
}
