package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meow-io/go-receipts/config"
	"github.com/meow-io/go-receipts/internal/db"
)

var Key = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func randomSuffix() string {
	var b [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
		panic("short read from random source")
	}
	return fmt.Sprintf("%x", b[:])
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		if err := os.RemoveAll(f); err != nil {
			panic(err)
		}
	}
}

// DBCleanup runs the tests and removes any database files they left in the working directory.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("test-*")
	return c
}

func NewTestConfig(prefix string, opts ...config.Option) *config.Config {
	dir, err := os.MkdirTemp("", "test-receipts-")
	if err != nil {
		panic(err)
	}
	return config.NewConfig(append([]config.Option{config.WithRootDir(dir), config.WithLoggingPrefix(prefix)}, opts...)...)
}

func NewTestDatabase(c *config.Config) *db.Database {
	path := fmt.Sprintf("test-%s", randomSuffix())
	d, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key); err != nil {
		panic(err)
	}
	if err := d.Open(Key); err != nil {
		panic(err)
	}
	return d
}
