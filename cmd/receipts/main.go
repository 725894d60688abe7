package main

import (
	"fmt"
	"os"

	"github.com/meow-io/go-receipts/internal/cli"
)

func main() {
	if err := cli.RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
