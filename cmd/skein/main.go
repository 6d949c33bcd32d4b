// Package main is the entry point for the skein CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fatal(err)
	}
}

// fatal reports err and exits non-zero. A cancelled context is a normal
// shutdown and prints nothing.
func fatal(err error) {
	if !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "skein:", err)
	}
	os.Exit(1)
}
