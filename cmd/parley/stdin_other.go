//go:build !unix

package main

import (
	"io"
	"os"
)

func openStdin() (io.ReadCloser, error) {
	return os.Stdin, nil
}
