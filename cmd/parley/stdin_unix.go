//go:build unix

package main

import (
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// openStdin returns stdin registered in the runtime poller, so closing it ends the pending read.
func openStdin() (io.ReadCloser, error) {
	if err := syscall.SetNonblock(syscall.Stdin, true); err != nil {
		return nil, errors.WithStack(err)
	}
	return &stdin{File: os.NewFile(uintptr(syscall.Stdin), "stdin")}, nil
}

type stdin struct {
	*os.File

	closeOnce sync.Once
	closeErr  error
}

// Close restores blocking mode shared with the parent shell before closing.
func (s *stdin) Close() error {
	s.closeOnce.Do(func() {
		_ = syscall.SetNonblock(syscall.Stdin, false)
		s.closeErr = errors.WithStack(s.File.Close())
	})
	return s.closeErr
}
