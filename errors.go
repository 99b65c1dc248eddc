package parley

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConnectFailure is matched by every error returned when connecting to a peer fails.
	ErrConnectFailure = errors.New("connecting to peer failed")

	// ErrQueueFull is reported for a peer whose send queue has no space left.
	ErrQueueFull = errors.New("peer send queue is full")

	// ErrNotRunning is returned when node is used before Run is called or after it returned.
	ErrNotRunning = errors.New("node is not running")

	errSameNode = errors.New("connected to myself")
)

// ConnectError describes failed attempt to connect to a peer.
type ConnectError struct {
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to peer %s failed: %s", e.Address, e.Err)
}

// Unwrap returns the cause.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is reports ConnectError as ErrConnectFailure.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnectFailure
}
