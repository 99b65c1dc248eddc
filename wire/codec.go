package wire

import (
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/outofforest/resonance"
)

// DefaultMaxMessageSize is the default limit for the size of the message.
const DefaultMaxMessageSize = 64 * 1024

// ErrProtocolViolation is returned when the peer sends a message which cannot be decoded.
var ErrProtocolViolation = errors.New("protocol violation")

// Receive receives next message from the connection.
// End of stream and network errors are returned as they are, any other failure is the protocol violation.
func Receive(c *resonance.Connection, m Marshaller) (any, error) {
	msg, err := c.ReceiveProton(m)
	if err != nil {
		if isTransportError(err) {
			return nil, errors.WithStack(err)
		}
		return nil, errors.Wrapf(ErrProtocolViolation, "receiving message: %s", err)
	}
	return msg, nil
}

func isTransportError(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &netErr)
}
