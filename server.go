package parley

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/parley/seal"
	"github.com/outofforest/parley/wire"
)

const acceptBackoff = 100 * time.Millisecond

func (n *Node) acceptPeers(ctx context.Context, ls net.Listener, spawn parallel.SpawnFn) error {
	log := logger.Get(ctx)

	for {
		conn, err := ls.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.WithStack(err)
			}

			log.Error("Accepting connection failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return errors.WithStack(ctx.Err())
			case <-time.After(acceptBackoff):
			}
			continue
		}

		spawn("peer", parallel.Continue, func(ctx context.Context) error {
			p, err := n.handshake(conn)
			if err != nil {
				_ = conn.Close()
				if ctx.Err() != nil {
					return errors.WithStack(ctx.Err())
				}
				log.Error("Handshake with inbound peer failed", zap.Stringer("peer", conn.RemoteAddr()),
					zap.Error(err))
				return nil
			}

			return n.runPeer(ctx, p, n.register(ctx, p))
		})
	}
}

// logSessionError logs the reason the session of the peer ended.
func logSessionError(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, seal.ErrAuthentication):
		log.Warn("Session closed after message failed authentication", zap.Error(err))
	case errors.Is(err, wire.ErrProtocolViolation):
		log.Warn("Session closed after protocol violation", zap.Error(err))
	case errors.Is(err, ErrConnectFailure):
		log.Warn("Connecting to peer failed", zap.Error(err))
	case isConnectionLost(err):
		log.Info("Connection to peer lost", zap.Error(err))
	default:
		log.Error("Session failed", zap.Error(err))
	}
}

func isConnectionLost(err error) bool {
	var netErr net.Error
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr)
}
