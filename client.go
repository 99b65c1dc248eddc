package parley

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

// Dial connects to the peer and starts its session.
// If Run has not been called yet, Dial waits for it. After Run returns, ErrNotRunning is returned.
func (n *Node) Dial(ctx context.Context, addr string) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-n.runningCh:
	}

	n.mu.Lock()
	running := n.spawn != nil
	n.mu.Unlock()
	if !running {
		return errors.WithStack(ErrNotRunning)
	}

	p, err := n.connect(ctx, addr)
	if err != nil {
		return err
	}

	queue := n.register(ctx, p)
	if err := n.spawnSession(p, queue); err != nil {
		n.registry.Unregister(p.Address, queue)
		_ = p.Conn.Close()
		return err
	}
	return nil
}

func (n *Node) connect(ctx context.Context, addr string) (*peer, error) {
	dialer := net.Dialer{Timeout: n.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(&ConnectError{Address: addr, Err: err})
	}

	p, err := n.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(&ConnectError{Address: addr, Err: err})
	}
	return p, nil
}

// keepConnected dials the peer and redials it each time the session ends.
func (n *Node) keepConnected(ctx context.Context, addr string) error {
	log := logger.Get(ctx).With(zap.String("peer", addr))

	for {
		p, err := n.connect(ctx, addr)
		if err == nil {
			err = n.runSession(ctx, p, n.register(ctx, p))
		}

		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}

		if errors.Is(err, errSameNode) {
			log.Info("Skipping peer pointing to myself")
			return nil
		}

		if err != nil {
			logSessionError(log, err)
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-time.After(n.config.ReconnectDelay):
		}
	}
}
