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
	"github.com/outofforest/parley/wire"
	"github.com/outofforest/resonance"
)

// Delivery is a message received from a peer.
type Delivery struct {
	Address string
	Name    string
	Text    []byte
}

// peerQueue is the handle stored in the registry for the live connection.
// Payloads are written to the connection by the sender of the session, outside the registry lock.
type peerQueue struct {
	ch chan []byte
}

func newPeerQueue(size int) *peerQueue {
	return &peerQueue{ch: make(chan []byte, size)}
}

func (q *peerQueue) Send(payload []byte) error {
	select {
	case q.ch <- payload:
		return nil
	default:
		return errors.WithStack(ErrQueueFull)
	}
}

func (q *peerQueue) Close() {
	close(q.ch)
}

// peer is the connection which passed the handshake.
type peer struct {
	Conn    net.Conn
	C       *resonance.Connection
	Address string
	Hello   *wire.Hello
}

func (n *Node) handshake(conn net.Conn) (*peer, error) {
	if err := conn.SetDeadline(time.Now().Add(n.config.HandshakeTimeout)); err != nil {
		return nil, errors.WithStack(err)
	}

	c := resonance.NewConnection(conn, resonance.Config{MaxMessageSize: n.config.MaxMessageSize})
	if err := c.SendProton(&wire.Hello{
		PeerID: n.id,
		Name:   n.config.Name,
	}, n.marshaller); err != nil {
		return nil, err
	}

	msg, err := wire.Receive(c, n.marshaller)
	if err != nil {
		return nil, err
	}

	helloMsg, ok := msg.(*wire.Hello)
	if !ok {
		return nil, errors.Wrap(wire.ErrProtocolViolation, "hello message expected")
	}
	if helloMsg.PeerID == n.id {
		return nil, errors.WithStack(errSameNode)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, errors.WithStack(err)
	}

	return &peer{
		Conn:    conn,
		C:       c,
		Address: conn.RemoteAddr().String(),
		Hello:   helloMsg,
	}, nil
}

// register creates the handle of the peer and stores it in the registry.
func (n *Node) register(ctx context.Context, p *peer) *peerQueue {
	queue := newPeerQueue(n.config.SendQueueSize)
	n.registry.Register(ctx, p.Address, queue)

	logger.Get(ctx).Info("Peer connected", zap.String("peer", p.Address), zap.String("name", p.Hello.Name))
	return queue
}

// runSession runs receiver and sender of the registered peer until the connection is closed.
// Entry of the peer is removed from the registry exactly once, when the receiver exits.
// Clean end of stream finishes the session without error.
func (n *Node) runSession(ctx context.Context, p *peer, queue *peerQueue) error {
	log := logger.Get(ctx).With(zap.String("peer", p.Address), zap.String("name", p.Hello.Name))

	// Connection keeps pinging until the sender flushes the queue, even after ctx is canceled.
	connCtx, stopConn := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConn()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("connection", parallel.Exit, func(_ context.Context) error {
			err := p.C.Run(connCtx)
			if connCtx.Err() != nil {
				return nil
			}
			return err
		})
		spawn("receiver", parallel.Exit, func(ctx context.Context) error {
			defer func() {
				if n.registry.Unregister(p.Address, queue) {
					log.Info("Peer disconnected")
				}
			}()

			return n.receive(ctx, p)
		})
		spawn("sender", parallel.Exit, func(ctx context.Context) error {
			defer stopConn()
			defer p.Conn.Close()

			return n.send(ctx, p, queue.ch)
		})

		return nil
	})
}

func (n *Node) receive(ctx context.Context, p *peer) error {
	log := logger.Get(ctx)

	for {
		msg, err := wire.Receive(p.C, n.marshaller)
		if err != nil {
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		chatMsg, ok := msg.(*wire.Message)
		if !ok {
			return errors.Wrapf(wire.ErrProtocolViolation, "unexpected message %T", msg)
		}

		text, err := n.sealer.Open(chatMsg.Payload)
		if err != nil {
			n.authFailures.Add(1)
			if n.config.StrictAuthentication {
				return err
			}
			log.Warn("Dropping message which failed authentication", zap.String("peer", p.Address))
			continue
		}

		log.Debug("Message received", zap.String("peer", p.Address), zap.Int("size", len(text)))

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case n.recvCh <- Delivery{
			Address: p.Address,
			Name:    p.Hello.Name,
			Text:    text,
		}:
		}
	}
}

func (n *Node) send(ctx context.Context, p *peer, queue <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return n.flush(ctx, p, queue)
		case payload, ok := <-queue:
			if !ok {
				return nil
			}
			if err := n.write(p, payload); err != nil {
				return err
			}
		}
	}
}

// flush writes payloads queued before the session was canceled.
func (n *Node) flush(ctx context.Context, p *peer, queue <-chan []byte) error {
	for {
		select {
		case payload, ok := <-queue:
			if !ok {
				return errors.WithStack(ctx.Err())
			}
			if err := n.write(p, payload); err != nil {
				return err
			}
		default:
			return errors.WithStack(ctx.Err())
		}
	}
}

func (n *Node) write(p *peer, payload []byte) error {
	if err := p.Conn.SetWriteDeadline(time.Now().Add(n.config.WriteTimeout)); err != nil {
		return errors.WithStack(err)
	}
	if err := p.C.SendProton(&wire.Message{Payload: payload}, n.marshaller); err != nil {
		return err
	}
	// Pings sent by the connection are not bound to the deadline of the last message.
	return errors.WithStack(p.Conn.SetWriteDeadline(time.Time{}))
}
