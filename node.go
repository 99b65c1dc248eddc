package parley

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/parley/seal"
	"github.com/outofforest/parley/wire"
)

// Config is the configuration of the node.
type Config struct {
	// Name is the display name sent to peers.
	Name string

	// Key is the pre-shared key used to seal messages.
	Key seal.Key

	// Peers are dialed on start and redialed whenever the connection breaks.
	Peers []string

	MaxMessageSize   uint64
	SendQueueSize    int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectDelay   time.Duration

	// StrictAuthentication closes the session on the first message which fails authentication.
	// By default such message is logged and dropped.
	StrictAuthentication bool
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 100
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	return c
}

// Node accepts and dials peers, broadcasts sealed messages to them and delivers messages received from them.
type Node struct {
	config     Config
	id         wire.PeerID
	sealer     *seal.Sealer
	marshaller wire.Marshaller
	registry   *Registry
	recvCh     chan Delivery

	authFailures atomic.Uint64

	runningCh   chan struct{}
	runningOnce sync.Once

	mu      sync.Mutex
	started bool
	spawn   parallel.SpawnFn
}

// NewNode creates new node. Received messages are delivered to the returned channel, closed when Run returns.
func NewNode(config Config) (*Node, <-chan Delivery, error) {
	config = config.withDefaults()
	if config.SendQueueSize < 0 {
		return nil, nil, errors.New("send queue size must not be negative")
	}

	id, err := newPeerID()
	if err != nil {
		return nil, nil, err
	}

	sealer, err := seal.New(config.Key)
	if err != nil {
		return nil, nil, err
	}

	recvCh := make(chan Delivery, 10)
	return &Node{
		config:     config,
		id:         id,
		sealer:     sealer,
		marshaller: wire.NewMarshaller(),
		registry:   NewRegistry(),
		recvCh:     recvCh,
		runningCh:  make(chan struct{}),
	}, recvCh, nil
}

// Run accepts peers on the listener and runs sessions of all the peers until ctx is canceled.
func (n *Node) Run(ctx context.Context, ls net.Listener) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.New("node has been already started")
	}
	n.started = true
	n.mu.Unlock()

	defer close(n.recvCh)
	defer n.markRunning()
	defer func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		n.spawn = nil
	}()

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		n.mu.Lock()
		n.spawn = spawn
		n.mu.Unlock()
		n.markRunning()

		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()

			n.mu.Lock()
			n.spawn = nil
			n.mu.Unlock()

			_ = ls.Close()
			n.registry.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("listener", parallel.Fail, func(ctx context.Context) error {
			return n.acceptPeers(ctx, ls, spawn)
		})

		for _, addr := range n.config.Peers {
			spawn("bootstrap", parallel.Continue, func(ctx context.Context) error {
				return n.keepConnected(ctx, addr)
			})
		}

		return nil
	})
}

// markRunning releases Dial calls waiting for Run.
func (n *Node) markRunning() {
	n.runningOnce.Do(func() {
		close(n.runningCh)
	})
}

// Send seals the text and broadcasts it to all the connected peers.
// Peers which could not take the message are reported in the result, their sessions are not affected.
func (n *Node) Send(text []byte) ([]SendResult, error) {
	blob, err := n.sealer.Seal(text)
	if err != nil {
		return nil, err
	}

	size, err := n.marshaller.Size(&wire.Message{Payload: blob})
	if err != nil {
		return nil, err
	}
	if size > n.config.MaxMessageSize {
		return nil, errors.Errorf("message of %d bytes exceeds limit of %d bytes", size, n.config.MaxMessageSize)
	}

	return n.registry.Broadcast(blob), nil
}

// AuthFailures returns the number of received messages which failed authentication.
func (n *Node) AuthFailures() uint64 {
	return n.authFailures.Load()
}

// Peers returns addresses of connected peers.
func (n *Node) Peers() []string {
	return n.registry.Snapshot()
}

// spawnSession runs session of the connected peer inside the group of Run.
func (n *Node) spawnSession(p *peer, queue *peerQueue) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.spawn == nil {
		return errors.WithStack(ErrNotRunning)
	}

	n.spawn("peer", parallel.Continue, func(ctx context.Context) error {
		return n.runPeer(ctx, p, queue)
	})
	return nil
}

// runPeer runs session and absorbs its error so single peer never stops the node.
func (n *Node) runPeer(ctx context.Context, p *peer, queue *peerQueue) error {
	err := n.runSession(ctx, p, queue)
	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}
	if err != nil {
		logSessionError(logger.Get(ctx).With(zap.String("peer", p.Address)), err)
	}
	return nil
}

// newPeerID returns random ID used to recognize connections to the node itself.
func newPeerID() (wire.PeerID, error) {
	var id wire.PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return wire.PeerID{}, errors.WithStack(err)
	}
	return id, nil
}
