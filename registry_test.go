package parley

import (
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/qa"
)

type fakeHandle struct {
	err error

	mu       sync.Mutex
	payloads [][]byte
	closed   int
}

func (h *fakeHandle) Send(payload []byte) error {
	if h.err != nil {
		return h.err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.payloads = append(h.payloads, payload)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed++
}

func (h *fakeHandle) Payloads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.payloads
}

func (h *fakeHandle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

func TestRegistryRegisterUnregister(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := NewRegistry()
	requireT.Empty(r.Snapshot())

	h1 := &fakeHandle{}
	h2 := &fakeHandle{}
	r.Register(ctx, "127.0.0.2:1000", h1)
	r.Register(ctx, "127.0.0.1:1000", h2)
	requireT.Equal([]string{"127.0.0.1:1000", "127.0.0.2:1000"}, r.Snapshot())

	requireT.True(r.Unregister("127.0.0.2:1000", h1))
	requireT.Equal([]string{"127.0.0.1:1000"}, r.Snapshot())
	requireT.Equal(1, h1.Closed())

	requireT.False(r.Unregister("127.0.0.2:1000", h1))
	requireT.Equal(1, h1.Closed())

	requireT.True(r.Unregister("127.0.0.1:1000", h2))
	requireT.Empty(r.Snapshot())
}

func TestRegistryReplaceClosesPreviousHandle(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := NewRegistry()
	prev := &fakeHandle{}
	next := &fakeHandle{}

	r.Register(ctx, "127.0.0.1:1000", prev)
	r.Register(ctx, "127.0.0.1:1000", next)
	requireT.Equal([]string{"127.0.0.1:1000"}, r.Snapshot())
	requireT.Equal(1, prev.Closed())
	requireT.Zero(next.Closed())

	// Session of the replaced connection must not remove its successor.
	requireT.False(r.Unregister("127.0.0.1:1000", prev))
	requireT.Equal([]string{"127.0.0.1:1000"}, r.Snapshot())
	requireT.Equal(1, prev.Closed())

	results := r.Broadcast([]byte("payload"))
	requireT.Equal([]SendResult{{Address: "127.0.0.1:1000"}}, results)
	requireT.Empty(prev.Payloads())
	requireT.Equal([][]byte{[]byte("payload")}, next.Payloads())

	requireT.True(r.Unregister("127.0.0.1:1000", next))
	requireT.Equal(1, next.Closed())
}

func TestRegistryBroadcastIsolatesFailingPeer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	errWrite := errors.New("write failed")

	r := NewRegistry()
	a := &fakeHandle{}
	b := &fakeHandle{err: errWrite}
	c := &fakeHandle{}
	r.Register(ctx, "A", a)
	r.Register(ctx, "B", b)
	r.Register(ctx, "C", c)

	results := r.Broadcast([]byte("payload"))
	requireT.Len(results, 3)
	requireT.Equal("A", results[0].Address)
	requireT.NoError(results[0].Err)
	requireT.Equal("B", results[1].Address)
	requireT.ErrorIs(results[1].Err, errWrite)
	requireT.Equal("C", results[2].Address)
	requireT.NoError(results[2].Err)

	requireT.Equal([][]byte{[]byte("payload")}, a.Payloads())
	requireT.Empty(b.Payloads())
	requireT.Equal([][]byte{[]byte("payload")}, c.Payloads())

	// Failing peer stays registered until its session removes it.
	requireT.Equal([]string{"A", "B", "C"}, r.Snapshot())
}

func TestRegistryBroadcastSkipsUnregisteredPeer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := NewRegistry()
	a := &fakeHandle{}
	b := &fakeHandle{}
	r.Register(ctx, "A", a)
	r.Register(ctx, "B", b)
	requireT.True(r.Unregister("B", b))

	requireT.Equal([]SendResult{{Address: "A"}}, r.Broadcast([]byte("payload")))
	requireT.Len(a.Payloads(), 1)
	requireT.Empty(b.Payloads())
}

func TestRegistryClose(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := NewRegistry()
	a := &fakeHandle{}
	b := &fakeHandle{}
	r.Register(ctx, "A", a)
	r.Register(ctx, "B", b)

	r.Close()
	requireT.Empty(r.Snapshot())
	requireT.Equal(1, a.Closed())
	requireT.Equal(1, b.Closed())
	requireT.Empty(r.Broadcast([]byte("payload")))

	// Sessions ending after shutdown find nothing to remove.
	requireT.False(r.Unregister("A", a))
	requireT.Equal(1, a.Closed())

	late := &fakeHandle{}
	r.Register(ctx, "C", late)
	requireT.Equal(1, late.Closed())
	requireT.Empty(r.Snapshot())
}

func TestRegistryMatchesModel(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := NewRegistry()
	model := map[string]*fakeHandle{}
	rnd := rand.New(rand.NewPCG(1, 2))

	for range 1000 {
		addr := "127.0.0.1:" + strconv.Itoa(rnd.IntN(10))
		if rnd.IntN(2) == 0 {
			h := &fakeHandle{}
			r.Register(ctx, addr, h)
			model[addr] = h
			continue
		}

		h, exists := model[addr]
		if !exists {
			requireT.False(r.Unregister(addr, &fakeHandle{}))
			continue
		}
		requireT.True(r.Unregister(addr, h))
		delete(model, addr)
	}

	expected := make([]string, 0, len(model))
	for addr := range model {
		expected = append(expected, addr)
	}
	sort.Strings(expected)

	requireT.Equal(expected, r.Snapshot())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	r := NewRegistry()
	wg := sync.WaitGroup{}
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			addr := "127.0.0.1:" + strconv.Itoa(i)
			for range 100 {
				h := &fakeHandle{}
				r.Register(ctx, addr, h)
				r.Broadcast([]byte("payload"))
				r.Snapshot()
				r.Unregister(addr, h)
			}
		}()
	}
	wg.Wait()

	requireT.Empty(r.Snapshot())
}

func TestPeerQueueReportsFullQueue(t *testing.T) {
	requireT := require.New(t)

	q := newPeerQueue(2)
	requireT.NoError(q.Send([]byte("1")))
	requireT.NoError(q.Send([]byte("2")))
	requireT.ErrorIs(q.Send([]byte("3")), ErrQueueFull)

	requireT.Equal([]byte("1"), <-q.ch)
	requireT.NoError(q.Send([]byte("3")))

	q.Close()
	requireT.Equal([]byte("2"), <-q.ch)
	requireT.Equal([]byte("3"), <-q.ch)
	_, ok := <-q.ch
	requireT.False(ok)
}
