package wire

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
	"github.com/outofforest/resonance"
)

type pipe struct {
	SenderConn   net.Conn
	ReceiverConn net.Conn
	Sender       *resonance.Connection
	Receiver     *resonance.Connection
}

func newPipe(senderMaxSize, receiverMaxSize uint64) pipe {
	senderConn, receiverConn := net.Pipe()
	return pipe{
		SenderConn:   senderConn,
		ReceiverConn: receiverConn,
		Sender:       resonance.NewConnection(senderConn, resonance.Config{MaxMessageSize: senderMaxSize}),
		Receiver:     resonance.NewConnection(receiverConn, resonance.Config{MaxMessageSize: receiverMaxSize}),
	}
}

func TestSendReceive(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	m := NewMarshaller()
	p := newPipe(DefaultMaxMessageSize, DefaultMaxMessageSize)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	hello := &Hello{
		PeerID: PeerID{0x01, 0x02, 0x03},
		Name:   "alice",
	}
	payload := bytes.Repeat([]byte{'\n', 0x00, 0xff}, 200)

	group.Spawn("sender", parallel.Continue, func(ctx context.Context) error {
		defer p.SenderConn.Close()

		if err := p.Sender.SendProton(hello, m); err != nil {
			return err
		}
		if err := p.Sender.SendProton(&Message{Payload: payload}, m); err != nil {
			return err
		}
		return p.Sender.SendProton(&Message{}, m)
	})

	msg, err := Receive(p.Receiver, m)
	requireT.NoError(err)
	requireT.Equal(hello, msg)

	msg, err = Receive(p.Receiver, m)
	requireT.NoError(err)
	requireT.Equal(&Message{Payload: payload}, msg)

	msg, err = Receive(p.Receiver, m)
	requireT.NoError(err)
	requireT.Equal(&Message{}, msg)

	_, err = Receive(p.Receiver, m)
	requireT.ErrorIs(err, io.EOF)
	requireT.NotErrorIs(err, ErrProtocolViolation)
}

func TestSendTooLargeMessage(t *testing.T) {
	requireT := require.New(t)

	p := newPipe(50, 50)
	defer p.SenderConn.Close()
	defer p.ReceiverConn.Close()

	requireT.Error(p.Sender.SendProton(&Message{Payload: make([]byte, 100)}, NewMarshaller()))
}

func TestReceiveTooLargeMessage(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	p := newPipe(DefaultMaxMessageSize, 50)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	group.Spawn("sender", parallel.Continue, func(ctx context.Context) error {
		_ = p.Sender.SendProton(&Message{Payload: make([]byte, 100)}, NewMarshaller())
		return nil
	})

	_, err := Receive(p.Receiver, NewMarshaller())
	requireT.ErrorIs(err, ErrProtocolViolation)
	requireT.NoError(p.ReceiverConn.Close())
}

func TestReceiveUnknownMessage(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	p := newPipe(DefaultMaxMessageSize, DefaultMaxMessageSize)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	group.Spawn("sender", parallel.Continue, func(ctx context.Context) error {
		return p.Sender.SendBytes([]byte{0x63})
	})

	_, err := Receive(p.Receiver, NewMarshaller())
	requireT.ErrorIs(err, ErrProtocolViolation)
}

func TestReceiveTrailingBytes(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	m := NewMarshaller()
	p := newPipe(DefaultMaxMessageSize, DefaultMaxMessageSize)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	buf := make([]byte, 100)
	id, size, err := m.Marshal(&Message{Payload: []byte("hello")}, buf)
	requireT.NoError(err)

	msg := append([]byte{byte(id)}, buf[:size]...)
	msg = append(msg, 0xff)

	group.Spawn("sender", parallel.Continue, func(ctx context.Context) error {
		return p.Sender.SendBytes(msg)
	})

	_, err = Receive(p.Receiver, m)
	requireT.ErrorIs(err, ErrProtocolViolation)
}

func TestReceiveFromClosedConnection(t *testing.T) {
	requireT := require.New(t)

	p := newPipe(DefaultMaxMessageSize, DefaultMaxMessageSize)
	requireT.NoError(p.SenderConn.Close())
	requireT.NoError(p.ReceiverConn.Close())

	_, err := Receive(p.Receiver, NewMarshaller())
	requireT.Error(err)
	requireT.NotErrorIs(err, ErrProtocolViolation)
}
