package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id0 uint64 = iota + 1
	id1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
		Message{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id0, nil
	case *Message:
		return id1, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size0(msg2), nil
	case *Message:
		return size1(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id0, marshal0(msg2, buf), nil
	case *Message:
		return id1, marshal1(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id0:
		msg := &Hello{}
		return msg, unmarshal0(msg, buf), nil
	case id1:
		msg := &Message{}
		return msg, unmarshal1(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id0, makePatch0(msg2, msgSrc.(*Hello), buf), nil
	case *Message:
		return id1, makePatch1(msg2, msgSrc.(*Message), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch0(msg2, buf), nil
	case *Message:
		return applyPatch1(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Hello) uint64 {
	var n uint64 = 33
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal0(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// PeerID

		copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
		o += 32
	}
	{
		// Name

		{
			l := uint64(len(m.Name))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Name)
			o += l
		}
	}

	return o
}

func unmarshal0(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// PeerID

		copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
		o += 32
	}
	{
		// Name

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Name = string(b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch0(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		if reflect.DeepEqual(m.PeerID, mSrc.PeerID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			copy(b[o:o+32], unsafe.Slice(&m.PeerID[0], 32))
			o += 32
		}
	}
	{
		// Name

		if reflect.DeepEqual(m.Name, mSrc.Name) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			{
				l := uint64(len(m.Name))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Name)
				o += l
			}
		}
	}

	return o
}

func applyPatch0(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		if b[0]&0x01 != 0 {
			copy(unsafe.Slice(&m.PeerID[0], 32), b[o:o+32])
			o += 32
		}
	}
	{
		// Name

		if b[0]&0x02 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Name = string(b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}

func size1(m *Message) uint64 {
	var n uint64 = 1
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Size(l, &n)
		n += l
	}
	return n
}

func marshal1(m *Message, b []byte) uint64 {
	var o uint64
	{
		// Payload

		l := uint64(len(m.Payload))
		helpers.UInt64Marshal(l, b, &o)
		copy(b[o:o+l], m.Payload)
		o += l
	}

	return o
}

func unmarshal1(m *Message, b []byte) uint64 {
	var o uint64
	{
		// Payload

		var l uint64
		helpers.UInt64Unmarshal(&l, b, &o)
		if l > 0 {
			m.Payload = b[o:o+l]
			o += l
		}
	}

	return o
}

func makePatch1(m, mSrc *Message, b []byte) uint64 {
	var o uint64 = 1
	{
		// Payload

		if reflect.DeepEqual(m.Payload, mSrc.Payload) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			l := uint64(len(m.Payload))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Payload)
			o += l
		}
	}

	return o
}

func applyPatch1(m *Message, b []byte) uint64 {
	var o uint64 = 1
	{
		// Payload

		if b[0]&0x01 != 0 {
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Payload = b[o:o+l]
				o += l
			}
		}
	}

	return o
}
