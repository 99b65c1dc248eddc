package wire

// PeerID is the random identifier a node picks at startup.
type PeerID [32]byte

// Hello is the first message exchanged by peers after connecting.
type Hello struct {
	PeerID PeerID
	Name   string
}

// Message carries a sealed chat message.
type Message struct {
	Payload []byte
}
