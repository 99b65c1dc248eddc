package seal

import (
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size of the symmetric session key.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size of the nonce prepended to every sealed blob.
	NonceSize = chacha20poly1305.NonceSizeX

	// Overhead is the number of bytes a sealed blob adds to the plaintext.
	Overhead = NonceSize + chacha20poly1305.Overhead
)

// ErrAuthentication is returned when a blob fails the integrity check, was sealed under another key
// or is too short to be a sealed blob at all.
var ErrAuthentication = errors.New("message authentication failed")

// Key is the pre-shared session key.
type Key [KeySize]byte

// Sealer encrypts and decrypts messages under a single key.
// Each call to Seal draws a fresh random nonce, so one sealer may be shared by all goroutines.
type Sealer struct {
	aead cipher.AEAD
}

// New creates sealer for the key.
func New(key Key) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	blob := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(blob); err != nil {
		return nil, errors.WithStack(err)
	}
	return s.aead.Seal(blob, blob, plaintext, nil), nil
}

// Open verifies and decrypts blob produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, errors.WithStack(ErrAuthentication)
	}
	plaintext, err := s.aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, errors.WithStack(ErrAuthentication)
	}
	return plaintext, nil
}
