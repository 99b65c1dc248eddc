package seal

import (
	"crypto/rand"
	"encoding/hex"
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters used to turn a shared passphrase into a key.
const (
	argonTime    = 1
	argonMemory  = 1 << 16
	argonThreads = 8
)

// NewKey generates random key.
func NewKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, errors.WithStack(err)
	}
	return key, nil
}

// KeyFromHex decodes key from its hex representation.
func KeyFromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, errors.Wrap(err, "decoding key")
	}
	defer Wipe(b)

	if len(b) != KeySize {
		return Key{}, errors.Errorf("key must be %d bytes long, got %d", KeySize, len(b))
	}

	var key Key
	copy(key[:], b)
	return key, nil
}

// KeyFromPassphrase derives key from passphrase using Argon2id.
// All the peers of a session must use the same passphrase and salt.
func KeyFromPassphrase(passphrase, salt string) (Key, error) {
	if passphrase == "" {
		return Key{}, errors.New("passphrase is empty")
	}
	if salt == "" {
		return Key{}, errors.New("salt is empty")
	}

	b := argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize)
	defer Wipe(b)

	var key Key
	copy(key[:], b)
	return key, nil
}

// String returns hex representation of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Wipe zeroes the buffer.
//
//go:noinline
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
