// Package crypto implements the per-session AES-GCM event-sealing overlay
// described in §4.1 and §9: outward events may be wrapped into an
// `encrypted` envelope, nonce = 8 random bytes + 4 counter bytes, with a
// hard nonce ceiling enforced per key rather than silent rotation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sandboxbroker/broker/internal/brokererr"
)

// MaxNonces is the hard ceiling on encryptions per key before Seal starts
// failing: 2^32, the number of distinct values of the nonce's 4-byte
// counter.
const MaxNonces = 1 << 32

// Context holds a single session's encryption key and nonce counter state.
// It must not be shared across sessions: the nonce's random prefix is
// fixed for the Context's lifetime, so reuse across sessions would risk
// nonce collision under the same key.
type Context struct {
	kid    string
	key    []byte
	prefix [8]byte

	mu      sync.Mutex
	counter uint64
	gcm     cipher.AEAD
}

// NewContext generates a fresh random key and nonce prefix for kid.
func NewContext(kid string) (*Context, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newContextWithKey(kid, key)
}

func newContextWithKey(kid string, key []byte) (*Context, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	c := &Context{kid: kid, key: key, gcm: gcm}
	if _, err := rand.Read(c.prefix[:]); err != nil {
		return nil, fmt.Errorf("generate nonce prefix: %w", err)
	}
	return c, nil
}

// KID returns the key identifier carried on every sealed envelope.
func (c *Context) KID() string { return c.kid }

// Seal encrypts plaintext, returning the key id, base64 nonce, and base64
// ciphertext to place on an `encrypted` event envelope.
func (c *Context) Seal(plaintext []byte) (kid, nonceB64, ciphertextB64 string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counter >= MaxNonces {
		return "", "", "", brokererr.New(brokererr.ExecutionError, "encryption nonce ceiling exceeded for session key")
	}

	var nonce [12]byte
	copy(nonce[:8], c.prefix[:])
	binary.BigEndian.PutUint32(nonce[8:], uint32(c.counter))
	c.counter++

	ciphertext := c.gcm.Seal(nil, nonce[:], plaintext, nil)
	return c.kid, base64.StdEncoding.EncodeToString(nonce[:]), base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Unseal reverses Seal given the same key context.
func (c *Context) Unseal(nonceB64, ciphertextB64 string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gcm.Open(nil, nonce, ciphertext, nil)
}
