package noise

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize   = chacha20poly1305.NonceSize // 12
	noncePrefix = 4                          // random per-direction prefix
	Overhead    = NonceSize + chacha20poly1305.Overhead
)

var (
	// ErrReplay is returned when an inbound counter is not strictly greater
	// than the highest counter already accepted on this direction.
	ErrReplay = errors.New("replayed or out-of-order nonce")
	// ErrAuth is returned on an AEAD tag mismatch.
	ErrAuth = errors.New("authentication failed")

	errCounterExhausted = errors.New("send counter exhausted")
	errBoxTooShort      = errors.New("sealed payload too short")
)

// Session is the per-peer AEAD state: one key per direction, a fixed random
// 4-byte nonce prefix on the send side, and monotonically increasing 64-bit
// counters. It lives only as long as the connection.
type Session struct {
	mu       sync.Mutex
	send     cipher.AEAD
	recv     cipher.AEAD
	prefix   [noncePrefix]byte
	sendCtr  uint64
	recvHigh uint64
	haveRecv bool
}

// NewSession builds a session from the directional keys. sendKey seals
// outbound payloads, recvKey opens inbound ones.
func NewSession(sendKey, recvKey []byte) (*Session, error) {
	send, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}
	s := &Session{send: send, recv: recv}
	if _, err := rand.Read(s.prefix[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// Seal encrypts plaintext under the next send nonce and returns
// nonce || ciphertext.
func (s *Session) Seal(plaintext, aad []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendCtr == ^uint64(0) {
		return nil, errCounterExhausted
	}
	ctr := s.sendCtr
	s.sendCtr++

	var nonce [NonceSize]byte
	copy(nonce[:noncePrefix], s.prefix[:])
	binary.BigEndian.PutUint64(nonce[noncePrefix:], ctr)

	out := make([]byte, NonceSize, NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	copy(out, nonce[:])
	return s.send.Seal(out, nonce[:], plaintext, aad), nil
}

// Open decrypts nonce || ciphertext. The embedded counter must be strictly
// greater than the highest counter previously accepted; the high-water mark
// only advances after the tag verifies.
func (s *Session) Open(box, aad []byte) ([]byte, error) {
	if len(box) < Overhead {
		return nil, errBoxTooShort
	}
	nonce := box[:NonceSize]
	ctr := binary.BigEndian.Uint64(nonce[noncePrefix:])

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haveRecv && ctr <= s.recvHigh {
		return nil, ErrReplay
	}
	plain, err := s.recv.Open(nil, nonce, box[NonceSize:], aad)
	if err != nil {
		return nil, ErrAuth
	}
	s.recvHigh = ctr
	s.haveRecv = true
	return plain, nil
}
