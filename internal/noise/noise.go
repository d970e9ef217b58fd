// Package noise implements the per-peer session crypto: an ephemeral X25519
// agreement, HKDF key derivation, and counter-nonce ChaCha20-Poly1305
// boxing with replay rejection.
package noise

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize = 32

	labelSalt = "meshcore:kdf:v1"
	labelLow  = "meshcore:key:low:v1"
	labelHigh = "meshcore:key:high:v1"
)

// Ephemeral is a one-shot X25519 keypair, destroyed once the session key is
// derived.
type Ephemeral struct {
	priv      *ecdh.PrivateKey
	pub       [32]byte
	destroyed bool
}

func GenerateEphemeral() (*Ephemeral, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	e := &Ephemeral{priv: priv}
	copy(e.pub[:], priv.PublicKey().Bytes())
	return e, nil
}

func (e *Ephemeral) String() string { return "Ephemeral{REDACTED}" }

func (e *Ephemeral) Public() ([32]byte, error) {
	if e == nil || e.destroyed {
		return [32]byte{}, errors.New("ephemeral key destroyed")
	}
	return e.pub, nil
}

// Shared computes the raw X25519 shared secret with the remote public key.
func (e *Ephemeral) Shared(peerPub [32]byte) ([]byte, error) {
	if e == nil || e.destroyed {
		return nil, errors.New("ephemeral key destroyed")
	}
	pub, err := ecdh.X25519().NewPublicKey(peerPub[:])
	if err != nil {
		return nil, err
	}
	return e.priv.ECDH(pub)
}

func (e *Ephemeral) Destroy() {
	if e == nil || e.destroyed {
		return
	}
	for i := range e.pub {
		e.pub[i] = 0
	}
	e.priv = nil
	e.destroyed = true
}

// Keys holds the two directional AEAD keys derived from one exchange. The
// node with the lexicographically lower NodeID sends with Low and receives
// with High; the other side mirrors the assignment.
type Keys struct {
	Low  []byte
	High []byte
}

// Derive expands the shared secret into the directional keys via
// HKDF-SHA256.
func Derive(shared []byte) (Keys, error) {
	if len(shared) == 0 {
		return Keys{}, errors.New("empty key material")
	}
	low, err := expand(shared, labelLow)
	if err != nil {
		return Keys{}, err
	}
	high, err := expand(shared, labelHigh)
	if err != nil {
		return Keys{}, err
	}
	return Keys{Low: low, High: high}, nil
}

func expand(shared []byte, label string) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, []byte(labelSalt), []byte(label))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Zero wipes key material in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
