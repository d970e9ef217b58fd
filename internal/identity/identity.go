// Package identity manages the node's long-term Ed25519 signing keypair.
// The public key is the NodeID; the private half never leaves the process.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"meshcore/internal/wire"
)

const keyFileName = "identity.key"

// Identity wraps the signing keypair loaded from (or created in) dataDir.
type Identity struct {
	priv  ed25519.PrivateKey
	id    wire.NodeID
	path  string
	nuked bool
}

var ErrNuked = errors.New("identity nuked")

// LoadOrCreate reads the key file from dataDir, generating and atomically
// writing a fresh keypair when the file is absent or unparseable.
func LoadOrCreate(dataDir string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, keyFileName)
	seed, err := os.ReadFile(path)
	if err == nil && len(seed) == ed25519.SeedSize {
		return fromSeed(seed, path), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := writeAtomic(path, seed); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return fromSeed(seed, path), nil
}

func fromSeed(seed []byte, path string) *Identity {
	priv := ed25519.NewKeyFromSeed(seed)
	var id wire.NodeID
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return &Identity{priv: priv, id: id, path: path}
}

// writeAtomic lands the seed via temp file + rename with owner-only perms.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// NodeID returns the 32-byte public key.
func (i *Identity) NodeID() wire.NodeID { return i.id }

func (i *Identity) Sign(msg []byte) ([]byte, error) {
	if i.nuked {
		return nil, ErrNuked
	}
	return ed25519.Sign(i.priv, msg), nil
}

// Verify checks sig over msg against a peer's public key.
func Verify(id wire.NodeID, msg, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(id[:]), msg, sig)
}

// Nuke deletes the key file and zeroes the in-memory private key. The next
// start generates a fresh identity.
func (i *Identity) Nuke() error {
	if i.nuked {
		return nil
	}
	err := os.Remove(i.path)
	for j := range i.priv {
		i.priv[j] = 0
	}
	i.priv = nil
	i.nuked = true
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
