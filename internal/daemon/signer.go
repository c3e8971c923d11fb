package daemon

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// KeySigner is a file-backed session identity: an ed25519 key generated on
// first run and persisted in the session directory.
type KeySigner struct {
	priv ed25519.PrivateKey
	addr string
}

// LoadSigner reads the session identity key, generating one when absent.
func LoadSigner(sessionDir string) (*KeySigner, error) {
	path := filepath.Join(sessionDir, "identity.key")

	seed, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read identity key: %w", err)
		}
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate identity key: %w", err)
		}
		if err := os.WriteFile(path, seed, 0600); err != nil {
			return nil, fmt.Errorf("write identity key: %w", err)
		}
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity key at %s has wrong size %d", path, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	return &KeySigner{
		priv: priv,
		addr: "0x" + hex.EncodeToString(sum[12:32]),
	}, nil
}

func (s *KeySigner) Address() string { return s.addr }

func (s *KeySigner) Sign(_ context.Context, payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}
