package collective

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Hasher derives contributor hashes. Without the secret a hash cannot be
// linked back to an owner id by hashing candidate ids.
type Hasher struct {
	key []byte
}

// NewHasher keys the hasher with secret. An empty secret gets a random key,
// which means hashes only match within this process.
func NewHasher(secret string) (*Hasher, bool, error) {
	if secret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, false, fmt.Errorf("generate contributor key: %w", err)
		}
		return &Hasher{key: key}, true, nil
	}
	sum := blake2b.Sum256([]byte(secret))
	return &Hasher{key: sum[:]}, false, nil
}

// NewHasherFromFile keys the hasher with the hex key stored at path. The
// first call creates a random key there with mode 0600, so contributor
// hashes stay stable across restarts. created reports whether the key was
// generated by this call.
func NewHasherFromFile(path string) (h *Hasher, created bool, err error) {
	key, err := readKey(path)
	if err == nil {
		return &Hasher{key: key}, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("generate contributor key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, fmt.Errorf("create contributor key dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// Another process won the race; use its key.
		key, err = readKey(path)
		if err != nil {
			return nil, false, err
		}
		return &Hasher{key: key}, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create contributor key: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("write contributor key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("sync contributor key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, false, fmt.Errorf("close contributor key: %w", err)
	}
	return &Hasher{key: key}, true, nil
}

func readKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contributor key: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("contributor key %s is not 32 hex-encoded bytes", path)
	}
	return key, nil
}

// Hash returns the hex contributor hash of owner.
func (h *Hasher) Hash(owner string) string {
	m, err := blake2b.New256(h.key)
	if err != nil {
		// Only reachable with a key longer than 64 bytes.
		panic(err)
	}
	m.Write([]byte(owner))
	return hex.EncodeToString(m.Sum(nil))
}
