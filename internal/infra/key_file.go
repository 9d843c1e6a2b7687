package infra

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

const (
	reportKeyFileName = ".reports.key"
	keySize           = 32 // SQLCipher raw key, 256 bits
)

// KeyFile keeps the report database key base64-encoded in a 0600 file next
// to the database. The capturing and the sending process both open it, so
// the first Create wins and every later caller reads that key.
type KeyFile struct {
	path string
}

// NewKeyFile returns the key file of dataDir.
func NewKeyFile(dataDir string) *KeyFile {
	return &KeyFile{path: filepath.Join(dataDir, reportKeyFileName)}
}

// Load reads and decodes the stored key.
func (k *KeyFile) Load() ([]byte, error) {
	raw, err := os.ReadFile(k.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file %s: %w", k.path, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key file %s holds %d bytes, want %d", k.path, len(key), keySize)
	}
	return key, nil
}

// Create publishes key with a hard link from a fully written temp file.
// The link fails when the key file already exists, in which case the
// existing key is returned instead.
func (k *KeyFile) Create(key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), keySize)
	}
	dir := filepath.Dir(k.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+reportKeyFileName+".new-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create key temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.WriteString(base64.StdEncoding.EncodeToString(key))
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write key temp file: %w", err)
	}

	err = os.Link(tmp.Name(), k.path)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, fs.ErrExist):
		return k.Load()
	default:
		return nil, fmt.Errorf("failed to publish key file: %w", err)
	}
}

// GenerateKey returns a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, creating one on first use. Concurrent
// callers on the same data directory all get the same key.
func EnsureKey(k domain.KeyProvider) ([]byte, error) {
	key, err := k.Load()
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return key, err
	}
	fresh, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	return k.Create(fresh)
}

var _ domain.KeyProvider = (*KeyFile)(nil)
