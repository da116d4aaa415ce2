package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Well-known storage keys. The federated credential key carries the
// authority and client id so a reconfigured gateway never reads a
// credential issued under a different registration.
const (
	keyLegacyToken    = "legacy.token"
	keyRedirectIntent = "redirectAfterLogin"
	keyLoginState     = "oidc.state"
)

// CredentialKey builds the storage key for the federated credential.
func CredentialKey(authority, clientID string) string {
	return "oidc.user:" + authority + ":" + clientID
}

// Store is durable key/value persistence for the active credential and
// the ephemeral redirect-intent values. Cleared on logout.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// SaveCredential serializes the credential under the given key.
func SaveCredential(ctx context.Context, s Store, key string, cred *Credential) error {
	b, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	return s.Set(ctx, key, string(b))
}

// LoadCredential reads and deserializes a credential, or nil if absent.
func LoadCredential(ctx context.Context, s Store, key string) (*Credential, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return &cred, nil
}

// SaveLegacyToken persists the bare legacy bearer token string.
func SaveLegacyToken(ctx context.Context, s Store, token string) error {
	return s.Set(ctx, keyLegacyToken, token)
}

// LegacyToken reads the persisted legacy bearer token, if any.
func LegacyToken(ctx context.Context, s Store) (string, bool, error) {
	return s.Get(ctx, keyLegacyToken)
}

// SaveIntent records the path to restore after login.
func SaveIntent(ctx context.Context, s Store, path string) error {
	return s.Set(ctx, keyRedirectIntent, path)
}

// TakeIntent consumes the post-login redirect path exactly once.
func TakeIntent(ctx context.Context, s Store) (string, bool, error) {
	path, ok, err := s.Get(ctx, keyRedirectIntent)
	if err != nil || !ok {
		return "", false, err
	}
	if err := s.Delete(ctx, keyRedirectIntent); err != nil {
		return "", false, err
	}
	return path, true, nil
}

func saveLoginState(ctx context.Context, s Store, st loginState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal login state: %w", err)
	}
	return s.Set(ctx, keyLoginState, string(b))
}

// takeLoginState consumes the outstanding anti-replay record, if any.
func takeLoginState(ctx context.Context, s Store) (*loginState, error) {
	raw, ok, err := s.Get(ctx, keyLoginState)
	if err != nil || !ok {
		return nil, err
	}
	if err := s.Delete(ctx, keyLoginState); err != nil {
		return nil, err
	}
	var st loginState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("unmarshal login state: %w", err)
	}
	return &st, nil
}

// MemoryStore keeps state in process memory. Used in tests and as a
// building block; production deployments use FileStore or RedisStore.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string]string)
	return nil
}

// FileStore persists each key as a file under its own directory, one
// value per file, owner-readable only.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key))
}

func (f *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(b), true, nil
}

func (f *FileStore) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.WriteFile(f.path(key), []byte(value), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (f *FileStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("list store dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(f.dir, e.Name())); err != nil {
			return fmt.Errorf("clear %s: %w", e.Name(), err)
		}
	}
	return nil
}

// sanitizeKey maps a storage key onto a safe file name. The escaping is
// bijective (every byte outside the passthrough set becomes %XX), so
// distinct keys never collide on disk.
func sanitizeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
