package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/opclaw/internal/logger"
	"gopkg.in/yaml.v3"
)

// Storage keys. Versioned so a format change can move to a new key.
const (
	IdentityKey    = "opclaw.deviceIdentity.v1"
	DeviceTokenKey = "opclaw.deviceToken.v1"
)

// ErrStorageUnavailable is returned by storages that cannot be read or written at all.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Storage is the key-value persistence used for the device identity and token.
// Get reports ok=false for a missing key; err is reserved for backend failures.
type Storage interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// MemStorage keeps values in memory for the lifetime of the process.
type MemStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{values: make(map[string]string)}
}

func (m *MemStorage) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemStorage) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemStorage) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileStorage persists all keys in a single YAML document under Dir.
type FileStorage struct {
	Dir string
	mu  sync.Mutex
}

func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{Dir: dir}
}

func (s *FileStorage) path() string {
	return filepath.Join(s.Dir, "storage.yaml")
}

func (s *FileStorage) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

func (s *FileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return err
	}
	values[key] = value
	return s.write(values)
}

func (s *FileStorage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.write(values)
}

func (s *FileStorage) read() (map[string]string, error) {
	values := make(map[string]string)
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("read storage: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse storage: %w", err)
	}
	if values == nil {
		values = make(map[string]string)
	}
	return values, nil
}

func (s *FileStorage) write(values map[string]string) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(s.path(), data, 0600); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	return nil
}

// TokenCache holds the device token issued by the gateway. Every operation
// degrades to "no cached token" when the storage misbehaves.
type TokenCache struct {
	storage Storage
}

func NewTokenCache(storage Storage) *TokenCache {
	return &TokenCache{storage: storage}
}

// Load returns the cached token, if any.
func (c *TokenCache) Load() (string, bool) {
	if c == nil || c.storage == nil {
		return "", false
	}
	tok, ok, err := c.storage.Get(DeviceTokenKey)
	if err != nil {
		logger.Warn("load device token", "err", err)
		return "", false
	}
	if !ok || tok == "" {
		return "", false
	}
	return tok, true
}

// Store replaces the cached token.
func (c *TokenCache) Store(token string) {
	if c == nil || c.storage == nil {
		return
	}
	if err := c.storage.Set(DeviceTokenKey, token); err != nil {
		logger.Warn("store device token", "err", err)
	}
}

// Clear forgets the cached token so the configured token is used again.
func (c *TokenCache) Clear() {
	if c == nil || c.storage == nil {
		return
	}
	if err := c.storage.Remove(DeviceTokenKey); err != nil {
		logger.Warn("clear device token", "err", err)
	}
}
