// Package settings persists the small set of string key-value settings that
// must survive power cycles (location, API key, OAuth client and refresh token).
package settings

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Setting keys.
const (
	KeyLocation     = "location"
	KeyWeatherKey   = "weather_key"
	KeyClientID     = "msft_id"
	KeyClientSecret = "msft_secret"
	KeyRefreshToken = "msft_token"
)

// Namespace groups this device's keys inside the settings file.
const Namespace = "eink-weather"

// Keys lists every known key, in a stable order.
var Keys = []string{KeyLocation, KeyWeatherKey, KeyClientID, KeyClientSecret, KeyRefreshToken}

// SecretKeys are never exposed by the status API and are routed to the OS
// keyring when KeyringStore is used.
var SecretKeys = []string{KeyWeatherKey, KeyClientSecret, KeyRefreshToken}

// ErrNotFound is returned by Get when a key has never been written.
var ErrNotFound = errors.New("settings: key not found")

// Store is a namespaced string key-value store. Implementations open the
// backing storage per operation and do not hold it open between calls.
type Store interface {
	Get(key string) (string, error)
	Put(key, value string) error
}

// GetString returns the value for key, or def if it is missing.
func GetString(s Store, key, def string) (string, error) {
	v, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// IsSecret reports whether key holds a secret value.
func IsSecret(key string) bool {
	for _, k := range SecretKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MemoryStore is an in-process Store used in tests and by -render-only runs.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore(initial map[string]string) *MemoryStore {
	m := &MemoryStore{values: make(map[string]string, len(initial))}
	for k, v := range initial {
		m.values[k] = v
	}
	return m
}

func (m *MemoryStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Put(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

// SeedFromEnv writes EPD_<KEY> environment values into s for every known key
// that is still unset (or empty). It returns the keys it wrote.
func SeedFromEnv(s Store, lookup func(string) (string, bool)) ([]string, error) {
	var seeded []string
	for _, key := range Keys {
		envName := "EPD_" + strings.ToUpper(key)
		val, ok := lookup(envName)
		val = strings.TrimSpace(val)
		if !ok || val == "" {
			continue
		}
		cur, err := GetString(s, key, "")
		if err != nil {
			return seeded, err
		}
		if cur != "" {
			continue
		}
		if err := s.Put(key, val); err != nil {
			return seeded, err
		}
		seeded = append(seeded, key)
	}
	sort.Strings(seeded)
	return seeded, nil
}
