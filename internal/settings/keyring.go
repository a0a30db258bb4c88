package settings

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for OS keyring entries.
const KeyringService = "epdweather"

// KeyringStore routes secret keys (see SecretKeys) to the OS keyring and
// everything else to the wrapped store.
type KeyringStore struct {
	base    Store
	service string
}

func NewKeyringStore(base Store, service string) *KeyringStore {
	if service == "" {
		service = KeyringService
	}
	return &KeyringStore{base: base, service: service}
}

func (k *KeyringStore) Get(key string) (string, error) {
	if !IsSecret(key) {
		return k.base.Get(key)
	}
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		// Secrets written before the keyring was enabled still live in
		// the file.
		return k.base.Get(key)
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (k *KeyringStore) Put(key, value string) error {
	if !IsSecret(key) {
		return k.base.Put(key, value)
	}
	return keyring.Set(k.service, key, value)
}
