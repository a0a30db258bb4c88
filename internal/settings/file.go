package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

// FileStore keeps settings in a TOML file, one table per namespace:
//
//	[eink-weather]
//	location = "Berlin, DE"
//	msft_token = "..."
//
// Every Get reads the file and every Put rewrites it atomically (temp file +
// rename, 0600), so nothing is held open between operations.
type FileStore struct {
	path      string
	namespace string

	// mu only serializes this process's read-modify-write in Put.
	mu sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on the
// first Put.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, namespace: Namespace}
}

func (f *FileStore) Path() string { return f.path }

func (f *FileStore) Get(key string) (string, error) {
	doc, err := f.load()
	if err != nil {
		return "", err
	}
	v, ok := doc[f.namespace][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileStore) Put(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	ns := doc[f.namespace]
	if ns == nil {
		ns = make(map[string]string)
		doc[f.namespace] = ns
	}
	ns[key] = value
	return f.save(doc)
}

func (f *FileStore) load() (map[string]map[string]string, error) {
	doc := make(map[string]map[string]string)

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return doc, nil
}

func (f *FileStore) save(doc map[string]map[string]string) error {
	if f.path == "" {
		return errors.New("settings path is empty")
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	// The refresh token must be on disk before the caller uses the new
	// access token.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, f.path)
}
