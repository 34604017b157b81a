package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var ErrInvalidKey = errors.New("invalid storage key")

// Storage is a string key/value slot store, shaped like browser local storage.
type Storage interface {
	// GetItem returns false when the key holds nothing.
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*DirStorage)(nil)
)

type MemoryStorage struct {
	items map[string]string
	mutex sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(key string) (string, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *MemoryStorage) SetItem(key, value string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.items[key] = value
	return nil
}

func (m *MemoryStorage) RemoveItem(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.items, key)
	return nil
}

// DirStorage keeps every key in its own file under Dir. Writes replace the file atomically, so a
// crash mid-write leaves the previous value in place.
type DirStorage struct {
	Dir string
}

func NewDirStorage(dir string) (*DirStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating snapshot dir %s", dir)
	}
	return &DirStorage{Dir: dir}, nil
}

func (d *DirStorage) path(key string) (string, error) {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return "", errors.Wrap(ErrInvalidKey, key)
	}
	return filepath.Join(d.Dir, key+".json"), nil
}

func (d *DirStorage) GetItem(key string) (string, bool, error) {
	p, err := d.path(key)
	if err != nil {
		return "", false, err
	}
	b, err := os.ReadFile(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "", false, nil
	case err != nil:
		return "", false, errors.Wrapf(err, "reading %s", p)
	}
	return string(b), true, nil
}

func (d *DirStorage) SetItem(key, value string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.Dir, key+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer os.Remove(tmp.Name()) // no-op once renamed

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", tmp.Name())
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return errors.Wrapf(err, "replacing %s", p)
	}
	return nil
}

func (d *DirStorage) RemoveItem(key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "removing %s", p)
	}
	return nil
}
