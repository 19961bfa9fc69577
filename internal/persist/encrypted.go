package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const descriptorPrefix = "marina:session:"

// Encrypted seals values with per-key data keys before handing them to the
// wrapped store.
type Encrypted struct {
	inner     Store
	storePath string
	log       pslog.Logger

	mu        sync.Mutex
	root      keymgmt.RootKey
	materials map[string]keymgmt.Material
}

// NewEncrypted wraps inner with encryption keyed from the key store at storePath.
func NewEncrypted(inner Store, storePath string) (*Encrypted, error) {
	return NewEncryptedWithLogger(inner, storePath, nil)
}

// NewEncryptedWithLogger wraps inner with encryption and logging.
func NewEncryptedWithLogger(inner Store, storePath string, logger pslog.Logger) (*Encrypted, error) {
	if inner == nil {
		return nil, errors.New("inner store is required")
	}
	if err := EnsureKeyStoreWithLogger(storePath, logger); err != nil {
		return nil, err
	}
	return &Encrypted{
		inner:     inner,
		storePath: storePath,
		log:       logger,
		materials: make(map[string]keymgmt.Material),
	}, nil
}

// Load decrypts the value stored under key.
func (e *Encrypted) Load(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, found, err := e.inner.Load(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}
	material, root, err := e.materialForKey(key)
	if err != nil {
		return nil, false, err
	}
	reader, err := kryptograf.New(root).DecryptReader(bytes.NewReader(sealed), material)
	if err != nil {
		if e.log != nil {
			e.log.Warn("state decrypt failed", "key", key, "err", err)
		}
		return nil, false, fmt.Errorf("decrypt %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		if e.log != nil {
			e.log.Warn("state decrypt failed", "key", key, "err", err)
		}
		return nil, false, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plain, true, nil
}

// Save encrypts value and stores it under key.
func (e *Encrypted) Save(ctx context.Context, key string, value []byte) error {
	material, root, err := e.materialForKey(key)
	if err != nil {
		return err
	}
	var sealed bytes.Buffer
	writer, err := kryptograf.New(root).EncryptWriter(&sealed, material)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	if _, err := writer.Write(value); err != nil {
		_ = writer.Close()
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	return e.inner.Save(ctx, key, sealed.Bytes())
}

// Delete removes key from the wrapped store.
func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}

// Close closes the wrapped store.
func (e *Encrypted) Close() error {
	return e.inner.Close()
}

func (e *Encrypted) materialForKey(key string) (keymgmt.Material, keymgmt.RootKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if material, ok := e.materials[key]; ok {
		return material, e.root, nil
	}
	store, err := keymgmt.LoadProto(e.storePath)
	if err != nil {
		if e.log != nil {
			e.log.Warn("state key material load failed", "key", key, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		if e.log != nil {
			e.log.Warn("state key material load failed", "key", key, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	descName := descriptorPrefix + key
	material, err := store.EnsureDescriptor(descName, root, []byte(descName))
	if err != nil {
		if e.log != nil {
			e.log.Warn("state key material ensure failed", "key", key, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	if err := store.Commit(); err != nil {
		if e.log != nil {
			e.log.Warn("state key material commit failed", "key", key, "err", err)
		}
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	e.root = root
	e.materials[key] = material
	return material, root, nil
}

// EnsureKeyStore creates or loads the key store at path and ensures a root key exists.
func EnsureKeyStore(path string) error {
	return EnsureKeyStoreWithLogger(path, nil)
}

// EnsureKeyStoreWithLogger creates or loads the key store with logging.
func EnsureKeyStoreWithLogger(path string, logger pslog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("key store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		if logger != nil {
			logger.Warn("state key store ensure failed", "err", err)
		}
		return err
	}
	store, err := keymgmt.LoadProto(path)
	if err != nil {
		if logger != nil {
			logger.Warn("state key store ensure failed", "err", err)
		}
		return err
	}
	if _, err := store.EnsureRootKey(); err != nil {
		if logger != nil {
			logger.Warn("state key store ensure failed", "err", err)
		}
		return err
	}
	if err := store.Commit(); err != nil {
		if logger != nil {
			logger.Warn("state key store ensure failed", "err", err)
		}
		return err
	}
	if logger != nil {
		logger.Debug("state key store ensure ok", "path", path)
	}
	return nil
}
