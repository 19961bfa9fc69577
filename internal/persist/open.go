package persist

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Store is a closable key/value session store.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	Dir        string
	SQLitePath string
	Encrypt    bool
	KeyStore   string
	Logger     pslog.Logger
}

// Open constructs the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "persist")
	}
	var (
		store Store
		err   error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		store, err = NewFileStoreWithLogger(opts.Dir, logger)
	case BackendSQLite:
		path := opts.SQLitePath
		if strings.TrimSpace(path) == "" && strings.TrimSpace(opts.Dir) != "" {
			path = filepath.Join(opts.Dir, "session.db")
		}
		store, err = NewSQLiteStoreWithLogger(ctx, path, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if !opts.Encrypt {
		return store, nil
	}
	keyStore := opts.KeyStore
	if strings.TrimSpace(keyStore) == "" && strings.TrimSpace(opts.Dir) != "" {
		keyStore = filepath.Join(opts.Dir, "keys.bundle")
	}
	enc, err := NewEncryptedWithLogger(store, keyStore, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return enc, nil
}
