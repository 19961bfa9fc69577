package session

import (
	"context"

	"pkt.systems/marina/schema"
)

// Persisted store keys.
const (
	KeyData   = "data"
	KeyCookie = "cookie"
)

// Store is the durable key/value store holding the persisted session.
type Store interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// CredentialBridge synchronizes credentials into the platform cookie store.
// Implementations without a native cookie store report Available() == false
// and treat every call as a no-op.
type CredentialBridge interface {
	Available() bool
	Upsert(ctx context.Context, baseURL string, cred schema.Credential) error
	Export(ctx context.Context, baseURL string) (schema.CookieMap, error)
	Clear(ctx context.Context, baseURL string) error
}

// ProfileFetcher performs the authenticated profile call.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context) (schema.Profile, error)
}

// Publisher receives every committed session snapshot.
type Publisher interface {
	PublishSession(schema.Snapshot)
}

// NoBridge is the bridge for platforms without a cookie store.
type NoBridge struct{}

// Available reports false.
func (NoBridge) Available() bool { return false }

// Upsert does nothing.
func (NoBridge) Upsert(context.Context, string, schema.Credential) error { return nil }

// Export returns no cookies.
func (NoBridge) Export(context.Context, string) (schema.CookieMap, error) { return nil, nil }

// Clear does nothing.
func (NoBridge) Clear(context.Context, string) error { return nil }
