package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/marina/schema"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	loadErr map[string]error
	saves   int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}, loadErr: map[string]error{}}
}

func (s *memStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErr[key]; err != nil {
		return nil, false, err
	}
	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *memStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.data, key)
	return nil
}

func (s *memStore) put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = []byte(value)
}

func (s *memStore) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return string(value), ok
}

func (s *memStore) failLoad(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr[key] = err
}

type fakeBridge struct {
	mu        sync.Mutex
	available bool
	creds     map[string]schema.Credential
	upsertErr error
	upserts   int
	clears    int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{available: true, creds: map[string]schema.Credential{}}
}

func (b *fakeBridge) Available() bool { return b.available }

func (b *fakeBridge) Upsert(_ context.Context, _ string, cred schema.Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upserts++
	if b.upsertErr != nil {
		return b.upsertErr
	}
	b.creds[cred.Name] = cred
	return nil
}

func (b *fakeBridge) Export(context.Context, string) (schema.CookieMap, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := schema.CookieMap{}
	for name, cred := range b.creds {
		out[name] = schema.CookieValue{Value: cred.Value}
	}
	return out, nil
}

func (b *fakeBridge) Clear(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clears++
	b.creds = map[string]schema.Credential{}
	return nil
}

func (b *fakeBridge) snapshot() map[string]schema.Credential {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]schema.Credential, len(b.creds))
	for k, v := range b.creds {
		out[k] = v
	}
	return out
}

type fetchFunc func(ctx context.Context, call int) (schema.Profile, error)

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    fetchFunc
}

func (f *fakeFetcher) FetchProfile(ctx context.Context) (schema.Profile, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, call)
}

func (f *fakeFetcher) set(fn fetchFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fetchOK(profile schema.Profile) fetchFunc {
	return func(context.Context, int) (schema.Profile, error) { return profile, nil }
}

func fetchErr(err error) fetchFunc {
	return func(context.Context, int) (schema.Profile, error) { return schema.Profile{}, err }
}

var errNetwork = errors.New("dial tcp: connection refused")

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []schema.Snapshot
}

func (p *recordingPublisher) PublishSession(snap schema.Snapshot) {
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	p.mu.Unlock()
}

func (p *recordingPublisher) terminals() []schema.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schema.Snapshot
	for _, snap := range p.snaps {
		if snap.Phase.Terminal() {
			out = append(out, snap)
		}
	}
	return out
}

type fixture struct {
	store   *memStore
	bridge  *fakeBridge
	fetcher *fakeFetcher
	pub     *recordingPublisher
	r       *Reconciler
}

func newFixture(t *testing.T, cfg Config, bridge CredentialBridge) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemStore(),
		fetcher: &fakeFetcher{fn: fetchErr(errNetwork)},
		pub:     &recordingPublisher{},
	}
	if fb, ok := bridge.(*fakeBridge); ok {
		f.bridge = fb
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.marina.test"
	}
	r, err := New(cfg, Deps{
		Store:     f.store,
		Bridge:    bridge,
		Fetcher:   f.fetcher,
		Publisher: f.pub,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	f.r = r
	t.Cleanup(r.Close)
	return f
}

func (f *fixture) reconcile(t *testing.T) schema.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := f.r.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return snap
}

func waitForSnapshot(t *testing.T, r *Reconciler, match func(schema.Snapshot) bool) schema.Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		changed := r.State().Changed()
		snap := r.Snapshot()
		if match(snap) {
			return snap
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot, last %+v", snap)
		}
	}
}
