package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"pkt.systems/marina/schema"
)

func TestReconcileWithoutPersistedSessionLogsOut(t *testing.T) {
	f := newFixture(t, Config{}, newFakeBridge())
	f.fetcher.set(fetchOK(schema.Profile{ID: 1}))

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseLoggedOut || snap.Status != schema.StatusSuccess {
		t.Fatalf("expected logged_out/success, got %s/%s", snap.Phase, snap.Status)
	}
	if !snap.Record.IsLoggedOut() {
		t.Fatalf("expected logged-out record, got %+v", snap.Record)
	}
	if n := f.fetcher.count(); n != 0 {
		t.Fatalf("fetcher must not be invoked without a persisted session, got %d calls", n)
	}
	if f.bridge.upserts != 0 {
		t.Fatalf("expected no credential sync, got %d upserts", f.bridge.upserts)
	}
}

func TestReconcileFetchSuccessPersistsRecord(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 7, Name: "A. User"}))

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseAuthenticated || snap.Status != schema.StatusSuccess {
		t.Fatalf("expected authenticated/success, got %s/%s", snap.Phase, snap.Status)
	}
	want := schema.Record{Profile: &schema.Profile{ID: 7, Name: "A. User"}, Authenticated: true}
	if diff := cmp.Diff(want, snap.Record); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	raw, ok := f.store.get(KeyData)
	if !ok {
		t.Fatalf("expected persisted data")
	}
	persisted, err := schema.DecodeRecord([]byte(raw))
	if err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if diff := cmp.Diff(want, persisted); diff != "" {
		t.Fatalf("persisted mismatch (-want +got):\n%s", diff)
	}
	if _, ok := f.store.get(KeyCookie); ok {
		t.Fatalf("did not expect cookie key without a bridge")
	}
}

func TestReconcileFetchFailureTearsDown(t *testing.T) {
	bridge := newFakeBridge()
	f := newFixture(t, Config{}, bridge)
	f.store.put(KeyData, `{"profile": {"id": 7, "name": "A. User"}, "authenticated": true}`)
	f.store.put(KeyCookie, `{"sid": {"value": "abc"}}`)
	f.fetcher.set(fetchErr(errNetwork))

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseFailed || snap.Status != schema.StatusError {
		t.Fatalf("expected failed/error, got %s/%s", snap.Phase, snap.Status)
	}
	if !snap.Record.IsLoggedOut() {
		t.Fatalf("expected logged-out record, got %+v", snap.Record)
	}
	if _, ok := f.store.get(KeyData); ok {
		t.Fatalf("expected data key to be removed")
	}
	if _, ok := f.store.get(KeyCookie); ok {
		t.Fatalf("expected cookie key to be removed")
	}
	if creds := bridge.snapshot(); len(creds) != 0 {
		t.Fatalf("expected bridge credentials cleared, got %+v", creds)
	}
	if bridge.clears == 0 {
		t.Fatalf("expected bridge clear")
	}
	if !strings.Contains(snap.Err, "connection refused") {
		t.Fatalf("expected fetch error in snapshot, got %q", snap.Err)
	}
}

func TestReconcileCorruptRecordKeepsSession(t *testing.T) {
	f := newFixture(t, Config{}, newFakeBridge())
	f.store.put(KeyData, `{"profile":`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 1}))

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseFailed || snap.Status != schema.StatusError {
		t.Fatalf("expected failed/error, got %s/%s", snap.Phase, snap.Status)
	}
	if f.fetcher.count() != 0 {
		t.Fatalf("fetcher must not run after a storage read failure")
	}
	if _, ok := f.store.get(KeyData); !ok {
		t.Fatalf("storage read failure must not delete the blob")
	}
}

func TestReconcileStorageReadErrorKeepsRecord(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 4, Name: "Crew"}))
	if snap := f.reconcile(t); snap.Phase != schema.PhaseAuthenticated {
		t.Fatalf("expected authenticated, got %s", snap.Phase)
	}

	f.store.failLoad(KeyData, errors.New("disk I/O error"))
	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseFailed {
		t.Fatalf("expected failed, got %s", snap.Phase)
	}
	want := schema.AuthenticatedRecord(schema.Profile{ID: 4, Name: "Crew"})
	if diff := cmp.Diff(want, snap.Record); diff != "" {
		t.Fatalf("record must be unchanged (-want +got):\n%s", diff)
	}
	if !strings.Contains(snap.Err, schema.ErrStorageRead.Error()) {
		t.Fatalf("expected storage read error, got %q", snap.Err)
	}
}

func TestReconcileSyncsPersistedCookies(t *testing.T) {
	bridge := newFakeBridge()
	f := newFixture(t, Config{}, bridge)
	f.store.put(KeyData, `{"profile": {"id": 2}, "authenticated": true}`)
	f.store.put(KeyCookie, `{"sid": {"value": "abc"}, "csrftoken": {"value": "xyz"}}`)
	f.fetcher.set(func(context.Context, int) (schema.Profile, error) {
		if len(bridge.snapshot()) != 2 {
			return schema.Profile{}, errors.New("credentials not synced before fetch")
		}
		return schema.Profile{ID: 2}, nil
	})

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseAuthenticated {
		t.Fatalf("expected authenticated, got %s (%s)", snap.Phase, snap.Err)
	}
	got := bridge.snapshot()
	want := map[string]schema.Credential{
		"sid":       {Name: "sid", Value: "abc", Path: "/", Secure: true, HTTPOnly: false},
		"csrftoken": {Name: "csrftoken", Value: "xyz", Path: "/", Secure: true, HTTPOnly: false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("bridge mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileCredentialSyncIsIdempotent(t *testing.T) {
	bridge := newFakeBridge()
	f := newFixture(t, Config{}, bridge)
	f.store.put(KeyData, `{"profile": {"id": 2}, "authenticated": true}`)
	f.store.put(KeyCookie, `{"sid": {"value": "abc"}}`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 2}))

	f.reconcile(t)
	first := bridge.snapshot()
	f.reconcile(t)
	second := bridge.snapshot()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("credential set changed on re-sync (-first +second):\n%s", diff)
	}
}

func TestReconcileCredentialSyncFailureTearsDown(t *testing.T) {
	bridge := newFakeBridge()
	bridge.upsertErr = errors.New("cookie store unavailable")
	f := newFixture(t, Config{}, bridge)
	f.store.put(KeyData, `{"profile": {"id": 2}, "authenticated": true}`)
	f.store.put(KeyCookie, `{"sid": {"value": "abc"}}`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 2}))

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseFailed {
		t.Fatalf("expected failed, got %s", snap.Phase)
	}
	if f.fetcher.count() != 0 {
		t.Fatalf("fetcher must not run after a credential sync failure")
	}
	if _, ok := f.store.get(KeyData); ok {
		t.Fatalf("expected data key removed after credential sync failure")
	}
	if !strings.Contains(snap.Err, schema.ErrCredentialSync.Error()) {
		t.Fatalf("expected credential sync error, got %q", snap.Err)
	}
}

func TestReconcileAuthorizeHookRejects(t *testing.T) {
	f := newFixture(t, Config{Authorize: func(p schema.Profile) bool { return p.ID != 13 }}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 13}))

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseFailed {
		t.Fatalf("expected failed, got %s", snap.Phase)
	}
	if !strings.Contains(snap.Err, schema.ErrNotPermitted.Error()) {
		t.Fatalf("expected not permitted error, got %q", snap.Err)
	}
}

func TestReconcileFetchTimeoutFails(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	f := newFixture(t, Config{FetchTimeout: 50 * time.Millisecond}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	f.fetcher.set(func(context.Context, int) (schema.Profile, error) {
		<-release
		return schema.Profile{ID: 1}, nil
	})

	snap := f.reconcile(t)
	if snap.Phase != schema.PhaseFailed || snap.Status != schema.StatusError {
		t.Fatalf("expected failed/error, got %s/%s", snap.Phase, snap.Status)
	}
	if !strings.Contains(snap.Err, schema.ErrFetchTimeout.Error()) {
		t.Fatalf("expected timeout error, got %q", snap.Err)
	}
	if _, ok := f.store.get(KeyData); ok {
		t.Fatalf("expected data key removed after timeout")
	}
}

func TestRetryReachesEveryTerminal(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	f.fetcher.set(fetchErr(errNetwork))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	failed := waitForSnapshot(t, f.r, func(s schema.Snapshot) bool { return s.Phase == schema.PhaseFailed })

	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	f.fetcher.set(fetchOK(schema.Profile{ID: 9, Name: "Harbor Master"}))
	f.r.Retry()
	authed := waitForSnapshot(t, f.r, func(s schema.Snapshot) bool {
		return s.Attempt > failed.Attempt && s.Phase.Terminal()
	})
	if authed.Phase != schema.PhaseAuthenticated {
		t.Fatalf("expected authenticated after retry, got %s (%s)", authed.Phase, authed.Err)
	}

	f.store.Delete(context.Background(), KeyData)
	f.r.Retry()
	out := waitForSnapshot(t, f.r, func(s schema.Snapshot) bool {
		return s.Attempt > authed.Attempt && s.Phase.Terminal()
	})
	if out.Phase != schema.PhaseLoggedOut || out.Status != schema.StatusSuccess {
		t.Fatalf("expected logged_out/success after retry, got %s/%s", out.Phase, out.Status)
	}
}

func TestRetryIsUnbounded(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.fetcher.set(fetchErr(errNetwork))
	for i := 0; i < 25; i++ {
		f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
		snap := f.reconcile(t)
		if snap.Phase != schema.PhaseFailed {
			t.Fatalf("attempt %d: expected failed, got %s", i, snap.Phase)
		}
	}
	if got := f.r.Latest(); got != 25 {
		t.Fatalf("expected 25 attempts, got %d", got)
	}
}

func TestOverlappingAttemptsOnlyLatestCommits(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	started := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.set(func(_ context.Context, call int) (schema.Profile, error) {
		if call == 1 {
			close(started)
			<-release
			return schema.Profile{ID: 1, Name: "stale"}, nil
		}
		return schema.Profile{ID: 2, Name: "fresh"}, nil
	})

	ctx := context.Background()
	first := f.r.Start(ctx)
	<-started
	second := f.r.Start(ctx)
	if second <= first {
		t.Fatalf("expected increasing attempt ids, got %d then %d", first, second)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := f.r.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	close(release)

	if snap.Attempt != second || snap.Phase != schema.PhaseAuthenticated {
		t.Fatalf("expected attempt %d authenticated, got %d %s", second, snap.Attempt, snap.Phase)
	}
	if snap.Record.Profile.Name != "fresh" {
		t.Fatalf("expected fresh profile, got %+v", snap.Record.Profile)
	}
	f.r.Close()

	terminals := f.pub.terminals()
	if len(terminals) != 1 || terminals[0].Attempt != second {
		t.Fatalf("expected a single terminal write from attempt %d, got %+v", second, terminals)
	}
	raw, _ := f.store.get(KeyData)
	persisted, err := schema.DecodeRecord([]byte(raw))
	if err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if persisted.Profile == nil || persisted.Profile.Name != "fresh" {
		t.Fatalf("stale attempt overwrote persisted record: %+v", persisted)
	}
}

func TestStartCoalescesPendingAttempts(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.store.put(KeyData, `{"profile": null, "authenticated": false}`)
	started := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.set(func(ctx context.Context, call int) (schema.Profile, error) {
		if call == 1 {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return schema.Profile{}, ctx.Err()
		}
		return schema.Profile{ID: int64(call)}, nil
	})

	ctx := context.Background()
	f.r.Start(ctx)
	<-started
	// Hold commits so the first attempt cannot exit while later ones queue.
	f.r.commitMu.Lock()
	f.r.Start(ctx)
	f.r.Start(ctx)
	last := f.r.Start(ctx)
	f.r.commitMu.Unlock()
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	snap, err := f.r.Wait(waitCtx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.Attempt != last {
		t.Fatalf("expected attempt %d, got %d", last, snap.Attempt)
	}
	if calls := f.fetcher.count(); calls != 2 {
		t.Fatalf("expected pending attempts to coalesce into one fetch, got %d calls", calls)
	}
}

func TestSignInPersistsAndValidates(t *testing.T) {
	bridge := newFakeBridge()
	f := newFixture(t, Config{}, bridge)
	profile := schema.Profile{ID: 5, Email: "crew@marina.test"}
	f.fetcher.set(fetchOK(profile))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := f.r.SignIn(ctx, schema.AuthenticatedRecord(profile), schema.CookieMap{"sid": {Value: "token"}})
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if snap.Phase != schema.PhaseAuthenticated {
		t.Fatalf("expected authenticated, got %s (%s)", snap.Phase, snap.Err)
	}
	if _, ok := f.store.get(KeyCookie); !ok {
		t.Fatalf("expected cookie key persisted")
	}
	if bridge.snapshot()["sid"].Value != "token" {
		t.Fatalf("expected sid synchronized into bridge")
	}
}

func TestSignOutSupersedesInFlightAttempt(t *testing.T) {
	bridge := newFakeBridge()
	f := newFixture(t, Config{}, bridge)
	f.store.put(KeyData, `{"profile": {"id": 3}, "authenticated": true}`)
	f.store.put(KeyCookie, `{"sid": {"value": "abc"}}`)
	started := make(chan struct{})
	release := make(chan struct{})
	f.fetcher.set(func(context.Context, int) (schema.Profile, error) {
		close(started)
		<-release
		return schema.Profile{ID: 3}, nil
	})

	f.r.Start(context.Background())
	<-started
	snap, err := f.r.SignOut(context.Background())
	if err != nil {
		t.Fatalf("sign out: %v", err)
	}
	close(release)
	f.r.Close()

	if snap.Phase != schema.PhaseLoggedOut || !snap.Record.IsLoggedOut() {
		t.Fatalf("expected logged out, got %+v", snap)
	}
	if got := f.r.Snapshot(); got.Phase != schema.PhaseLoggedOut {
		t.Fatalf("in-flight attempt overwrote sign-out: %+v", got)
	}
	if _, ok := f.store.get(KeyData); ok {
		t.Fatalf("expected data key removed")
	}
	if len(bridge.snapshot()) != 0 {
		t.Fatalf("expected bridge cleared")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{Fetcher: &fakeFetcher{}}); err == nil {
		t.Fatalf("expected error without store")
	}
	if _, err := New(Config{}, Deps{Store: newMemStore()}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
	if _, err := New(Config{}, Deps{Store: newMemStore(), Fetcher: &fakeFetcher{}, Bridge: newFakeBridge()}); err == nil {
		t.Fatalf("expected error without base url when bridge is available")
	}
}

func TestRunStopsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	store.put(KeyData, `{"profile": null, "authenticated": false}`)
	r, err := New(Config{}, Deps{Store: store, Fetcher: &fakeFetcher{fn: fetchOK(schema.Profile{ID: 1})}})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	waitForSnapshot(t, r, func(s schema.Snapshot) bool { return s.Phase.Terminal() })
	r.Retry()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func blockingFetch(started chan<- struct{}) fetchFunc {
	return func(ctx context.Context, call int) (schema.Profile, error) {
		if call == 1 {
			close(started)
		}
		<-ctx.Done()
		return schema.Profile{}, ctx.Err()
	}
}

func waitStarted(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch did not start")
	}
}

func TestRunShutdownMidFetchKeepsSession(t *testing.T) {
	bridge := newFakeBridge()
	f := newFixture(t, Config{}, bridge)
	f.store.put(KeyData, `{"profile": {"id": 7}, "authenticated": true}`)
	f.store.put(KeyCookie, `{"sid": {"value": "abc"}}`)
	started := make(chan struct{})
	f.fetcher.set(blockingFetch(started))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.r.Run(ctx) }()
	waitStarted(t, started)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}

	if _, ok := f.store.get(KeyData); !ok {
		t.Fatalf("shutdown must not delete the data key")
	}
	if _, ok := f.store.get(KeyCookie); !ok {
		t.Fatalf("shutdown must not delete the cookie key")
	}
	if f.store.deletes != 0 {
		t.Fatalf("expected no store deletes, got %d", f.store.deletes)
	}
	if bridge.clears != 0 {
		t.Fatalf("expected bridge left alone, got %d clears", bridge.clears)
	}
	snap := f.r.Snapshot()
	if snap.Phase != schema.PhaseFailed || !strings.Contains(snap.Err, context.Canceled.Error()) {
		t.Fatalf("expected cancelled attempt, got %+v", snap)
	}
}

func TestCloseMidFetchKeepsSession(t *testing.T) {
	f := newFixture(t, Config{}, NoBridge{})
	f.store.put(KeyData, `{"profile": {"id": 7}, "authenticated": true}`)
	started := make(chan struct{})
	f.fetcher.set(blockingFetch(started))

	f.r.Start(context.Background())
	waitStarted(t, started)
	f.r.Close()

	if _, ok := f.store.get(KeyData); !ok {
		t.Fatalf("close must not delete the data key")
	}
	f.fetcher.set(fetchOK(schema.Profile{ID: 7}))
	if snap := f.reconcile(t); snap.Phase != schema.PhaseAuthenticated {
		t.Fatalf("expected the kept session to restore, got %+v", snap)
	}
}
