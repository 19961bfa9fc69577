package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/marina/internal/logx"
	"pkt.systems/marina/schema"
	"pkt.systems/pslog"
)

const (
	// DefaultFetchTimeout bounds the profile call.
	DefaultFetchTimeout = 15 * time.Second
	// DefaultStorageTimeout bounds each store and bridge call.
	DefaultStorageTimeout = 5 * time.Second
)

// Config controls reconciliation.
type Config struct {
	// BaseURL is the API origin credentials are synchronized against.
	BaseURL        string
	FetchTimeout   time.Duration
	StorageTimeout time.Duration
	// Authorize decides whether a fetched profile may hold a session.
	// nil permits every profile.
	Authorize func(schema.Profile) bool
}

// Deps are the collaborators a Reconciler drives.
type Deps struct {
	Store     Store
	Bridge    CredentialBridge
	Fetcher   ProfileFetcher
	Publisher Publisher
	Logger    pslog.Logger
}

// Reconciler runs session reconciliation attempts. At most one attempt runs
// at a time and only the most recently started attempt may commit.
type Reconciler struct {
	cfg     Config
	store   Store
	bridge  CredentialBridge
	fetcher ProfileFetcher
	log     pslog.Logger
	state   *State
	trigger *Trigger

	mu     sync.Mutex
	latest uint64
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	commitMu sync.Mutex
}

// New constructs a Reconciler.
func New(cfg Config, deps Deps) (*Reconciler, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("profile fetcher is required")
	}
	if deps.Bridge == nil {
		deps.Bridge = NoBridge{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = DefaultStorageTimeout
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if deps.Bridge.Available() && cfg.BaseURL == "" {
		return nil, errors.New("base url is required for credential sync")
	}
	state := NewState()
	state.setPublisher(deps.Publisher)
	return &Reconciler{
		cfg:     cfg,
		store:   deps.Store,
		bridge:  deps.Bridge,
		fetcher: deps.Fetcher,
		log:     logx.Or(deps.Logger).With("component", "session"),
		state:   state,
		trigger: NewTrigger(),
	}, nil
}

// State returns the shared session state.
func (r *Reconciler) State() *State {
	return r.state
}

// Snapshot returns the current session snapshot.
func (r *Reconciler) Snapshot() schema.Snapshot {
	return r.state.Snapshot()
}

// Latest returns the id of the most recently started attempt.
func (r *Reconciler) Latest() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest
}

// Retry requests a fresh attempt from Run.
func (r *Reconciler) Retry() {
	r.trigger.Flip()
}

// Run performs the mount attempt, then starts a new attempt on every retry
// edge until ctx is done. It returns after in-flight attempts exit.
func (r *Reconciler) Run(ctx context.Context) error {
	r.Start(ctx)
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return nil
		case <-r.trigger.C():
			r.log.Debug("session retry requested", "toggle", r.trigger.Value())
			r.Start(ctx)
		}
	}
}

// Reconcile starts an attempt and waits for the latest attempt to finish.
func (r *Reconciler) Reconcile(ctx context.Context) (schema.Snapshot, error) {
	r.Start(ctx)
	return r.Wait(ctx)
}

// Start begins a new attempt in the background and returns its id. The
// previous attempt is cancelled and runs to exit before the new one begins.
func (r *Reconciler) Start(ctx context.Context) uint64 {
	r.mu.Lock()
	r.latest++
	id := r.latest
	if r.cancel != nil {
		r.cancel()
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	prev := r.done
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		if !r.isLatest(id) {
			r.log.Trace("session attempt coalesced", "attempt", id)
			return
		}
		r.run(attemptCtx, id)
	}()
	return id
}

// Wait blocks until the latest attempt has reached a terminal phase.
func (r *Reconciler) Wait(ctx context.Context) (schema.Snapshot, error) {
	for {
		changed := r.state.Changed()
		snap := r.state.Snapshot()
		if snap.Attempt == r.Latest() && snap.Phase.Terminal() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Close cancels the in-flight attempt and waits for attempt goroutines to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// SignIn persists a freshly established session and validates it with a
// reconciliation attempt.
func (r *Reconciler) SignIn(ctx context.Context, record schema.Record, cookies schema.CookieMap) (schema.Snapshot, error) {
	id := r.supersede()
	log := logx.WithProfile(logx.WithAttempt(r.log, id), record.Profile)
	data, err := schema.EncodeRecord(record)
	if err != nil {
		return r.state.Snapshot(), err
	}
	var cookieData []byte
	if r.bridge.Available() && len(cookies) > 0 {
		cookieData, err = schema.EncodeCookies(cookies)
		if err != nil {
			return r.state.Snapshot(), err
		}
	}
	var saveErr error
	committed := r.commit(id, func() {
		wctx := context.WithoutCancel(ctx)
		if cookieData != nil {
			if err := r.save(wctx, KeyCookie, cookieData); err != nil {
				saveErr = err
				return
			}
		}
		saveErr = r.save(wctx, KeyData, data)
	})
	if !committed {
		return r.state.Snapshot(), schema.ErrSuperseded
	}
	if saveErr != nil {
		log.Warn("session sign-in persist failed", "err", saveErr)
		return r.state.Snapshot(), saveErr
	}
	log.Info("session sign-in persisted", "cookies", len(cookies))
	return r.Reconcile(ctx)
}

// SignOut supersedes any in-flight attempt and tears the session down.
func (r *Reconciler) SignOut(ctx context.Context) (schema.Snapshot, error) {
	id := r.supersede()
	log := logx.WithAttempt(r.log, id)
	var snap schema.Snapshot
	committed := r.commit(id, func() {
		r.teardown(context.WithoutCancel(ctx), log)
		snap = r.state.set(id, schema.PhaseLoggedOut, schema.LoggedOut(), nil)
	})
	if !committed {
		return r.state.Snapshot(), schema.ErrSuperseded
	}
	log.Info("session signed out")
	return snap, nil
}

func (r *Reconciler) run(ctx context.Context, id uint64) {
	log := logx.WithAttempt(r.log, id)
	start := time.Now()
	if !r.commit(id, func() { r.state.setLoading(id) }) {
		return
	}
	log.Debug("session attempt start")

	raw, found, err := r.load(ctx, KeyData)
	if err != nil {
		r.failKeep(id, log, fmt.Errorf("%w: %w", schema.ErrStorageRead, err))
		return
	}
	if !found {
		if r.commit(id, func() { r.state.set(id, schema.PhaseLoggedOut, schema.LoggedOut(), nil) }) {
			log.Info("session attempt logged out", "reason", "no persisted session", "duration_ms", time.Since(start).Milliseconds())
		}
		return
	}
	previous, err := schema.DecodeRecord(raw)
	if err != nil {
		r.failKeep(id, log, fmt.Errorf("%w: %w", schema.ErrStorageRead, err))
		return
	}
	logx.WithProfile(log, previous.Profile).Debug("session persisted record loaded", "authenticated", previous.Authenticated)

	if err := r.syncCredentials(ctx, log); err != nil {
		r.failRemote(ctx, id, log, err)
		return
	}

	profile, err := r.fetch(ctx)
	if err != nil {
		r.failRemote(ctx, id, log, err)
		return
	}
	// Entitlement checks belong here; the default policy permits any
	// successfully fetched profile.
	if r.cfg.Authorize != nil && !r.cfg.Authorize(profile) {
		r.failTeardown(ctx, id, log, schema.ErrNotPermitted)
		return
	}

	record := schema.AuthenticatedRecord(profile)
	committed := r.commit(id, func() {
		wctx := context.WithoutCancel(ctx)
		r.persistRecord(wctx, log, record)
		r.persistCookies(wctx, log)
		r.state.set(id, schema.PhaseAuthenticated, record, nil)
	})
	if committed {
		logx.WithProfile(log, record.Profile).Info("session attempt authenticated", "duration_ms", time.Since(start).Milliseconds())
	}
}

// syncCredentials upserts persisted cookies into the bridge.
func (r *Reconciler) syncCredentials(ctx context.Context, log pslog.Logger) error {
	if !r.bridge.Available() {
		return nil
	}
	raw, found, err := r.load(ctx, KeyCookie)
	if err != nil {
		return fmt.Errorf("%w: %w", schema.ErrCredentialSync, err)
	}
	if !found {
		log.Debug("session credential sync skipped", "reason", "no persisted cookies")
		return nil
	}
	cookies, err := schema.DecodeCookies(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", schema.ErrCredentialSync, err)
	}
	creds := cookies.Credentials()
	for _, cred := range creds {
		err := awaitErr(ctx, r.cfg.StorageTimeout, func(ctx context.Context) error {
			return r.bridge.Upsert(ctx, r.cfg.BaseURL, cred)
		})
		if err != nil {
			return fmt.Errorf("%w: %s: %w", schema.ErrCredentialSync, cred.Name, err)
		}
	}
	log.Debug("session credential sync ok", "cookies", len(creds))
	return nil
}

func (r *Reconciler) fetch(ctx context.Context) (schema.Profile, error) {
	profile, err := await(ctx, r.cfg.FetchTimeout, r.fetcher.FetchProfile)
	if err == nil {
		return profile, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return schema.Profile{}, fmt.Errorf("%w: %w after %s", schema.ErrProfileFetch, schema.ErrFetchTimeout, r.cfg.FetchTimeout)
	}
	return schema.Profile{}, fmt.Errorf("%w: %w", schema.ErrProfileFetch, err)
}

// failKeep ends the attempt in Failed without touching the session.
func (r *Reconciler) failKeep(id uint64, log pslog.Logger, cause error) {
	committed := r.commit(id, func() {
		r.state.set(id, schema.PhaseFailed, r.state.Record(), cause)
	})
	if committed {
		log.Warn("session attempt failed", "err", cause, "teardown", false)
	}
}

// failRemote ends an attempt whose credential sync or fetch failed. When the
// attempt's own context ended first, the failure says nothing about the
// session and it is kept for the next run.
func (r *Reconciler) failRemote(ctx context.Context, id uint64, log pslog.Logger, cause error) {
	if ctx.Err() != nil {
		r.failKeep(id, log, cause)
		return
	}
	r.failTeardown(ctx, id, log, cause)
}

// failTeardown ends the attempt in Failed and removes every trace of the session.
func (r *Reconciler) failTeardown(ctx context.Context, id uint64, log pslog.Logger, cause error) {
	committed := r.commit(id, func() {
		r.teardown(context.WithoutCancel(ctx), log)
		r.state.set(id, schema.PhaseFailed, schema.LoggedOut(), cause)
	})
	if committed {
		log.Warn("session attempt failed", "err", cause, "teardown", true)
	}
}

func (r *Reconciler) teardown(ctx context.Context, log pslog.Logger) {
	for _, key := range []string{KeyData, KeyCookie} {
		err := awaitErr(ctx, r.cfg.StorageTimeout, func(ctx context.Context) error {
			return r.store.Delete(ctx, key)
		})
		if err != nil {
			log.Warn("session store delete failed", "key", key, "err", err)
		}
	}
	if !r.bridge.Available() {
		return
	}
	err := awaitErr(ctx, r.cfg.StorageTimeout, func(ctx context.Context) error {
		return r.bridge.Clear(ctx, r.cfg.BaseURL)
	})
	if err != nil {
		log.Warn("session credential clear failed", "err", err)
	}
}

func (r *Reconciler) persistRecord(ctx context.Context, log pslog.Logger, record schema.Record) {
	data, err := schema.EncodeRecord(record)
	if err == nil {
		err = r.save(ctx, KeyData, data)
	}
	if err != nil {
		log.Warn("session record persist failed", "err", err)
	}
}

// persistCookies writes back whatever the bridge now holds, so cookies the
// server rotated during the fetch survive a restart.
func (r *Reconciler) persistCookies(ctx context.Context, log pslog.Logger) {
	if !r.bridge.Available() {
		return
	}
	cookies, err := await(ctx, r.cfg.StorageTimeout, func(ctx context.Context) (schema.CookieMap, error) {
		return r.bridge.Export(ctx, r.cfg.BaseURL)
	})
	if err != nil {
		log.Warn("session credential export failed", "err", err)
		return
	}
	if len(cookies) == 0 {
		return
	}
	data, err := schema.EncodeCookies(cookies)
	if err == nil {
		err = r.save(ctx, KeyCookie, data)
	}
	if err != nil {
		log.Warn("session cookie persist failed", "err", err)
	}
}

func (r *Reconciler) load(ctx context.Context, key string) ([]byte, bool, error) {
	type loaded struct {
		data  []byte
		found bool
	}
	res, err := await(ctx, r.cfg.StorageTimeout, func(ctx context.Context) (loaded, error) {
		data, found, err := r.store.Load(ctx, key)
		return loaded{data: data, found: found}, err
	})
	return res.data, res.found, err
}

func (r *Reconciler) save(ctx context.Context, key string, data []byte) error {
	return awaitErr(ctx, r.cfg.StorageTimeout, func(ctx context.Context) error {
		return r.store.Save(ctx, key, data)
	})
}

// commit runs fn under the commit lock if id is still the latest attempt.
func (r *Reconciler) commit(id uint64, fn func()) bool {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if !r.isLatest(id) {
		r.log.Debug("session attempt superseded", "attempt", id)
		return false
	}
	fn()
	return true
}

func (r *Reconciler) isLatest(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id == r.latest
}

// supersede claims a new attempt id and cancels the in-flight attempt
// without starting a run.
func (r *Reconciler) supersede() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return r.latest
}
