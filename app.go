package marina

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/marina/internal/apiclient"
	"pkt.systems/marina/internal/appconfig"
	"pkt.systems/marina/internal/appearance"
	"pkt.systems/marina/internal/bridge"
	"pkt.systems/marina/internal/eventbus"
	"pkt.systems/marina/internal/persist"
	"pkt.systems/marina/schema"
	"pkt.systems/marina/session"
	"pkt.systems/pslog"
)

// App wires the persisted store, credential bridge, API client and session
// reconciler of one marina client installation.
type App struct {
	cfg        appconfig.Config
	store      persist.Store
	bridge     session.CredentialBridge
	client     *apiclient.Client
	bus        *eventbus.Bus
	reconciler *session.Reconciler
	appearance *appearance.Observer
	log        pslog.Logger
}

// AppOption adjusts App construction.
type AppOption func(*appOptions)

type appOptions struct {
	transport http.RoundTripper
	detect    func() schema.Appearance
	authorize func(schema.Profile) bool
	logger    pslog.Logger
}

// WithTransport sets the HTTP transport used for API calls.
func WithTransport(rt http.RoundTripper) AppOption {
	return func(o *appOptions) { o.transport = rt }
}

// WithAppearanceDetect overrides terminal background detection.
func WithAppearanceDetect(fn func() schema.Appearance) AppOption {
	return func(o *appOptions) { o.detect = fn }
}

// WithAuthorize installs an entitlement check run after each profile fetch.
func WithAuthorize(fn func(schema.Profile) bool) AppOption {
	return func(o *appOptions) { o.authorize = fn }
}

// WithLogger attaches a logger.
func WithLogger(logger pslog.Logger) AppOption {
	return func(o *appOptions) { o.logger = logger }
}

// NewApp constructs an App from configuration.
func NewApp(ctx context.Context, cfg appconfig.Config, opts ...AppOption) (*App, error) {
	var options appOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}

	store, err := persist.Open(ctx, persist.Options{
		Backend:    cfg.Store.Backend,
		Dir:        cfg.Store.Dir,
		SQLitePath: cfg.Store.SQLitePath,
		Encrypt:    cfg.Store.Encrypt,
		KeyStore:   cfg.Store.KeyStore,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	bridgeOpts := []bridge.Option{bridge.WithLogger(logger)}
	if cfg.Bridge.Insecure {
		bridgeOpts = append(bridgeOpts, bridge.WithInsecure())
	}
	credBridge, jar, err := bridge.Open(cfg.Bridge.Mode, bridgeOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fetchTimeout := time.Duration(cfg.API.FetchTimeoutSeconds) * time.Second
	client, err := apiclient.New(apiclient.Options{
		BaseURL:   cfg.API.BaseURL,
		DeviceID:  cfg.Device.ID,
		Jar:       jar,
		Transport: options.transport,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New(logger)
	reconciler, err := session.New(session.Config{
		BaseURL:        client.BaseURL(),
		FetchTimeout:   fetchTimeout,
		StorageTimeout: time.Duration(cfg.Session.StorageTimeoutSeconds) * time.Second,
		Authorize:      options.authorize,
	}, session.Deps{
		Store:     store,
		Bridge:    credBridge,
		Fetcher:   client,
		Publisher: bus,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	observer := appearance.New(appearance.Options{
		Path:      cfg.Appearance.File,
		Publisher: bus,
		Detect:    options.detect,
		Logger:    logger,
	})

	logger.Debug("app init ok", "backend", cfg.Store.Backend, "bridge", cfg.Bridge.Mode, "api", client.BaseURL(), "device_id", client.DeviceID())
	return &App{
		cfg:        cfg,
		store:      store,
		bridge:     credBridge,
		client:     client,
		bus:        bus,
		reconciler: reconciler,
		appearance: observer,
		log:        logger,
	}, nil
}

// Bus returns the event bus carrying session and appearance events.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Reconciler returns the session reconciler.
func (a *App) Reconciler() *session.Reconciler { return a.reconciler }

// Appearance returns the appearance observer.
func (a *App) Appearance() *appearance.Observer { return a.appearance }

// Status runs one reconciliation attempt and returns its outcome.
func (a *App) Status(ctx context.Context) (schema.Snapshot, error) {
	return a.reconciler.Reconcile(ctx)
}

// RequestCode asks the API to issue a one-time code for email.
func (a *App) RequestCode(ctx context.Context, email string) error {
	normalized, err := schema.NormalizeEmail(email)
	if err != nil {
		return err
	}
	if err := a.client.RequestOTP(ctx, normalized); err != nil {
		a.log.Warn("app otp request failed", "user", normalized, "err", err)
		return err
	}
	a.log.Info("app otp requested", "user", normalized)
	return nil
}

// Login exchanges a one-time code for a session and validates it.
func (a *App) Login(ctx context.Context, email, code string) (schema.Snapshot, error) {
	normalized, err := schema.NormalizeEmail(email)
	if err != nil {
		return a.reconciler.Snapshot(), err
	}
	profile, cookies, err := a.client.VerifyOTP(ctx, normalized, code)
	if err != nil {
		a.log.Warn("app login failed", "user", normalized, "err", err)
		if apiclient.IsUnauthorized(err) {
			return a.reconciler.Snapshot(), fmt.Errorf("%w: %w", schema.ErrInvalidCode, err)
		}
		return a.reconciler.Snapshot(), err
	}
	snap, err := a.reconciler.SignIn(ctx, schema.AuthenticatedRecord(profile), cookies)
	if err != nil {
		return snap, err
	}
	if snap.Phase != schema.PhaseAuthenticated {
		a.log.Warn("app login rejected", "user", normalized, "phase", snap.Phase, "err", snap.Err)
		return snap, fmt.Errorf("%w: %s", schema.ErrSignInRejected, snap.Err)
	}
	a.log.Info("app login ok", "user", normalized, "phase", snap.Phase)
	return snap, nil
}

// Logout ends the server session when reachable and always clears local state.
func (a *App) Logout(ctx context.Context) (schema.Snapshot, error) {
	if err := a.client.Logout(ctx); err != nil {
		a.log.Warn("app logout request failed", "err", err)
	}
	return a.reconciler.SignOut(ctx)
}

// Register fills in the registration fields of the signed-in profile.
func (a *App) Register(ctx context.Context, name, phone string) (schema.Snapshot, error) {
	record := a.reconciler.State().Record()
	if !record.Authenticated || record.Profile == nil {
		snap, err := a.reconciler.Reconcile(ctx)
		if err != nil {
			return snap, err
		}
		record = snap.Record
	}
	if !record.Authenticated || record.Profile == nil {
		return a.reconciler.Snapshot(), schema.ErrNoSession
	}
	profile := *record.Profile
	profile.Name = name
	profile.Phone = phone
	if !profile.Complete() {
		return a.reconciler.Snapshot(), errors.New("name and phone are required")
	}
	if _, err := a.client.UpdateProfile(ctx, profile); err != nil {
		a.log.Warn("app register failed", "err", err)
		return a.reconciler.Snapshot(), err
	}
	a.log.Info("app register ok", "user", profile.Email)
	return a.reconciler.Reconcile(ctx)
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	a.reconciler.Close()
	a.appearance.Stop()
	return a.store.Close()
}
