package marina

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/marina/httpapi"
	"pkt.systems/marina/internal/auth"
	"pkt.systems/pslog"
)

// Server runs the development marina API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the development API server.
type ServerConfig struct {
	HTTP       httpapi.Config
	UserFile   string
	CodePeriod time.Duration
}

// NewServer constructs the development API server and its user store.
func NewServer(cfg ServerConfig, logger pslog.Logger) (Server, error) {
	users, err := auth.NewStoreWithLogger(cfg.UserFile, cfg.CodePeriod, logger)
	if err != nil {
		return nil, err
	}
	httpSrv := httpapi.NewServer(cfg.HTTP, users)
	return &apiServer{
		cfg:     cfg,
		httpSrv: httpSrv,
		serve:   httpSrv.ListenAndServe,
	}, nil
}

type apiServer struct {
	cfg     ServerConfig
	httpSrv *httpapi.Server
	serve   func(ctx context.Context, addr string) error
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	done    chan struct{}
	started bool
}

func (s *apiServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info("server start", "http_addr", s.cfg.HTTP.Addr, "user_file", s.cfg.UserFile, "code_period", s.cfg.CodePeriod.String())
	go func() {
		defer close(s.done)
		if err := s.serve(s.ctx, s.cfg.HTTP.Addr); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *apiServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *apiServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
