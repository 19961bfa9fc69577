package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"pkt.systems/pslog"
)

const (
	readHeaderTimeout = 10 * time.Second
	drainTimeout      = 5 * time.Second
)

// ListenAndServe binds addr, or the configured address when addr is empty,
// and serves the API until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = s.cfg.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then gives in-flight
// requests up to drainTimeout to finish. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log := pslog.Ctx(ctx).With("addr", ln.Addr().String())
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          pslog.LogLoggerWithLevel(log, pslog.ErrorLevel),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	stop := make(chan struct{})
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
			defer cancel()
			if err := hs.Shutdown(drainCtx); err != nil {
				log.Warn("http drain incomplete", "err", err)
			}
		case <-stop:
		}
	}()

	log.Info("http serve start")
	err := hs.Serve(ln)
	close(stop)
	<-drained
	if errors.Is(err, http.ErrServerClosed) {
		log.Info("http serve stopped")
		return nil
	}
	return err
}
