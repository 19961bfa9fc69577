package marina

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/marina/httpapi"
)

func newTestServer(t *testing.T, serve func(context.Context, string) error) *apiServer {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		HTTP:     httpapi.Config{Addr: "127.0.0.1:0"},
		UserFile: filepath.Join(t.TempDir(), "users.json"),
	}, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	api := srv.(*apiServer)
	api.serve = serve
	return api
}

func TestServerStopCancelsServe(t *testing.T) {
	served := make(chan struct{})
	server := newTestServer(t, func(ctx context.Context, addr string) error {
		if addr != "127.0.0.1:0" {
			return errors.New("unexpected addr " + addr)
		}
		close(served)
		<-ctx.Done()
		return nil
	})
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-served
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := server.Wait(); err != nil {
		t.Fatalf("Wait after stop: %v", err)
	}
}

func TestServerStartTwiceRejected(t *testing.T) {
	server := newTestServer(t, func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return nil
	})
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = server.Stop(context.Background()) }()
	if err := server.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestServerWaitReturnsServeError(t *testing.T) {
	boom := errors.New("address in use")
	server := newTestServer(t, func(context.Context, string) error {
		return boom
	})
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := server.Wait(); !errors.Is(err, boom) {
		t.Fatalf("expected serve error, got %v", err)
	}
}

func TestServerWaitBeforeStart(t *testing.T) {
	server := newTestServer(t, nil)
	if err := server.Wait(); err == nil {
		t.Fatalf("expected error before start")
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before start: %v", err)
	}
}
