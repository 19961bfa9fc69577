package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/marina"
	"pkt.systems/marina/httpapi"
	"pkt.systems/marina/internal/appconfig"
	"pkt.systems/marina/internal/auth"
	"pkt.systems/marina/schema"
)

func withTestAPI(t *testing.T) (*auth.Store, string) {
	t.Helper()
	users, err := auth.NewStore(filepath.Join(t.TempDir(), "users.json"), 0)
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	ts := httptest.NewTLSServer(httpapi.NewServer(httpapi.Config{}, users).Handler())
	t.Cleanup(ts.Close)

	old := appFactory
	appFactory = func(cmd *cobra.Command, cfg appconfig.Config) (*marina.App, error) {
		return marina.NewApp(cmd.Context(), cfg,
			marina.WithTransport(ts.Client().Transport),
			marina.WithAppearanceDetect(func() schema.Appearance { return schema.AppearanceLight }),
		)
	}
	t.Cleanup(func() { appFactory = old })

	cfgPath := writeTestConfig(t, func(cfg *appconfig.Config) {
		cfg.API.BaseURL = ts.URL
		cfg.Bridge.Insecure = false
	})
	return users, cfgPath
}

func runClient(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(out)
	root.SetErr(&bytes.Buffer{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestLoginStatusRegisterLogout(t *testing.T) {
	users, cfgPath := withTestAPI(t)

	out, err := runClient(t, "", "-c", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "phase: logged_out") {
		t.Fatalf("expected logged out status, got %q", out)
	}

	if _, _, err := users.EnsureUser("crew@marina.test"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	code, err := users.IssueCode("crew@marina.test", time.Now())
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	out, err = runClient(t, code+"\n", "-c", cfgPath, "login", "crew@marina.test")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "phase: authenticated") || !strings.Contains(out, "registration: incomplete") {
		t.Fatalf("unexpected login output %q", out)
	}

	out, err = runClient(t, "", "-c", cfgPath, "status")
	if err != nil {
		t.Fatalf("status after login: %v", err)
	}
	if !strings.Contains(out, "user: crew@marina.test") {
		t.Fatalf("expected restored session, got %q", out)
	}

	if _, err := runClient(t, "", "-c", cfgPath, "register", "--name", "Crew"); err == nil {
		t.Fatalf("expected register without phone to fail")
	}
	out, err = runClient(t, "", "-c", cfgPath, "register", "--name", "Crew Member", "--phone", "+46 70 000 00 00")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.Contains(out, "name: Crew Member") || strings.Contains(out, "registration: incomplete") {
		t.Fatalf("unexpected register output %q", out)
	}

	out, err = runClient(t, "", "-c", cfgPath, "logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.Contains(out, "phase: logged_out") {
		t.Fatalf("unexpected logout output %q", out)
	}
	out, err = runClient(t, "", "-c", cfgPath, "status")
	if err != nil {
		t.Fatalf("status after logout: %v", err)
	}
	if !strings.Contains(out, "phase: logged_out") {
		t.Fatalf("expected logged out after logout, got %q", out)
	}
}

func TestLoginWithCodeFlagRejectsWrongCode(t *testing.T) {
	users, cfgPath := withTestAPI(t)
	if _, _, err := users.EnsureUser("crew@marina.test"); err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	code, err := users.IssueCode("crew@marina.test", time.Now())
	if err != nil {
		t.Fatalf("issue code: %v", err)
	}
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if _, err := runClient(t, "", "-c", cfgPath, "login", "crew@marina.test", "--code", wrong); err == nil {
		t.Fatalf("expected wrong code to fail")
	}
}

func TestPromptLine(t *testing.T) {
	got, err := promptLine(strings.NewReader(" 123 456 \n"), &bytes.Buffer{}, "Code: ")
	if err != nil || got != "123 456" {
		t.Fatalf("unexpected prompt result %q err %v", got, err)
	}
	if _, err := promptLine(strings.NewReader("\n"), &bytes.Buffer{}, "Code: "); err == nil {
		t.Fatalf("expected empty input to fail")
	}
}
