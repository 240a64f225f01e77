package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/tenancy/config"
	"github.com/GoCodeAlone/tenancy/setup"
)

func TestEnvOrFlag(t *testing.T) {
	t.Run("returns env when set", func(t *testing.T) {
		t.Setenv("TENANCY_TEST_ENV_OR_FLAG", "from-env")
		flagVal := "from-flag"
		if got := envOrFlag("TENANCY_TEST_ENV_OR_FLAG", &flagVal); got != "from-env" {
			t.Errorf("envOrFlag = %q, want from-env", got)
		}
	})

	t.Run("returns flag when env not set", func(t *testing.T) {
		flagVal := "from-flag"
		if got := envOrFlag("TENANCY_UNSET_ENV_XYZ", &flagVal); got != "from-flag" {
			t.Errorf("envOrFlag = %q, want from-flag", got)
		}
	})

	t.Run("returns empty when both unset", func(t *testing.T) {
		if got := envOrFlag("TENANCY_UNSET_ENV_XYZ", nil); got != "" {
			t.Errorf("envOrFlag = %q, want empty", got)
		}
	})
}

func newStack(t *testing.T) *setup.Stack {
	t.Helper()
	cfg := config.Default()
	cfg.Tenancy.NamespaceDir = filepath.Join(t.TempDir(), "ns")
	cfg.Audit.Sink = "none"
	cfg.Server.AdminToken = "tok"
	cfg.Identity.TokenSecret = "secret"
	s, err := setup.Build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestHandlerServesAPIAndMetrics(t *testing.T) {
	h, closeRouter := newHandler(newStack(t))
	defer closeRouter()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/v1/tenants/ghost/quota/check", strings.NewReader(`{"key":"max_units","used":0,"needed":1}`))
	req.Header.Set("Authorization", "Bearer tok")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("quota check on unknown tenant status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics endpoint missing runtime collectors")
	}
}

func TestPurgeLoopStopsWhenUnsupported(t *testing.T) {
	s := newStack(t)
	done := make(chan struct{})
	go func() {
		purgeLoop(context.Background(), s.Admin, 30, time.Hour, s.Logger)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("purge loop kept running without a purge-capable sink")
	}
}
