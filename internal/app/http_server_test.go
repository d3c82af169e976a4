package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/fleetalloc/internal/health"
	"github.com/vladislavdragonenkov/fleetalloc/internal/version"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().String()
}

// waitForHTTP ждёт, пока сервер начнёт принимать соединения.
func waitForHTTP(t *testing.T, baseURL string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/livez")
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server at %s did not start", baseURL)
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(body)
}

func TestStartMetricsServer_HealthStates(t *testing.T) {
	failing := func() error { return errors.New("connection refused") }
	passing := func() error { return nil }

	tests := []struct {
		name        string
		storage     func() error
		outbox      func() error
		wantHealth  int
		wantStatus  healthcheck.Status
		wantReady   int
		wantReadyIs string
	}{
		{name: "healthy", storage: passing, outbox: passing, wantHealth: http.StatusOK, wantStatus: healthcheck.StatusHealthy, wantReady: http.StatusOK, wantReadyIs: "ready"},
		{name: "outbox backlog degrades", storage: passing, outbox: failing, wantHealth: http.StatusOK, wantStatus: healthcheck.StatusDegraded, wantReady: http.StatusOK, wantReadyIs: "ready"},
		{name: "storage down", storage: failing, outbox: passing, wantHealth: http.StatusServiceUnavailable, wantStatus: healthcheck.StatusUnhealthy, wantReady: http.StatusServiceUnavailable, wantReadyIs: "not ready"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			handler := healthcheck.NewHandler(version.GetVersion())
			handler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", tc.storage))
			handler.RegisterOptional("outbox", healthcheck.NewSimpleChecker("outbox", tc.outbox))

			addr := freeAddr(t)
			srv := startMetricsServer(ctx, addr, log.WithField("test", tc.name), handler)
			if srv == nil {
				t.Fatal("startMetricsServer returned nil")
			}
			baseURL := "http://" + addr
			waitForHTTP(t, baseURL)

			code, body := get(t, baseURL+"/healthz")
			if code != tc.wantHealth {
				t.Fatalf("healthz: expected %d, got %d (%s)", tc.wantHealth, code, body)
			}
			var resp healthcheck.Response
			if err := json.Unmarshal([]byte(body), &resp); err != nil {
				t.Fatalf("decode healthz: %v", err)
			}
			if resp.Status != tc.wantStatus || len(resp.Checks) != 2 {
				t.Fatalf("unexpected health response: %+v", resp)
			}

			code, body = get(t, baseURL+"/readyz")
			if code != tc.wantReady || body != tc.wantReadyIs {
				t.Fatalf("readyz: got %d %q", code, body)
			}

			code, body = get(t, baseURL+"/livez")
			if code != http.StatusOK || body != "ok" {
				t.Fatalf("livez: got %d %q", code, body)
			}

			code, body = get(t, baseURL+"/metrics")
			if code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
				t.Fatalf("metrics: got %d", code)
			}
		})
	}
}

func TestStartMetricsServer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	addr := freeAddr(t)
	startMetricsServer(ctx, addr, log.WithField("test", "http-shutdown"), healthcheck.NewHandler(version.GetVersion()))
	baseURL := "http://" + addr
	waitForHTTP(t, baseURL)

	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/livez")
		if err != nil {
			return
		}
		resp.Body.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server should stop after context cancellation")
}

func TestStartMetricsServer_BusyAddr(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	// Ошибка ListenAndServe только логируется.
	srv := startMetricsServer(ctx, listener.Addr().String(), log.WithField("test", "http-busy"), healthcheck.NewHandler("test"))
	if srv == nil {
		t.Fatal("server must be returned even when the address is busy")
	}
}

func TestShutdownHTTP(t *testing.T) {
	logger := log.WithField("test", "http-shutdown-func")

	shutdownHTTP(nil, logger)

	addr := freeAddr(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	baseURL := fmt.Sprintf("http://%s", addr)
	waitForHTTP(t, baseURL)

	shutdownHTTP(srv, logger)

	if _, err := http.Get(baseURL + "/livez"); err == nil {
		t.Fatal("server should be stopped after shutdownHTTP")
	}
}
