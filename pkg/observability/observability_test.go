package observability

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

type fakeTrigger struct {
	id    string
	err   error
	calls atomic.Int32
}

func (f *fakeTrigger) Save(ctx context.Context) (string, error) {
	f.calls.Add(1)
	return f.id, f.err
}

func decode(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out map[string]any
	if err := sonic.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return out
}

func TestHealthChecker_Status(t *testing.T) {
	tests := []struct {
		name   string
		checks []*HealthCheck
		want   HealthStatus
	}{
		{"no checks", nil, HealthStatusHealthy},
		{"all passing", []*HealthCheck{
			StorageCheck(func(context.Context) error { return nil }),
			SessionCheck(func() bool { return true }),
		}, HealthStatusHealthy},
		{"non-critical failure", []*HealthCheck{
			StorageCheck(func(context.Context) error { return nil }),
			SessionCheck(func() bool { return false }),
		}, HealthStatusDegraded},
		{"critical failure", []*HealthCheck{
			StorageCheck(func(context.Context) error { return errors.New("connection refused") }),
			SessionCheck(func() bool { return false }),
		}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			for _, c := range tt.checks {
				hc.RegisterCheck(c)
			}
			resp := hc.Check(context.Background())
			if resp.Status != tt.want {
				t.Errorf("Status = %s, want %s", resp.Status, tt.want)
			}
			if len(resp.Checks) != len(tt.checks) {
				t.Errorf("got %d check results, want %d", len(resp.Checks), len(tt.checks))
			}
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck(&HealthCheck{
		Name:     "slow",
		Timeout:  20 * time.Millisecond,
		Critical: true,
		CheckFunc: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	})

	resp := hc.Check(context.Background())
	if resp.Status != HealthStatusUnhealthy {
		t.Errorf("Status = %s, want unhealthy", resp.Status)
	}
	if msg := resp.Checks["slow"].Message; !strings.Contains(msg, "deadline") {
		t.Errorf("Message = %q, want deadline error", msg)
	}
}

func TestServer_Probes(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	hc := NewHealthChecker("test")
	hc.RegisterCheck(StorageCheck(func(context.Context) error {
		if !healthy.Load() {
			return errors.New("down")
		}
		return nil
	}))

	srv := NewServer(ServerConfig{}, hc, nil, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	healthy.Store(false)
	resp, err := http.Get(ts.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready = %d, want 503", resp.StatusCode)
	}
	if body := decode(t, resp.Body); body["status"] != "not ready" {
		t.Errorf("body = %v", body)
	}

	// Admin endpoint is absent without a trigger
	resp, err = http.Post(ts.URL+"/admin/checkpoint", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("admin = %d, want 404", resp.StatusCode)
	}
}

func TestServer_AdminCheckpoint(t *testing.T) {
	trigger := &fakeTrigger{id: "ep-1/42"}
	srv := NewServer(ServerConfig{AdminKeys: []string{"secret"}}, NewHealthChecker("test"), trigger, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	post := func(key string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/admin/checkpoint", nil)
		if err != nil {
			t.Fatal(err)
		}
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := post("")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key = %d, want 401", resp.StatusCode)
	}

	resp = post("wrong")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key = %d, want 401", resp.StatusCode)
	}
	if n := trigger.calls.Load(); n != 0 {
		t.Errorf("trigger called %d times before auth succeeded", n)
	}

	resp = post("secret")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid key = %d, want 200", resp.StatusCode)
	}
	body := decode(t, resp.Body)
	if body["checkpoint_id"] != trigger.id || body["success"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestServer_AdminCheckpointFailure(t *testing.T) {
	trigger := &fakeTrigger{err: errors.New("bucket unavailable")}
	srv := NewServer(ServerConfig{}, NewHealthChecker("test"), trigger, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/admin/checkpoint", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	if body := decode(t, resp.Body); body["error"] != "bucket unavailable" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, NewHealthChecker("test"), nil, zerolog.Nop())
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
