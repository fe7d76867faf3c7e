package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"smartsend/internal/config"
	"smartsend/pkg/logx"
)

func TestHandlerServesHealthAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "smartsend_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := New(Config{}, logx.Nop(), WithGatherer(reg), WithHealth(func() map[string]any {
		return map[string]any{"batches": 2}
	}))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz body: %v", err)
	}
	if body["status"] != "ok" || body["batches"] != float64(2) {
		t.Fatalf("healthz body=%v", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "smartsend_test_total 3") {
		t.Fatalf("metrics missing counter:\n%s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof should be disabled, status=%d", rec.Code)
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	t.Parallel()

	h := New(Config{Token: "s3cret", Pprof: true}, logx.Nop(), WithGatherer(prometheus.NewRegistry())).Handler()
	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/healthz", "Bearer s3cret", http.StatusOK},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"pprof index", "/debug/pprof/?token=s3cret", "", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.target, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status=%d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestRunRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "0.0.0.0:0"}, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, ErrInsecureBind) {
		t.Fatalf("Run err=%v, want ErrInsecureBind", err)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()

	s := New(Config{Addr: "127.0.0.1:0"}, logx.Nop(), WithGatherer(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	c, err := FromConfig(config.OpsConfig{ReadTimeout: "5s", Pprof: true})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if c.ReadTimeout != 5*time.Second || c.IdleTimeout != time.Minute || c.WriteTimeout != 0 || !c.Pprof {
		t.Fatalf("config=%+v", c)
	}
	if _, err := FromConfig(config.OpsConfig{IdleTimeout: "later"}); err == nil {
		t.Fatalf("expected duration error")
	}
}
