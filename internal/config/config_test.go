package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"smartsend/internal/timing"
)

const sampleYAML = `
logging:
  level: debug
  console: true
dispatch:
  timing: 3s-8s
  send_timeout: 20s
  rate_per_minute: 12
transport:
  driver: http
  metrics: true
  http:
    url: https://gw.example/send
    token: secret
    headers:
      X-Tenant: acme
storage:
  driver: sqlite
  path: ./data/smartsend.db
ops:
  enabled: true
  pprof: true
retry:
  enabled: true
  max_attempts: 4
  base: 1s
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Transport.HTTP == nil || cfg.Transport.HTTP.Headers["X-Tenant"] != "acme" {
		t.Fatalf("http section not decoded: %+v", cfg.Transport)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage not decoded: %+v", cfg.Storage)
	}
	if cfg.Retry == nil || cfg.Retry.MaxAttempts != 4 {
		t.Fatalf("retry not decoded: %+v", cfg.Retry)
	}
	p, err := cfg.DefaultPolicy()
	if err != nil {
		t.Fatalf("DefaultPolicy: %v", err)
	}
	if p.Kind != timing.KindRandom || p.Min != 3*time.Second || p.Max != 8*time.Second {
		t.Fatalf("policy=%+v", p)
	}
	if lc := cfg.Logging.Logx(); lc.Level != "debug" || !lc.Console {
		t.Fatalf("logx config=%+v", lc)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name, file, body string
	}{
		{"unknown json field", "c.json", `{"logging":{"level":"info"},"bogus":1}`},
		{"unknown yaml field", "c.yaml", "dispatch:\n  timng: 5s\n"},
		{"trailing json", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "logging: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Logging:   LoggingConfig{Level: "loud", Format: "xml"},
		Dispatch:  DispatchConfig{Timing: "9s-2s", SendTimeout: "soon"},
		Transport: TransportConfig{Driver: "pigeon"},
		Storage:   &StorageConfig{Driver: "sqlite"},
		Ops:       OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"},
		Retry:     &RetryConfig{Enabled: true, Base: "2m", MaxDelay: "30s"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"logging.level", "logging.format", "retry.base", "dispatch.timing", "dispatch.send_timeout", "transport.driver", "storage.path", "ops.addr"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}

	cfg.Ops.Token = "t"
	cfg.Ops.Addr = "127.0.0.1:9090"
	if err := Validate(&Config{Ops: cfg.Ops}); err != nil {
		t.Fatalf("loopback ops with token should pass: %v", err)
	}
}

func TestDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 90s ", 90 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"45", 45 * time.Second, false},
		{"-1s", 0, true},
		{"-3", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := Duration("x.timeout", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("Duration(%q)=(%v,%v), want (%v, err=%v)", tt.raw, got, err, tt.want, tt.wantErr)
		}
		if err != nil && !strings.HasPrefix(err.Error(), "x.timeout:") {
			t.Fatalf("error lacks field path: %v", err)
		}
	}

	if d, err := DurationOr("x", "0", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("DurationOr zero=(%v,%v)", d, err)
	}
	if err := durationSpan("retry.base", "1s", "retry.max_delay", ""); err != nil {
		t.Fatalf("unset upper bound: %v", err)
	}
}

func TestValidateTransportSections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tc   TransportConfig
		ok   bool
	}{
		{"default log", TransportConfig{}, true},
		{"http without url", TransportConfig{Driver: "http"}, false},
		{"http", TransportConfig{Driver: "http", HTTP: &HTTPGatewayConfig{URL: "http://x"}}, true},
		{"telegram without token", TransportConfig{Driver: "telegram", Telegram: &TelegramConfig{}}, false},
		{"plivo", TransportConfig{Driver: "plivo", Plivo: &PlivoConfig{Source: "+1555"}}, true},
		{"plivo bad timeout", TransportConfig{Driver: "plivo", Plivo: &PlivoConfig{Source: "+1555", Timeout: "x"}}, false},
	}
	for _, tt := range tests {
		err := Validate(&Config{Transport: tt.tc})
		if (err == nil) != tt.ok {
			t.Fatalf("%s: err=%v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.2:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := IsLoopbackAddr(addr); got != want {
			t.Fatalf("IsLoopbackAddr(%q)=%v, want %v", addr, got, want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Dispatch: DispatchConfig{Timing: "5s"}}
	newCfg := &Config{
		Dispatch:  DispatchConfig{Timing: "10s"},
		Transport: TransportConfig{Driver: "http", HTTP: &HTTPGatewayConfig{URL: "http://x", Token: "secret"}},
	}
	changed, attrs, restart := SummarizeChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "dispatch,transport" {
		t.Fatalf("changed=%v", changed)
	}
	if strings.Join(restart, ",") != "transport" {
		t.Fatalf("restart=%v", restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs")
	}
	if c, _, _ := SummarizeChange(newCfg, newCfg); len(c) != 0 {
		t.Fatalf("identical configs reported changes: %v", c)
	}
}

func TestManagerWatchReloads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "smartsend.json")
	if err := os.WriteFile(path, []byte(`{"dispatch":{"timing":"5s"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid content is rejected and never published.
	if err := os.WriteFile(path, []byte(`{"dispatch":{"timing":"nope"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(500 * time.Millisecond)
	if m.Get().Dispatch.Timing != "5s" {
		t.Fatalf("invalid config committed: %+v", m.Get().Dispatch)
	}

	if err := os.WriteFile(path, []byte(`{"dispatch":{"timing":"7s"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-ch:
		if cfg.Dispatch.Timing != "7s" {
			t.Fatalf("published timing=%q", cfg.Dispatch.Timing)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
}
