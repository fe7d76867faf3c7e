package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"smartsend/internal/config"
	"smartsend/internal/contact"
	"smartsend/internal/dispatch"
	"smartsend/internal/storage"
	"smartsend/internal/timing"
	"smartsend/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadCampaignResolvesCSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "contacts.csv", "name,phone,city\nAna Putri,+628001,Bandung\nNo Phone,,Medan\nBudi,+628002,Medan\n")
	path := writeFile(t, dir, "october.yaml", `
template: "{Hi|Hello} {first_name} from {city}, {promo}"
timing: 1s-2s
context:
  promo: 20% off
recipients:
  - name: Citra
    phone: "+628003"
csv: contacts.csv
`)

	c, err := LoadCampaign(path)
	if err != nil {
		t.Fatalf("LoadCampaign: %v", err)
	}
	if c.Name != "october" {
		t.Fatalf("name defaults to file base, got %q", c.Name)
	}
	rcpts, skipped, err := c.LoadRecipients()
	if err != nil {
		t.Fatalf("LoadRecipients: %v", err)
	}
	if len(rcpts) != 3 || skipped != 1 {
		t.Fatalf("recipients=%d skipped=%d", len(rcpts), skipped)
	}
	if rcpts[0].Name != "Citra" || rcpts[1].Attributes["city"] != "Bandung" {
		t.Fatalf("recipients=%+v", rcpts)
	}

	issues := c.Validate(rcpts)
	if issues.HasErrors() || len(issues) != 0 {
		t.Fatalf("csv column should be a known variable, got %+v", issues)
	}
	if w := c.Validate(nil).Warnings(); len(w) != 1 || w[0].Name != "city" {
		t.Fatalf("without recipients {city} is unknown, got %+v", w)
	}

	req, err := c.Request(timing.Fixed(time.Second))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.Policy.Kind != timing.KindRandom || req.Context["promo"] != "20% off" || len(req.Recipients) != 3 {
		t.Fatalf("request=%+v", req)
	}
}

func TestLoadCampaignRejectsIncomplete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"no template", "recipients: [{name: A, phone: '+1'}]\n"},
		{"no recipients", "template: hi\n"},
	}
	for _, tt := range tests {
		p := writeFile(t, dir, tt.name+".yaml", tt.body)
		if _, err := LoadCampaign(p); !errors.Is(err, ErrCampaignInvalid) {
			t.Fatalf("%s: err=%v", tt.name, err)
		}
	}
	p := writeFile(t, dir, "typo.yaml", "template: hi\nrecipient: []\n")
	if _, err := LoadCampaign(p); err == nil {
		t.Fatalf("unknown field should fail strict decode")
	}
}

func TestCampaignPolicyFallsBack(t *testing.T) {
	t.Parallel()

	def := timing.Fixed(3 * time.Second)
	c := &Campaign{}
	if p, err := c.Policy(def); err != nil || p != def {
		t.Fatalf("Policy=%+v err=%v", p, err)
	}
	c.Timing = "8s-2s"
	if _, err := c.Policy(def); err == nil {
		t.Fatalf("expected invalid range error")
	}
}

func TestMapConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Dispatch: config.DispatchConfig{SendTimeout: "20s", HistorySize: 10, RatePerMinute: 30},
		Storage:  &config.StorageConfig{Driver: "sqlite", Path: "x.db"},
		Retry:    &config.RetryConfig{Enabled: true, MaxAttempts: 2, Base: "1s"},
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil || dc.SendTimeout != 20*time.Second || dc.HistoryMax != 10 {
		t.Fatalf("dispatch=%+v err=%v", dc, err)
	}
	lim := mapLimiter(cfg)
	if lim == nil || lim.Limit() != 0.5 || lim.Burst() != 1 {
		t.Fatalf("limiter=%v", lim)
	}
	if mapLimiter(&config.Config{}) != nil {
		t.Fatalf("zero rate should be unlimited")
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage=%+v enabled=%v err=%v", sc, enabled, err)
	}
	if _, enabled, _ := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "off"}}); enabled {
		t.Fatalf("storage off should be disabled")
	}
	if _, _, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}}); err == nil {
		t.Fatalf("unknown storage driver should fail")
	}

	rc, enabled, err := mapRetryConfig(cfg)
	if err != nil || !enabled || rc.MaxAttempts != 2 || rc.Base != time.Second {
		t.Fatalf("retry=%+v enabled=%v err=%v", rc, enabled, err)
	}

	if loc := mapLocation(&config.Config{Dispatch: config.DispatchConfig{Timezone: "Asia/Jakarta"}}); loc.String() != "Asia/Jakarta" {
		t.Fatalf("location=%v", loc)
	}
}

func TestBuildTransport(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c, name, err := buildTransport(config.TransportConfig{Metrics: true, Tracing: true}, reg, logx.Nop())
	if err != nil || c == nil || name != "log" {
		t.Fatalf("log transport: name=%q err=%v", name, err)
	}
	if _, _, err := buildTransport(config.TransportConfig{Driver: "http", Metrics: true}, reg, logx.Nop()); err == nil {
		t.Fatalf("http without section should fail")
	}
	c, name, err = buildTransport(config.TransportConfig{
		Driver:  "http",
		Metrics: true,
		HTTP:    &config.HTTPGatewayConfig{URL: "http://127.0.0.1:1/send", Timeout: "2s"},
	}, reg, logx.Nop())
	if err != nil || c == nil || name != "http" {
		t.Fatalf("http transport: name=%q err=%v", name, err)
	}
	if _, _, err := buildTransport(config.TransportConfig{Driver: "pigeon"}, reg, logx.Nop()); err == nil {
		t.Fatalf("unknown driver should fail")
	}
}

func newTestApp(t *testing.T, dir string) *App {
	t.Helper()
	cfg := &config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Dispatch:  config.DispatchConfig{Timing: "0s"},
		Transport: config.TransportConfig{Driver: "log", Metrics: true},
		Storage:   &config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "history")},
		Retry:     &config.RetryConfig{Enabled: true, MaxAttempts: 1, Base: "10ms"},
	}
	a, err := NewWithConfig(nil, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	return a
}

func TestAppLaunchCompletesAndPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := newTestApp(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := &Campaign{
		Name:     "smoke",
		Template: "Hi {name}, batch {batch}",
		Recipients: []contact.Recipient{
			{Name: "Ana", Phone: "+628001"},
			{Name: "Budi", Phone: "+628002"},
		},
	}
	id, err := a.Launch(c)
	if err != nil || id == "" {
		t.Fatalf("Launch: id=%q err=%v", id, err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	sum, err := a.Engine().Wait(wctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if sum.Status != dispatch.BatchCompleted || sum.Sent != 2 {
		t.Fatalf("summary=%+v", sum)
	}

	health := a.health()
	if health["batches_completed"] != 1 {
		t.Fatalf("health=%v", health)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if err := a.Stop(sctx, StopCompleted); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "history")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	outs, err := st.ListOutcomes(context.Background(), id)
	if err != nil {
		t.Fatalf("ListOutcomes: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("persisted outcomes=%d, want 2", len(outs))
	}
}

// flakyClient fails the first n sends to each listed destination.
type flakyClient struct {
	mu    sync.Mutex
	fails map[string]int
	sent  []string
}

func (f *flakyClient) Send(_ context.Context, dest, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[dest] > 0 {
		f.fails[dest]--
		return errors.New("gateway 503")
	}
	f.sent = append(f.sent, dest)
	return nil
}

func TestAppSettleWaitsForAutoRetry(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Dispatch:  config.DispatchConfig{Timing: "0s"},
		Transport: config.TransportConfig{Driver: "log"},
		Retry:     &config.RetryConfig{Enabled: true, MaxAttempts: 3, Base: "200ms"},
	}
	tx := &flakyClient{fails: map[string]int{"+628002": 1}}
	a, err := newApp(nil, cfg, tx)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		_ = a.Stop(sctx, StopCompleted)
	}()

	id, err := a.Launch(&Campaign{
		Name:     "flaky",
		Template: "Hi {name}",
		Recipients: []contact.Recipient{
			{Name: "Ana", Phone: "+628001"},
			{Name: "Budi", Phone: "+628002"},
		},
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	first, err := a.Engine().Wait(wctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if first.Failed != 1 || a.auto.Pending() != 1 {
		t.Fatalf("before retry: summary=%+v pending=%d", first, a.auto.Pending())
	}

	sum, err := a.Settle(wctx, id)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if sum.Status != dispatch.BatchCompleted || sum.Sent != 2 || sum.Failed != 0 {
		t.Fatalf("settled summary=%+v", sum)
	}
	if n := a.auto.Pending(); n != 0 {
		t.Fatalf("pending retries after settle=%d", n)
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.sent) != 2 {
		t.Fatalf("delivered=%v", tx.sent)
	}
}

func TestAppLaunchScheduledAndToggle(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, t.TempDir())
	c := &Campaign{
		Name:       "weekly",
		Template:   "Hi {name}",
		Recipients: []contact.Recipient{{Name: "Ana", Phone: "+628001"}},
		Schedule:   "0 9 * * 1",
	}
	id, err := a.Launch(c)
	if err != nil || id != "" {
		t.Fatalf("scheduled Launch: id=%q err=%v", id, err)
	}
	if got := a.Runner().Entries(); len(got) != 1 || got[0].Name != "weekly" {
		t.Fatalf("entries=%+v", got)
	}

	bad := &Campaign{Name: "bad", Template: "Hi {name", Recipients: c.Recipients}
	if _, err := a.Launch(bad); err == nil {
		t.Fatalf("template errors should block launch")
	}

	if n, err := a.TogglePause(); n != 0 || err != nil {
		t.Fatalf("TogglePause with no batches: n=%d err=%v", n, err)
	}
	if n := a.RetryAllFailed(); n != 0 {
		t.Fatalf("RetryAllFailed=%d", n)
	}
	_ = a.store.Close()
}
