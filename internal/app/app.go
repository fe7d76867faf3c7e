package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"smartsend/internal/config"
	"smartsend/internal/dispatch"
	"smartsend/internal/eventbus"
	"smartsend/internal/observability/ops"
	"smartsend/internal/progress"
	"smartsend/internal/runtime/supervisor"
	"smartsend/internal/schedule"
	"smartsend/internal/storage"
	"smartsend/internal/timing"
	"smartsend/internal/transport"
	"smartsend/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	reg  *prometheus.Registry

	store     storage.Store
	storeSink *progress.StoreSink
	auto      *dispatch.AutoRetry

	engine *dispatch.Engine
	runner *schedule.Runner
	ops    *ops.Server
	opsOn  bool

	mu     sync.RWMutex
	policy timing.Policy // default for campaigns without timing
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfgm, cfg)
}

// NewWithConfig wires the app from an already loaded config. cfgm may be
// nil, in which case hot reload is off.
func NewWithConfig(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	return newApp(cfgm, cfg, nil)
}

// newApp is NewWithConfig with the transport optionally supplied instead of
// built from cfg.Transport.
func newApp(cfgm *config.Manager, cfg *config.Config, tx transport.Client) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	logSvc, log := logx.New(cfg.Logging.Logx())
	log = log.With(logx.Component("app"))

	policy, err := cfg.DefaultPolicy()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
	}

	if tx == nil {
		built, name, err := buildTransport(cfg.Transport, reg, log.With(logx.Component("transport")))
		if err != nil {
			closeStore()
			return nil, err
		}
		tx = built
		log.Info("transport ready", logx.String("driver", name))
	}

	engCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	metrics, err := progress.NewMetricsSink(reg)
	if err != nil {
		closeStore()
		return nil, err
	}
	opts := []dispatch.Option{
		dispatch.WithSink(progress.NewLogSink(log), progress.NewBusSink(bus), metrics),
	}
	if lim := mapLimiter(cfg); lim != nil {
		opts = append(opts, dispatch.WithLimiter(lim))
	}
	eng := dispatch.New(engCfg, tx, log, opts...)

	if cfgm != nil {
		cfgm.SetLogger(log)
		cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
			// Reject a reload whose log file cannot be opened.
			if err := logx.CheckFile(c.Logging.Logx().File); err != nil {
				return fmt.Errorf("logging.file.path: %w", err)
			}
			return nil
		})
	}
	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		reg:    reg,
		store:  store,
		engine: eng,
		policy: policy,
	}

	if store != nil {
		a.storeSink = progress.NewStoreSink(store, log, progress.StoreOptions{Lookup: eng})
		eng.Subscribe(a.storeSink)
	}

	if rc, enabled, err := mapRetryConfig(cfg); err != nil {
		closeStore()
		return nil, err
	} else if enabled {
		a.auto = dispatch.NewAutoRetry(eng, rc, log)
		eng.Subscribe(a.auto)
	}

	a.runner = schedule.NewRunner(eng, log,
		schedule.WithLocation(mapLocation(cfg)),
		schedule.WithBus(bus),
	)

	if cfg.Ops.Enabled {
		oc, err := ops.FromConfig(cfg.Ops)
		if err != nil {
			closeStore()
			return nil, err
		}
		a.ops = ops.New(oc, log, ops.WithGatherer(reg), ops.WithHealth(a.health))
		a.opsOn = true
	}
	return a, nil
}

func (a *App) Engine() *dispatch.Engine { return a.engine }
func (a *App) Runner() *schedule.Runner { return a.runner }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Registry() *prometheus.Registry { return a.reg }

// DefaultPolicy is the timing for campaigns that set none. It follows
// config reloads; batches already created keep their policy.
func (a *App) DefaultPolicy() timing.Policy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.storeSink != nil {
		a.storeSink.Start(a.sup)
	}
	if a.opsOn {
		// Best-effort: a broken ops listener restarts instead of failing the app.
		a.sup.GoRestart("ops.http", a.ops.Run, 500*time.Millisecond, 10*time.Second)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, eventbus.TypeScheduleFire, eventbus.TypeConfigReload)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.runner.Start()
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		if newCfg == nil {
			continue
		}

		sections, attrs, restart := config.SummarizeChange(lastApplied, newCfg)
		lastApplied = newCfg
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}

		a.logs.Apply(newCfg.Logging.Logx())
		if p, err := newCfg.DefaultPolicy(); err == nil {
			a.mu.Lock()
			a.policy = p
			a.mu.Unlock()
		}
		if len(restart) > 0 {
			a.log.Warn("config sections changed; restart required for changes to take effect",
				logx.String("sections", strings.Join(restart, ",")))
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Data: sections})

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	}
}

// Launch starts a campaign now, or registers it with the scheduler when it
// carries a schedule. The batch ID is empty for scheduled campaigns.
func (a *App) Launch(c *Campaign) (string, error) {
	rcpts, _, err := c.LoadRecipients()
	if err != nil {
		return "", err
	}
	if issues := c.Validate(rcpts); issues.HasErrors() {
		return "", issues.Err()
	}
	if strings.TrimSpace(c.Schedule) != "" {
		return "", a.runner.Add(schedule.Job{
			Name: c.Name,
			Spec: c.Schedule,
			Request: func() (dispatch.BatchRequest, error) {
				return c.Request(a.DefaultPolicy())
			},
		})
	}
	req, err := c.Request(a.DefaultPolicy())
	if err != nil {
		return "", err
	}
	b, err := a.engine.CreateBatch(req)
	if err != nil {
		return "", err
	}
	if err := a.engine.Start(b.ID); err != nil {
		return b.ID, err
	}
	return b.ID, nil
}

// Settle waits until batch id has finished and no automatic retry for it
// is still armed. Without auto retry it is Engine.Wait.
func (a *App) Settle(ctx context.Context, id string) (dispatch.Summary, error) {
	if a.auto == nil {
		return a.engine.Wait(ctx, id)
	}
	return a.auto.Settle(ctx, id)
}

// TogglePause pauses every running batch, or resumes every paused one when
// none is running. It returns the number of batches changed.
func (a *App) TogglePause() (int, error) {
	var running, paused []string
	for _, b := range a.engine.List() {
		switch b.Status {
		case dispatch.BatchRunning:
			running = append(running, b.ID)
		case dispatch.BatchPaused:
			paused = append(paused, b.ID)
		}
	}
	op, ids := a.engine.Pause, running
	if len(running) == 0 {
		op, ids = a.engine.Resume, paused
	}
	n := 0
	var firstErr error
	for _, id := range ids {
		if err := op(id); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("batch %s: %w", id, err)
			}
			continue
		}
		n++
	}
	return n, firstErr
}

// RetryAllFailed re-queues every retryable failure of every known batch.
func (a *App) RetryAllFailed() int {
	total := 0
	for _, b := range a.engine.List() {
		if b.Status == dispatch.BatchIdle || b.Status == dispatch.BatchCancelled {
			continue
		}
		n, err := a.engine.RetryFailed(b.ID)
		if err != nil {
			a.log.Debug("retry failed items skipped", logx.Batch(b.ID), logx.Err(err))
		}
		total += n
	}
	return total
}

func (a *App) health() map[string]any {
	counts := map[dispatch.BatchStatus]int{}
	for _, b := range a.engine.List() {
		counts[b.Status]++
	}
	out := map[string]any{
		"batches_running":   counts[dispatch.BatchRunning],
		"batches_paused":    counts[dispatch.BatchPaused],
		"batches_completed": counts[dispatch.BatchCompleted],
		"schedules":         len(a.runner.Entries()),
		"bus_dropped":       a.bus.Dropped(),
	}
	if a.sup != nil {
		out["tasks_active"] = a.sup.Active()
		var restarts uint64
		for _, st := range a.sup.Snapshot() {
			restarts += st.Restarts
		}
		out["task_restarts"] = restarts
	}
	if a.storeSink != nil {
		out["store_dropped"] = a.storeSink.Dropped()
		out["store_failed"] = a.storeSink.Failed()
	}
	if a.auto != nil {
		out["retries_pending"] = a.auto.Pending()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first, then the engine so its final events still reach the sinks.
	step("schedule", 2*time.Second, a.runner.Stop)
	step("autoretry", time.Second, func(context.Context) error {
		if a.auto != nil {
			a.auto.Stop()
		}
		return nil
	})
	step("engine", 5*time.Second, a.engine.Close)
	step("progress.store", 3*time.Second, func(c context.Context) error {
		if a.storeSink != nil {
			return a.storeSink.Close(c)
		}
		return nil
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
