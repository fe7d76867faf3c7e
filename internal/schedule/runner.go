package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"smartsend/internal/dispatch"
	"smartsend/internal/eventbus"
	"smartsend/pkg/logx"
)

var (
	ErrDuplicate = errors.New("schedule: job already exists")
	ErrPast      = errors.New("schedule: time already passed")
)

// Engine is the part of the dispatch engine a Runner drives.
type Engine interface {
	CreateBatch(req dispatch.BatchRequest) (dispatch.Batch, error)
	Start(id string) error
	GetSummary(id string) (dispatch.Summary, error)
}

// Job is a campaign started on a schedule. Request is called on every fire
// so each run sees fresh recipients.
type Job struct {
	Name    string
	Spec    string
	Request func() (dispatch.BatchRequest, error)
}

// Fire is published on the bus (eventbus.TypeScheduleFire) for every fire.
type Fire struct {
	Job     string    `json:"job"`
	BatchID string    `json:"batch_id,omitempty"`
	Skipped bool      `json:"skipped,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// EntryInfo is a point-in-time view of one job.
type EntryInfo struct {
	Name      string    `json:"name"`
	Spec      string    `json:"spec"`
	Kind      string    `json:"kind"`
	Next      time.Time `json:"next,omitzero"`
	LastBatch string    `json:"last_batch,omitempty"`
	LastFire  time.Time `json:"last_fire,omitzero"`
	Fires     int       `json:"fires"`
	Skips     int       `json:"skips"`
}

type entry struct {
	job     Job
	spec    Spec
	cronID  cron.EntryID
	timer   *time.Timer
	running bool // a fire is in progress

	lastBatch string
	lastFire  time.Time
	fires     int
	skips     int
}

type Option func(*Runner)

func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(r *Runner) { r.bus = b } }

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// Runner fires jobs. Each fire creates and starts a fresh batch; a fire is
// skipped while the job's previous batch is still active.
type Runner struct {
	eng Engine
	log logx.Logger
	bus eventbus.Bus
	loc *time.Location
	now func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
	started bool
}

func NewRunner(eng Engine, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		eng:     eng,
		log:     log.With(logx.Component("schedule")),
		loc:     time.Local,
		now:     time.Now,
		entries: map[string]*entry{},
	}
	for _, o := range opts {
		o(r)
	}
	r.c = cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cronLogger{log: r.log}),
	)
	return r
}

// Location is the timezone local "at:" times and cron fields are read in.
func (r *Runner) Location() *time.Location { return r.loc }

// Add registers a job. Once jobs must lie in the future.
func (r *Runner) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("schedule: job name required")
	}
	if job.Request == nil {
		return errors.New("schedule: job request required")
	}
	spec, err := Parse(job.Spec, r.loc)
	if err != nil {
		return err
	}
	if spec.Kind == KindOnce && !spec.At.After(r.now()) {
		return fmt.Errorf("%w: %s", ErrPast, spec.At.Format(time.RFC3339))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.Name)
	}
	e := &entry{job: job, spec: spec}
	name := job.Name
	fire := cron.FuncJob(func() { r.fire(name) })
	switch spec.Kind {
	case KindCron:
		id, err := r.c.AddJob(spec.Cron, fire)
		if err != nil {
			return err
		}
		e.cronID = id
	case KindInterval:
		e.cronID = r.c.Schedule(cron.Every(spec.Every), fire)
	case KindOnce:
		if r.started {
			r.armLocked(e)
		}
	}
	r.entries[name] = e
	r.log.Info("job scheduled", logx.String("job", name), logx.String("spec", spec.String()), logx.Time("next", spec.Next(r.now())))
	return nil
}

func (r *Runner) armLocked(e *entry) {
	name := e.job.Name
	e.timer = time.AfterFunc(max(e.spec.At.Sub(r.now()), 0), func() {
		r.fire(name)
		r.Remove(name)
	})
}

// Remove unregisters a job. A fire already in progress completes.
func (r *Runner) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cronID != 0 {
		r.c.Remove(e.cronID)
	}
	delete(r.entries, name)
	return true
}

func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	for _, e := range r.entries {
		if e.spec.Kind == KindOnce && e.timer == nil {
			r.armLocked(e)
		}
	}
	r.c.Start()
}

// Stop halts future fires and waits for running ones until ctx is done.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.started = false
	for _, e := range r.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	done := r.c.Stop().Done()
	r.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists jobs by name.
func (r *Runner) Entries() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]EntryInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, EntryInfo{
			Name:      e.job.Name,
			Spec:      e.spec.String(),
			Kind:      e.spec.Kind.String(),
			Next:      e.spec.Next(now),
			LastBatch: e.lastBatch,
			LastFire:  e.lastFire,
			Fires:     e.fires,
			Skips:     e.skips,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fire runs a job immediately, outside its schedule.
func (r *Runner) Fire(name string) (string, error) {
	return r.fire(name)
}

func (r *Runner) fire(name string) (string, error) {
	now := r.now()
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("schedule: unknown job %q", name)
	}
	if e.running || r.activeLocked(e) {
		e.skips++
		prev := e.lastBatch
		r.mu.Unlock()
		r.log.Warn("fire skipped; previous batch still active", logx.String("job", name), logx.Batch(prev))
		r.publish(Fire{Job: name, BatchID: prev, Skipped: true, At: now})
		return prev, nil
	}
	e.running = true
	req := e.job.Request
	r.mu.Unlock()

	id, err := r.launch(name, req)

	r.mu.Lock()
	e.running = false
	e.lastFire = now
	if err == nil {
		e.fires++
		e.lastBatch = id
	}
	r.mu.Unlock()

	ev := Fire{Job: name, BatchID: id, At: now}
	if err != nil {
		ev.Error = err.Error()
		r.log.Error("scheduled batch failed to start", logx.String("job", name), logx.Err(err))
	} else {
		r.log.Info("scheduled batch started", logx.String("job", name), logx.Batch(id))
	}
	r.publish(ev)
	return id, err
}

func (r *Runner) launch(name string, request func() (dispatch.BatchRequest, error)) (string, error) {
	req, err := request()
	if err != nil {
		return "", err
	}
	if req.Name == "" {
		req.Name = name
	}
	b, err := r.eng.CreateBatch(req)
	if err != nil {
		return "", err
	}
	if err := r.eng.Start(b.ID); err != nil {
		return b.ID, err
	}
	return b.ID, nil
}

// activeLocked reports whether the job's previous batch is still running.
// A batch pruned from history counts as finished.
func (r *Runner) activeLocked(e *entry) bool {
	if e.lastBatch == "" {
		return false
	}
	sum, err := r.eng.GetSummary(e.lastBatch)
	if err != nil {
		return false
	}
	return sum.Status == dispatch.BatchRunning || sum.Status == dispatch.BatchPaused
}

func (r *Runner) publish(f Fire) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFire, Time: f.At, Data: f})
}

// cronLogger routes robfig/cron's internal logging to logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
