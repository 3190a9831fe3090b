// Package orchestrator maintains the pool of runner supervisors. It owns
// the fixed set of concurrency slots, refills them as supervisors finish,
// reconciles the hypervisor's actual VM list against the pool, and drains
// everything on shutdown. Slot occupancy is mutated only by the tick loop,
// so the pool needs no locking beyond one mutex shared with the metric
// callbacks and status readers.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/vmpool/internal/driver"
	"github.com/terrpan/vmpool/internal/supervisor"
)

// Supervisor is the slice of supervisor.Supervisor the orchestrator
// drives. Run blocks for one full VM lifecycle; the rest are concurrent-
// safe reads.
type Supervisor interface {
	Run(ctx context.Context) error
	State() supervisor.State
	VMName() string
	Slot() int
}

// Compile-time check.
var _ Supervisor = (*supervisor.Supervisor)(nil)

// Factory builds a fresh supervisor each time a slot is filled. A
// supervisor is single-use; a recycled slot always gets a new one.
type Factory func(slot int) Supervisor

// Config holds the pool parameters.
type Config struct {
	// Slots is the concurrency limit: at most this many VMs exist at once.
	Slots int

	// NamePrefix scopes the VM naming scheme; reconciliation only ever
	// destroys VMs whose names match it.
	NamePrefix string

	PollInterval  time.Duration
	ShutdownGrace time.Duration

	// CooldownBase doubles per consecutive failure on a slot, up to
	// CooldownMax, and resets on a clean recycle.
	CooldownBase time.Duration
	CooldownMax  time.Duration

	Driver        driver.Driver
	NewSupervisor Factory
	Logger        *slog.Logger
}

// SlotStatus is a point-in-time view of one slot, for the health surface.
type SlotStatus struct {
	Slot     int              `json:"slot"`
	State    supervisor.State `json:"state"`
	VMName   string           `json:"vm_name,omitempty"`
	Failures int              `json:"failures,omitempty"`
}

type slot struct {
	id  int
	sup Supervisor

	cancel    context.CancelFunc
	startedAt time.Time

	finished bool
	runErr   error

	failures  int
	notBefore time.Time
}

// Orchestrator runs the control loop. Create with New, then call Run
// once; Run blocks until the context is canceled and the pool has
// drained.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	meter  metric.Meter

	mu    sync.Mutex
	slots []*slot
	wg    sync.WaitGroup

	runnersStarted     metric.Int64Counter
	runnersReclaimed   metric.Int64Counter
	runnersErrored     metric.Int64Counter
	orphansDestroyed   metric.Int64Counter
	supervisorDuration metric.Float64Histogram
}

// New creates an Orchestrator with cfg.Slots free slots.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 2 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 5 * time.Minute
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		tracer: otel.Tracer("vmpool/orchestrator"),
		meter:  otel.Meter("vmpool/orchestrator"),
		slots:  make([]*slot, cfg.Slots),
	}
	for i := range o.slots {
		o.slots[i] = &slot{id: i}
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	o.runnersStarted, err = o.meter.Int64Counter(
		"vmpool.runners.started",
		metric.WithDescription("Total number of runner VMs started"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersStarted counter", slog.String("error", err.Error()))
	}

	o.runnersReclaimed, err = o.meter.Int64Counter(
		"vmpool.runners.reclaimed",
		metric.WithDescription("Total number of runner VMs reclaimed cleanly"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersReclaimed counter", slog.String("error", err.Error()))
	}

	o.runnersErrored, err = o.meter.Int64Counter(
		"vmpool.runners.errored",
		metric.WithDescription("Total number of supervisor lifecycles that failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runnersErrored counter", slog.String("error", err.Error()))
	}

	o.orphansDestroyed, err = o.meter.Int64Counter(
		"vmpool.orphans.destroyed",
		metric.WithDescription("Total number of orphaned VMs destroyed by reconciliation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create orphansDestroyed counter", slog.String("error", err.Error()))
	}

	o.supervisorDuration, err = o.meter.Float64Histogram(
		"vmpool.supervisor.duration",
		metric.WithDescription("Wall time of one supervisor lifecycle (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create supervisorDuration histogram", slog.String("error", err.Error()))
	}

	_, err = o.meter.Int64ObservableGauge(
		"vmpool.slots.active",
		metric.WithDescription("Current number of occupied runner slots"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(o.Active()))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active slots gauge", slog.String("error", err.Error()))
	}

	return o
}

// Run executes the control loop until ctx is canceled, then drains the
// pool within the shutdown grace period. The returned error is non-nil
// only when supervisors were still draining at the grace deadline.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator starting",
		slog.Int("slots", o.cfg.Slots),
		slog.Duration("poll_interval", o.cfg.PollInterval),
		slog.String("name_prefix", o.cfg.NamePrefix),
	)

	// Destroy leftovers from a previous run before the first assignment;
	// their names match the scheme but no supervisor owns them.
	o.reconcile(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return o.drain()
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs one reap / reconcile / assign pass. Supervisors progress on
// their own goroutines; the tick itself never blocks on one.
func (o *Orchestrator) tick(ctx context.Context) {
	tctx, span := o.tracer.Start(ctx, "orchestrator.tick")
	defer span.End()

	reaped := o.reap(tctx)
	o.reconcile(tctx)
	// Supervisor contexts must outlive the tick span.
	assigned := o.assign(ctx)

	span.SetAttributes(
		attribute.Int("pool.reaped", reaped),
		attribute.Int("pool.assigned", assigned),
		attribute.Int("pool.active", o.Active()),
	)
}

// reap collects finished supervisors, frees their slots and arms the
// failure cooldown for errored ones.
func (o *Orchestrator) reap(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	reaped := 0
	for _, sl := range o.slots {
		if sl.sup == nil || !sl.finished {
			continue
		}
		reaped++

		duration := time.Since(sl.startedAt)
		if o.supervisorDuration != nil {
			o.supervisorDuration.Record(ctx, duration.Seconds())
		}

		if sl.runErr != nil {
			sl.failures++
			cooldown := o.cooldown(sl.failures)
			sl.notBefore = time.Now().Add(cooldown)
			if o.runnersErrored != nil {
				o.runnersErrored.Add(ctx, 1, metric.WithAttributes(attribute.Int("slot", sl.id)))
			}
			o.logger.Warn("supervisor failed, slot cooling down",
				slog.Int("slot", sl.id),
				slog.String("vm", sl.sup.VMName()),
				slog.Int("consecutive_failures", sl.failures),
				slog.Duration("cooldown", cooldown),
				slog.String("error", sl.runErr.Error()),
			)
		} else {
			sl.failures = 0
			sl.notBefore = time.Time{}
			if o.runnersReclaimed != nil {
				o.runnersReclaimed.Add(ctx, 1, metric.WithAttributes(attribute.Int("slot", sl.id)))
			}
			o.logger.Info("slot reclaimed",
				slog.Int("slot", sl.id),
				slog.String("vm", sl.sup.VMName()),
				slog.Duration("lifetime", duration),
			)
		}

		if sl.cancel != nil {
			sl.cancel()
		}
		sl.sup = nil
		sl.cancel = nil
		sl.finished = false
		sl.runErr = nil
	}
	return reaped
}

// reconcile destroys running VMs that match this process's naming scheme
// but have no owning supervisor. The hypervisor is the ground truth; the
// in-memory pool is only a cache of it.
func (o *Orchestrator) reconcile(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.reconcile")
	defer span.End()

	// Snapshot owned names before listing. A supervisor claims its name
	// before cloning, so anything the hypervisor reports that is not in
	// this set is an orphan.
	owned := make(map[string]bool)
	o.mu.Lock()
	for _, sl := range o.slots {
		if sl.sup != nil {
			if name := sl.sup.VMName(); name != "" {
				owned[name] = true
			}
		}
	}
	o.mu.Unlock()

	names, err := o.cfg.Driver.List(ctx)
	if err != nil {
		o.logger.Warn("listing vms for reconciliation failed", slog.String("error", err.Error()))
		return
	}

	for _, name := range names {
		if !supervisor.OwnsName(o.cfg.NamePrefix, name) || owned[name] {
			continue
		}
		o.logger.Warn("destroying orphaned vm", slog.String("vm", name))

		if err := o.cfg.Driver.Stop(ctx, name); err != nil {
			o.logger.Error("stopping orphaned vm failed",
				slog.String("vm", name), slog.String("error", err.Error()))
		}
		if err := o.cfg.Driver.Delete(ctx, name); err != nil {
			o.logger.Error("deleting orphaned vm failed",
				slog.String("vm", name), slog.String("error", err.Error()))
			continue
		}
		if o.orphansDestroyed != nil {
			o.orphansDestroyed.Add(ctx, 1)
		}
	}
}

// assign fills every free slot that is past its cooldown.
func (o *Orchestrator) assign(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	assigned := 0
	for _, sl := range o.slots {
		if sl.sup != nil || now.Before(sl.notBefore) {
			continue
		}

		sup := o.cfg.NewSupervisor(sl.id)
		runCtx, cancel := context.WithCancel(ctx)
		sl.sup = sup
		sl.cancel = cancel
		sl.startedAt = now
		sl.finished = false
		sl.runErr = nil
		assigned++

		if o.runnersStarted != nil {
			o.runnersStarted.Add(ctx, 1, metric.WithAttributes(attribute.Int("slot", sl.id)))
		}
		o.logger.Info("filling slot", slog.Int("slot", sl.id))

		o.wg.Add(1)
		go func(id int, sup Supervisor) {
			defer o.wg.Done()
			err := sup.Run(runCtx)
			o.finish(id, err)
		}(sl.id, sup)
	}
	return assigned
}

// finish records a supervisor's result; the slot itself is freed by the
// next reap so that occupancy only changes on the tick goroutine.
func (o *Orchestrator) finish(id int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sl := o.slots[id]
	sl.finished = true
	sl.runErr = err
}

// drain waits for in-flight supervisors to clean up their VMs, bounded by
// the shutdown grace period.
func (o *Orchestrator) drain() error {
	o.logger.Info("shutting down, draining supervisors",
		slog.Int("active", o.Active()),
		slog.Duration("grace", o.cfg.ShutdownGrace),
	)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("all supervisors drained")
		return nil
	case <-time.After(o.cfg.ShutdownGrace):
		o.logger.Error("shutdown grace expired with supervisors still draining",
			slog.Int("active", o.Active()))
		return errors.New("shutdown grace period expired before all supervisors drained")
	}
}

// Active returns the number of occupied slots.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, sl := range o.slots {
		if sl.sup != nil {
			n++
		}
	}
	return n
}

// Status reports every slot, occupied or not.
func (o *Orchestrator) Status() []SlotStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]SlotStatus, len(o.slots))
	for i, sl := range o.slots {
		st := SlotStatus{Slot: sl.id, State: supervisor.StateIdle, Failures: sl.failures}
		if sl.sup != nil {
			st.State = sl.sup.State()
			st.VMName = sl.sup.VMName()
		}
		out[i] = st
	}
	return out
}

func (o *Orchestrator) cooldown(failures int) time.Duration {
	d := o.cfg.CooldownBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= o.cfg.CooldownMax {
			return o.cfg.CooldownMax
		}
	}
	return min(d, o.cfg.CooldownMax)
}
