// Package supervisor owns one runner VM end to end: mint a registration
// token, clone and boot the VM, watch the runner through its single job,
// then deregister and destroy. One Supervisor runs per concurrency slot;
// the orchestrator starts a fresh one each time a slot frees up.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/vmpool/internal/driver"
	"github.com/terrpan/vmpool/internal/registration"
)

// State is a supervisor lifecycle phase. States only move forward;
// Reclaimed and Errored are terminal.
type State string

const (
	StateIdle         State = "idle"
	StateProvisioning State = "provisioning"
	StateBooting      State = "booting"
	StateRegistered   State = "registered"
	StateRunning      State = "running"
	StateDraining     State = "draining"
	StateReclaimed    State = "reclaimed"
	StateErrored      State = "errored"
)

// Terminal reports whether the state ends the supervisor's lifecycle.
func (s State) Terminal() bool {
	return s == StateReclaimed || s == StateErrored
}

// ErrRegistrationTimeout means the VM booted but its runner never showed
// up online within the boot window. The VM is destroyed and the slot is
// retried with a fresh clone; the same VM is never retried.
var ErrRegistrationTimeout = errors.New("runner did not come online before the boot deadline")

// RegistrationAPI is the slice of the registration client a supervisor
// needs.
type RegistrationAPI interface {
	CreateRegistrationToken(ctx context.Context, repo string) (*registration.RegistrationToken, error)
	FindRunner(ctx context.Context, repo, runnerName string) (*registration.Runner, error)
	RemoveRunner(ctx context.Context, repo, runnerName string) error
}

// Compile-time check.
var _ RegistrationAPI = (*registration.Client)(nil)

// Config holds everything a supervisor needs for one VM lifecycle.
type Config struct {
	Slot       int
	NamePrefix string
	BaseImage  string
	Repository string // owner/name, for the registration API
	RepoURL    string // URL the runner registers against
	Labels     []string

	PollInterval  time.Duration
	BootTimeout   time.Duration
	IdleTimeout   time.Duration
	DriverRetries uint64
	RetryInterval time.Duration
	CleanupGrace  time.Duration

	Driver driver.Driver
	API    RegistrationAPI
	Logger *slog.Logger
}

// Supervisor drives a single VM through the runner lifecycle. Run is
// called exactly once; State and VMName may be read concurrently.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	jobsCompleted metric.Int64Counter

	mu     sync.Mutex
	state  State
	vmName string
	since  time.Time
}

// New creates a Supervisor for one slot. Zero durations get conservative
// defaults.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 5 * time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.DriverRetries == 0 {
		cfg.DriverRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.CleanupGrace <= 0 {
		cfg.CleanupGrace = 30 * time.Second
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger.With(slog.Int("slot", cfg.Slot)),
		tracer: otel.Tracer("vmpool/supervisor"),
		state:  StateIdle,
		since:  time.Now(),
	}

	var err error
	s.jobsCompleted, err = otel.Meter("vmpool/supervisor").Int64Counter(
		"vmpool.jobs.completed",
		metric.WithDescription("Total number of jobs completed by runners"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create jobsCompleted counter", slog.String("error", err.Error()))
	}

	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateSince returns the current state and when it was entered.
func (s *Supervisor) StateSince() (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.since
}

// VMName returns the name of the VM this supervisor owns, or "" before
// provisioning begins.
func (s *Supervisor) VMName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vmName
}

// Slot returns the concurrency slot this supervisor occupies.
func (s *Supervisor) Slot() int { return s.cfg.Slot }

// Run executes the full lifecycle and blocks until the slot can be
// reused. The VM is destroyed and the runner deregistered on every exit
// path, including cancellation; cleanup runs on a cancellation-immune
// context bounded by CleanupGrace. A nil return means a clean recycle
// (job done, idle timeout, or shutdown drain); an error means the attempt
// failed and the caller may want to back off before refilling the slot.
func (s *Supervisor) Run(ctx context.Context) error {
	name := VMName(s.cfg.NamePrefix, s.cfg.Slot)

	s.mu.Lock()
	s.vmName = name
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "supervisor.Run", trace.WithAttributes(
		attribute.Int("runner.slot", s.cfg.Slot),
		attribute.String("runner.vm", name),
	))
	defer span.End()

	logger := s.logger.With(slog.String("vm", name))
	runErr := s.lifecycle(ctx, logger, name)

	switch {
	case runErr == nil:
		s.transition(logger, StateDraining)
	case isCanceled(runErr):
		logger.Info("shutdown requested, draining")
		s.transition(logger, StateDraining)
	default:
		logger.Error("lifecycle failed", slog.String("error", runErr.Error()))
		s.transition(logger, StateErrored)
	}

	// Cleanup must survive the cancellation that may have ended the
	// lifecycle, but not run forever.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupGrace)
	defer cancel()
	cleanupErr := s.cleanup(cleanupCtx, logger, name)

	switch {
	case runErr != nil && !isCanceled(runErr):
		return runErr
	case cleanupErr != nil:
		s.transition(logger, StateErrored)
		return cleanupErr
	default:
		s.transition(logger, StateReclaimed)
		return nil
	}
}

// lifecycle walks Provisioning through Running and returns once the VM is
// ready to be drained.
func (s *Supervisor) lifecycle(ctx context.Context, logger *slog.Logger, name string) error {
	s.transition(logger, StateProvisioning)

	token, err := s.cfg.API.CreateRegistrationToken(ctx, s.cfg.Repository)
	if err != nil {
		return fmt.Errorf("registration token: %w", err)
	}
	runnerCfg := driver.RunnerConfig{
		URL:    s.cfg.RepoURL,
		Token:  token.Token,
		Name:   name,
		Labels: s.cfg.Labels,
	}

	if err := s.withDriverRetry(ctx, logger, "clone", func() error {
		return s.cfg.Driver.Clone(ctx, s.cfg.BaseImage, name, runnerCfg)
	}); err != nil {
		return fmt.Errorf("clone %s from %s: %w", name, s.cfg.BaseImage, err)
	}

	s.transition(logger, StateBooting)
	bootDeadline := time.Now().Add(s.cfg.BootTimeout)

	if err := s.withDriverRetry(ctx, logger, "start", func() error {
		return s.cfg.Driver.Start(ctx, name)
	}); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	ip, err := s.cfg.Driver.WaitForIP(ctx, name, time.Until(bootDeadline))
	if err != nil {
		return fmt.Errorf("wait for ip of %s: %w", name, err)
	}
	logger.Info("vm booted", slog.String("ip", ip))

	if err := s.cfg.Driver.Bootstrap(ctx, name); err != nil {
		return fmt.Errorf("bootstrap %s: %w", name, err)
	}

	if err := s.waitOnline(ctx, name, bootDeadline); err != nil {
		return err
	}
	s.transition(logger, StateRegistered)

	return s.watch(ctx, logger, name)
}

// waitOnline polls the registration API until the runner record shows up
// online, or the boot deadline passes.
func (s *Supervisor) waitOnline(ctx context.Context, name string, deadline time.Time) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.waitOnline")
	defer span.End()

	for {
		runner, err := s.cfg.API.FindRunner(ctx, s.cfg.Repository, name)
		if err != nil {
			return fmt.Errorf("polling for runner %s: %w", name, err)
		}
		if runner != nil && runner.Online() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrRegistrationTimeout, name)
		}
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// watch follows the registered runner until its single job completes, the
// idle timeout fires, or the VM dies underneath it. The completion signal
// is the runner record: ephemeral runners deregister themselves after the
// job, so a record that disappears (or goes idle after having been busy)
// means done. A VM that stops running is the fallback signal.
func (s *Supervisor) watch(ctx context.Context, logger *slog.Logger, name string) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.watch")
	defer span.End()

	idleDeadline := time.Now().Add(s.cfg.IdleTimeout)
	busySeen := false

	for {
		if err := sleep(ctx, s.cfg.PollInterval); err != nil {
			return err
		}

		runner, err := s.cfg.API.FindRunner(ctx, s.cfg.Repository, name)
		if err != nil {
			return fmt.Errorf("polling runner %s: %w", name, err)
		}

		switch {
		case runner == nil:
			if busySeen {
				logger.Info("job completed, runner deregistered itself")
				s.countJob(ctx)
			} else {
				logger.Warn("runner record disappeared before any job")
			}
			return nil

		case runner.Busy && !busySeen:
			busySeen = true
			s.transition(logger, StateRunning)
			logger.Info("job started")

		case busySeen && !runner.Busy:
			logger.Info("job completed", slog.String("status", runner.Status))
			s.countJob(ctx)
			return nil

		case !busySeen && time.Now().After(idleDeadline):
			logger.Warn("no job picked up before idle timeout, recycling",
				slog.Duration("idle_timeout", s.cfg.IdleTimeout))
			return nil
		}

		running, err := s.cfg.Driver.IsRunning(ctx, name)
		if err != nil {
			logger.Debug("liveness check failed", slog.String("error", err.Error()))
			continue
		}
		if !running {
			if busySeen {
				logger.Info("vm exited after job")
				s.countJob(ctx)
			} else {
				logger.Warn("vm stopped before picking up a job")
			}
			return nil
		}
	}
}

// cleanup deregisters the runner and destroys the VM. Every step is
// attempted even if an earlier one fails; all three are idempotent, so a
// partially provisioned VM cleans up the same way as a finished one.
func (s *Supervisor) cleanup(ctx context.Context, logger *slog.Logger, name string) error {
	ctx, span := s.tracer.Start(ctx, "supervisor.cleanup")
	defer span.End()

	var errs []error

	if err := s.cfg.API.RemoveRunner(ctx, s.cfg.Repository, name); err != nil {
		logger.Error("deregistering runner failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("deregister %s: %w", name, err))
	}
	if err := s.cfg.Driver.Stop(ctx, name); err != nil {
		logger.Error("stopping vm failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
	}
	if err := s.cfg.Driver.Delete(ctx, name); err != nil {
		logger.Error("deleting vm failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
	}

	if len(errs) == 0 {
		logger.Info("vm reclaimed")
	}
	return errors.Join(errs...)
}

// withDriverRetry retries a driver operation a bounded number of times.
// Auth errors from the registration API never reach here; driver failures
// are assumed transient until proven otherwise.
func (s *Supervisor) withDriverRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.RetryInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err != nil {
			logger.Warn("driver operation failed",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.DriverRetries), ctx))
}

func (s *Supervisor) transition(logger *slog.Logger, to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.since = time.Now()
	s.mu.Unlock()

	if from == to {
		return
	}
	logger.Info("state change",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

func (s *Supervisor) countJob(ctx context.Context) {
	if s.jobsCompleted != nil {
		s.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.Int("slot", s.cfg.Slot)))
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
