package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/terrpan/vmpool/internal/driver"
	"github.com/terrpan/vmpool/internal/registration"
)

// --- fakes ---

type fakeDriver struct {
	mu           sync.Mutex
	cloneFails   int
	cloneCalls   int
	cloned       []string
	started      []string
	bootstrapped []string
	stopped      []string
	deleted      []string
	cfgs         map[string]driver.RunnerConfig

	startErr  error
	ipErr     error
	deleteErr error

	// After this many IsRunning calls the VM reports dead. Zero means it
	// stays alive.
	dieAfterChecks int
	liveChecks     int
}

var _ driver.Driver = (*fakeDriver)(nil)

func (f *fakeDriver) Clone(_ context.Context, _ string, name string, cfg driver.RunnerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloneCalls++
	if f.cloneFails > 0 {
		f.cloneFails--
		return errors.New("clone failed: disk busy")
	}
	f.cloned = append(f.cloned, name)
	if f.cfgs == nil {
		f.cfgs = make(map[string]driver.RunnerConfig)
	}
	f.cfgs[name] = cfg
	return nil
}

func (f *fakeDriver) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeDriver) WaitForIP(_ context.Context, _ string, _ time.Duration) (string, error) {
	if f.ipErr != nil {
		return "", f.ipErr
	}
	return "192.168.64.9", nil
}

func (f *fakeDriver) Bootstrap(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrapped = append(f.bootstrapped, name)
	return nil
}

func (f *fakeDriver) IsRunning(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveChecks++
	if f.dieAfterChecks > 0 && f.liveChecks > f.dieAfterChecks {
		return false, nil
	}
	return true, nil
}

func (f *fakeDriver) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeDriver) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeDriver) List(_ context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeDriver) snapshot() fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeDriver{
		cloneCalls:   f.cloneCalls,
		cloned:       append([]string(nil), f.cloned...),
		started:      append([]string(nil), f.started...),
		bootstrapped: append([]string(nil), f.bootstrapped...),
		stopped:      append([]string(nil), f.stopped...),
		deleted:      append([]string(nil), f.deleted...),
	}
}

// fakeAPI serves FindRunner responses from a script; the last entry
// repeats once the script is exhausted, and a nil entry means "no record".
type fakeAPI struct {
	mu         sync.Mutex
	tokenCalls int
	tokenErr   error
	finds      []*registration.Runner
	findCalls  int
	removed    []string
}

var _ RegistrationAPI = (*fakeAPI)(nil)

func (f *fakeAPI) CreateRegistrationToken(_ context.Context, _ string) (*registration.RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return &registration.RegistrationToken{
		Token:     fmt.Sprintf("AREG-%d", f.tokenCalls),
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeAPI) FindRunner(_ context.Context, _, name string) (*registration.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finds) == 0 {
		return nil, nil
	}
	i := f.findCalls
	f.findCalls++
	if i >= len(f.finds) {
		i = len(f.finds) - 1
	}
	r := f.finds[i]
	if r == nil {
		return nil, nil
	}
	cp := *r
	cp.Name = name
	return &cp, nil
}

func (f *fakeAPI) RemoveRunner(_ context.Context, _, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeAPI) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func idleRunner() *registration.Runner {
	return &registration.Runner{ID: 1, Status: registration.StatusOnline}
}

func busyRunner() *registration.Runner {
	return &registration.Runner{ID: 1, Status: registration.StatusOnline, Busy: true}
}

func offlineRunner() *registration.Runner {
	return &registration.Runner{ID: 1, Status: registration.StatusOffline}
}

// --- suite ---

type SupervisorSuite struct {
	suite.Suite
}

func TestSupervisorSuite(t *testing.T) {
	suite.Run(t, new(SupervisorSuite))
}

func (s *SupervisorSuite) newSupervisor(drv *fakeDriver, api *fakeAPI, mutate func(*Config)) *Supervisor {
	cfg := Config{
		Slot:          1,
		NamePrefix:    "vmpool-test",
		BaseImage:     "ghcr.io/cirruslabs/macos-sonoma-base:latest",
		Repository:    "octo/ci",
		RepoURL:       "https://github.com/octo/ci",
		Labels:        []string{"self-hosted", "macos"},
		PollInterval:  2 * time.Millisecond,
		BootTimeout:   250 * time.Millisecond,
		IdleTimeout:   time.Second,
		DriverRetries: 3,
		RetryInterval: time.Millisecond,
		CleanupGrace:  time.Second,
		Driver:        drv,
		API:           api,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

// --- naming ---

func (s *SupervisorSuite) TestVMName() {
	name := VMName("vmpool", 3)
	s.Regexp(`^vmpool-s3-\d+$`, name)
	s.True(OwnsName("vmpool", name))
}

func (s *SupervisorSuite) TestOwnsName() {
	tests := []struct {
		name string
		vm   string
		want bool
	}{
		{name: "own vm", vm: "vmpool-s0-1724400000000", want: true},
		{name: "high slot", vm: "vmpool-s12-1724400000000", want: true},
		{name: "other prefix", vm: "otherpool-s0-1724400000000", want: false},
		{name: "no stamp", vm: "vmpool-s0", want: false},
		{name: "non numeric slot", vm: "vmpool-sx-1724400000000", want: false},
		{name: "non numeric stamp", vm: "vmpool-s0-beef", want: false},
		{name: "unrelated vm", vm: "my-dev-vm", want: false},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.want, OwnsName("vmpool", tt.vm))
		})
	}
}

func (s *SupervisorSuite) TestStateTerminal() {
	s.True(StateReclaimed.Terminal())
	s.True(StateErrored.Terminal())
	s.False(StateIdle.Terminal())
	s.False(StateRunning.Terminal())
	s.False(StateDraining.Terminal())
}

// --- lifecycle ---

func (s *SupervisorSuite) TestRunHappyPath() {
	drv := &fakeDriver{}
	api := &fakeAPI{finds: []*registration.Runner{
		nil,             // agent still configuring
		offlineRunner(), // registered but not connected yet
		idleRunner(),    // online
		busyRunner(),    // job picked up
		nil,             // ephemeral runner deregistered itself
	}}
	sup := s.newSupervisor(drv, api, nil)

	s.Equal(StateIdle, sup.State())
	err := sup.Run(context.Background())
	s.Require().NoError(err)
	s.Equal(StateReclaimed, sup.State())

	name := sup.VMName()
	s.Require().NotEmpty(name)
	s.True(OwnsName("vmpool-test", name))

	snap := drv.snapshot()
	s.Equal([]string{name}, snap.cloned)
	s.Equal([]string{name}, snap.started)
	s.Equal([]string{name}, snap.bootstrapped)
	s.Equal([]string{name}, snap.stopped)
	s.Equal([]string{name}, snap.deleted)
	s.Equal([]string{name}, api.removedNames())

	cfg := drv.cfgs[name]
	s.Equal("AREG-1", cfg.Token)
	s.Equal("https://github.com/octo/ci", cfg.URL)
	s.Equal(name, cfg.Name)
	s.Equal([]string{"self-hosted", "macos"}, cfg.Labels)
}

func (s *SupervisorSuite) TestRunRecoversFromTransientCloneFailures() {
	drv := &fakeDriver{cloneFails: 2}
	api := &fakeAPI{finds: []*registration.Runner{idleRunner(), busyRunner(), nil}}
	sup := s.newSupervisor(drv, api, nil)

	err := sup.Run(context.Background())
	s.Require().NoError(err)
	s.Equal(StateReclaimed, sup.State())
	s.Equal(3, drv.snapshot().cloneCalls, "two failed attempts plus the one that lands")
}

func (s *SupervisorSuite) TestRunCloneFailureExhaustsRetries() {
	drv := &fakeDriver{cloneFails: 99}
	api := &fakeAPI{}
	sup := s.newSupervisor(drv, api, func(c *Config) {
		c.DriverRetries = 2
	})

	err := sup.Run(context.Background())
	s.Require().Error(err)
	s.Contains(err.Error(), "clone")
	s.Equal(StateErrored, sup.State())

	snap := drv.snapshot()
	s.Equal(3, snap.cloneCalls)
	s.Empty(snap.started)
	// Cleanup still runs so nothing half-created survives.
	s.Equal([]string{sup.VMName()}, snap.deleted)
}

func (s *SupervisorSuite) TestRunAuthFailure() {
	drv := &fakeDriver{}
	api := &fakeAPI{tokenErr: fmt.Errorf("creating installation token: %w", registration.ErrAuth)}
	sup := s.newSupervisor(drv, api, nil)

	err := sup.Run(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, registration.ErrAuth)
	s.Equal(StateErrored, sup.State())

	snap := drv.snapshot()
	s.Zero(snap.cloneCalls)
	s.Equal([]string{sup.VMName()}, snap.deleted, "cleanup runs even when nothing was provisioned")
}

func (s *SupervisorSuite) TestRunRegistrationTimeout() {
	drv := &fakeDriver{}
	api := &fakeAPI{} // no record ever appears
	sup := s.newSupervisor(drv, api, func(c *Config) {
		c.BootTimeout = 30 * time.Millisecond
	})

	err := sup.Run(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, ErrRegistrationTimeout)
	s.Equal(StateErrored, sup.State())
	s.Equal([]string{sup.VMName()}, drv.snapshot().deleted)
}

func (s *SupervisorSuite) TestRunIdleTimeoutRecycles() {
	drv := &fakeDriver{}
	api := &fakeAPI{finds: []*registration.Runner{idleRunner()}}
	sup := s.newSupervisor(drv, api, func(c *Config) {
		c.IdleTimeout = 40 * time.Millisecond
	})

	start := time.Now()
	err := sup.Run(context.Background())
	s.Require().NoError(err, "an idle recycle is not a failure")
	s.Equal(StateReclaimed, sup.State())
	s.Less(time.Since(start), 5*time.Second)

	name := sup.VMName()
	s.Equal([]string{name}, drv.snapshot().deleted)
	s.Equal([]string{name}, api.removedNames(), "an idle runner is still registered and must be removed")
}

func (s *SupervisorSuite) TestRunDrainsWhenVMDies() {
	drv := &fakeDriver{dieAfterChecks: 1}
	api := &fakeAPI{finds: []*registration.Runner{idleRunner(), busyRunner()}}
	sup := s.newSupervisor(drv, api, nil)

	err := sup.Run(context.Background())
	s.Require().NoError(err)
	s.Equal(StateReclaimed, sup.State())
	s.Equal([]string{sup.VMName()}, drv.snapshot().deleted)
}

func (s *SupervisorSuite) TestRunJobCompletionByIdleRecord() {
	// Some agents flip back to idle-online briefly before deregistering;
	// busy->idle counts as completion.
	drv := &fakeDriver{}
	api := &fakeAPI{finds: []*registration.Runner{idleRunner(), busyRunner(), idleRunner()}}
	sup := s.newSupervisor(drv, api, nil)

	err := sup.Run(context.Background())
	s.Require().NoError(err)
	s.Equal(StateReclaimed, sup.State())
}

func (s *SupervisorSuite) TestRunShutdownDrains() {
	drv := &fakeDriver{}
	api := &fakeAPI{finds: []*registration.Runner{idleRunner()}}
	sup := s.newSupervisor(drv, api, func(c *Config) {
		c.IdleTimeout = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(25*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	err := sup.Run(ctx)
	s.Require().NoError(err, "a shutdown drain is a clean recycle")
	s.Equal(StateReclaimed, sup.State())

	snap := drv.snapshot()
	s.Equal([]string{sup.VMName()}, snap.stopped)
	s.Equal([]string{sup.VMName()}, snap.deleted)
}

func (s *SupervisorSuite) TestRunCleanupFailure() {
	drv := &fakeDriver{deleteErr: errors.New("delete failed: disk wedged")}
	api := &fakeAPI{finds: []*registration.Runner{idleRunner(), busyRunner(), nil}}
	sup := s.newSupervisor(drv, api, nil)

	err := sup.Run(context.Background())
	s.Require().Error(err)
	s.Contains(err.Error(), "delete")
	s.Equal(StateErrored, sup.State())
	// The slot is still released: Run returned.
}

func (s *SupervisorSuite) TestStateSince() {
	sup := s.newSupervisor(&fakeDriver{}, &fakeAPI{}, nil)
	state, since := sup.StateSince()
	s.Equal(StateIdle, state)
	s.WithinDuration(time.Now(), since, time.Minute)
}
