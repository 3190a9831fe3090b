// Package driver defines the abstraction for hypervisor backends that host
// ephemeral GitHub Actions runner VMs. Each backend (tart, Docker, GCE)
// implements the Driver interface so the supervisor and orchestrator remain
// hypervisor-agnostic.
package driver

import (
	"context"
	"fmt"
	"time"
)

// RunnerConfig carries the registration material a guest needs to come up as
// an ephemeral, repository-scoped runner. The token is short-lived and must
// never be persisted; it is obtained immediately before Clone and handed to
// the backend, which decides how to deliver it (environment, instance
// metadata, or an SSH bootstrap after boot).
type RunnerConfig struct {
	// URL is the repository the runner registers against,
	// e.g. "https://github.com/acme/widgets".
	URL string

	// Token is the runner registration token for that repository.
	Token string

	// Name is the runner registration name. It always equals the VM name so
	// that API records and hypervisor instances can be correlated.
	Name string

	// Labels are attached to the runner at registration time.
	Labels []string
}

// Driver is the contract every hypervisor backend must satisfy.
//
// All VMs are strictly ephemeral: each VM hosts exactly one runner, executes
// at most one job and is then permanently deleted (not stopped, not reused).
// The full lifecycle is:
//
//	Clone → Start → WaitForIP → Bootstrap → (job runs) → Stop → Delete
//
// Stop and Delete must be idempotent -- stopping a VM that is not running or
// deleting one that no longer exists returns nil. The supervisor leans on
// this during cleanup: teardown is retried unconditionally and must converge
// regardless of how far provisioning got before failing.
type Driver interface {
	// Clone materializes a new VM from the named base image. Backends that
	// inject configuration at create time (container environment, instance
	// metadata) consume cfg here; others stash it for Bootstrap.
	Clone(ctx context.Context, baseImage, name string, cfg RunnerConfig) error

	// Start boots the cloned VM. It returns once the boot has been initiated;
	// readiness is observed through WaitForIP.
	Start(ctx context.Context, name string) error

	// WaitForIP polls until the guest has an address, or fails once timeout
	// elapses. The returned address is advisory -- backends that bootstrap
	// over SSH dial it, the rest only use it as a boot-completed signal.
	WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error)

	// Bootstrap performs post-boot guest provisioning. Backends that already
	// delivered the runner configuration during Clone treat this as a no-op.
	Bootstrap(ctx context.Context, name string) error

	// IsRunning reports whether the VM currently exists and is running.
	// A VM that was never created or has been deleted is simply not running.
	IsRunning(ctx context.Context, name string) (bool, error)

	// Stop powers the VM down. Idempotent.
	Stop(ctx context.Context, name string) error

	// Delete permanently removes the VM and its disk. Idempotent.
	Delete(ctx context.Context, name string) error

	// List returns the names of all VMs the backend currently reports as
	// running, owned or not. The orchestrator filters by naming scheme when
	// reconciling orphans.
	List(ctx context.Context) ([]string, error)
}

// OpError is the failure type returned by drivers. It identifies the backend,
// the operation and the VM involved so supervisors can log actionable errors
// and callers can unwrap the underlying cause.
type OpError struct {
	Driver string // backend name, e.g. "tart"
	Op     string // operation, e.g. "clone"
	Name   string // VM name, empty for ops not tied to one VM
	Err    error
}

func (e *OpError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s %s: %v", e.Driver, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Driver, e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
