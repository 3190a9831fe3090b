// Package tart implements the driver.Driver interface on top of the tart
// CLI, running ephemeral runner VMs under macOS Virtualization.framework.
//
// tart has no daemon: "tart run" is a foreground process that lives exactly
// as long as the VM does. The driver therefore keeps a process table of the
// VMs it started and falls back to "tart list" for VMs it does not own
// (orphans from a previous process).
package tart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/terrpan/vmpool/internal/driver"
)

const (
	runnerArchive  = "actions-runner.tar.gz"
	launcherScript = "runner-launcher.sh"
)

// Config holds tart-specific settings.
type Config struct {
	// Binary is the tart executable. Default: "tart" (resolved via PATH).
	Binary string

	// CPUs and MemoryMB are applied to each clone via "tart set".
	// Zero leaves the base image's sizing untouched.
	CPUs     int
	MemoryMB int

	// SSHUser is the guest account used for bootstrap. Default: "admin",
	// the stock account in the official tart macOS images.
	SSHUser string

	// SSHKeyPath is the private key for SSHUser. Empty relies on the
	// ambient ssh agent/config.
	SSHKeyPath string

	// AssetsDir must contain actions-runner.tar.gz and runner-launcher.sh,
	// both copied into the guest during bootstrap.
	AssetsDir string
}

// Driver manages runner VMs through the tart CLI.
type Driver struct {
	cfg    Config
	logger *slog.Logger

	// test seams, default to the real binaries
	sshBin string
	scpBin string

	mu  sync.Mutex
	vms map[string]*vm
}

// vm tracks one instance this process created.
type vm struct {
	runner driver.RunnerConfig
	ip     string

	run     *exec.Cmd // "tart run", lives for the VM's lifetime
	runDone chan struct{}

	launch *exec.Cmd // ssh session running the runner launcher
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a tart driver and verifies the environment it needs: the tart
// binary on PATH and the runner bundle plus launcher script in the assets
// directory. Failing either check is fatal to startup, matching the rule
// that a host unable to provision runners should not come up at all.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Binary == "" {
		cfg.Binary = "tart"
	}
	if cfg.SSHUser == "" {
		cfg.SSHUser = "admin"
	}

	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("tart binary %q not found: %w", cfg.Binary, err)
	}

	out, err := exec.CommandContext(ctx, cfg.Binary, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("tart --version: %w", err)
	}

	for _, asset := range []string{runnerArchive, launcherScript} {
		path := filepath.Join(cfg.AssetsDir, asset)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("required asset %s not found in %s: %w", asset, cfg.AssetsDir, err)
		}
	}

	logger.Info("tart ready",
		slog.String("version", strings.TrimSpace(string(out))),
		slog.String("assets", cfg.AssetsDir),
	)

	return &Driver{
		cfg:    cfg,
		logger: logger,
		sshBin: "ssh",
		scpBin: "scp",
		vms:    make(map[string]*vm),
	}, nil
}

// Clone creates a new VM from the base image and applies CPU/memory sizing.
// The runner configuration is stashed for Bootstrap, which delivers it to
// the guest once it is reachable.
func (d *Driver) Clone(ctx context.Context, baseImage, name string, cfg driver.RunnerConfig) error {
	if _, err := d.tart(ctx, "clone", baseImage, name); err != nil {
		return opErr("clone", name, err)
	}

	if d.cfg.CPUs > 0 || d.cfg.MemoryMB > 0 {
		args := []string{"set", name}
		if d.cfg.CPUs > 0 {
			args = append(args, "--cpu", strconv.Itoa(d.cfg.CPUs))
		}
		if d.cfg.MemoryMB > 0 {
			args = append(args, "--memory", strconv.Itoa(d.cfg.MemoryMB))
		}
		if _, err := d.tart(ctx, args...); err != nil {
			return opErr("set", name, err)
		}
	}

	d.mu.Lock()
	d.vms[name] = &vm{runner: cfg}
	d.mu.Unlock()

	d.logger.Info("vm cloned",
		slog.String("base", baseImage),
		slog.String("vm", name),
	)
	return nil
}

// Start launches "tart run" for the VM. The process is deliberately not
// bound to ctx: the VM must outlive the provisioning call and is torn down
// explicitly through Stop and Delete.
func (d *Driver) Start(_ context.Context, name string) error {
	cmd := exec.Command(d.cfg.Binary, "run", name, "--no-graphics")
	console := newLineLogger(d.logger, slog.LevelDebug, name)
	cmd.Stdout = console
	cmd.Stderr = console

	if err := cmd.Start(); err != nil {
		return opErr("run", name, err)
	}

	done := make(chan struct{})
	go func() {
		err := cmd.Wait()
		console.Flush()
		close(done)
		if err != nil {
			d.logger.Info("vm process exited",
				slog.String("vm", name),
				slog.String("error", err.Error()),
			)
			return
		}
		d.logger.Info("vm process exited", slog.String("vm", name))
	}()

	d.mu.Lock()
	entry := d.vms[name]
	if entry == nil {
		entry = &vm{}
		d.vms[name] = entry
	}
	entry.run = cmd
	entry.runDone = done
	d.mu.Unlock()

	d.logger.Info("vm started", slog.String("vm", name))
	return nil
}

// WaitForIP polls "tart ip" until the guest reports an address or the
// timeout elapses. The address is recorded for Bootstrap.
func (d *Driver) WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		out, err := d.tart(ctx, "ip", name, "--wait", "5")
		if err == nil {
			if ip := net.ParseIP(strings.TrimSpace(out)); ip != nil {
				d.mu.Lock()
				if entry := d.vms[name]; entry != nil {
					entry.ip = ip.String()
				}
				d.mu.Unlock()
				return ip.String(), nil
			}
		}

		if ctx.Err() != nil {
			return "", opErr("wait-ip", name, ctx.Err())
		}
		if time.Now().After(deadline) {
			return "", opErr("wait-ip", name, fmt.Errorf("no address after %s", timeout))
		}

		select {
		case <-ctx.Done():
			return "", opErr("wait-ip", name, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

// Bootstrap copies the runner bundle and launcher into the guest over scp,
// then starts the launcher over ssh. The ssh session runs for the lifetime
// of the runner; its output is streamed to the log so job setup problems
// are visible from the host.
func (d *Driver) Bootstrap(ctx context.Context, name string) error {
	d.mu.Lock()
	entry := d.vms[name]
	d.mu.Unlock()

	if entry == nil {
		return opErr("bootstrap", name, errors.New("unknown vm"))
	}
	if entry.ip == "" {
		return opErr("bootstrap", name, errors.New("no guest address recorded"))
	}

	target := fmt.Sprintf("%s@%s", d.cfg.SSHUser, entry.ip)
	archive := filepath.Join(d.cfg.AssetsDir, runnerArchive)
	launcher := filepath.Join(d.cfg.AssetsDir, launcherScript)

	// sshd may lag the DHCP lease by a few seconds, so the copy is retried.
	var copyErr error
	for attempt := range 3 {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return opErr("bootstrap", name, ctx.Err())
			case <-time.After(5 * time.Second):
			}
		}
		scp := exec.CommandContext(ctx, d.scpBin,
			append(d.sshOptions(), archive, launcher, target+":")...)
		out, err := scp.CombinedOutput()
		if err == nil {
			copyErr = nil
			break
		}
		copyErr = fmt.Errorf("scp: %v: %s", err, firstLine(out))
		d.logger.Warn("guest copy failed",
			slog.String("vm", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", copyErr.Error()),
		)
	}
	if copyErr != nil {
		return opErr("bootstrap", name, copyErr)
	}

	remote := fmt.Sprintf("bash %s %q %q %q %q",
		launcherScript,
		entry.runner.Token,
		entry.runner.Name,
		entry.runner.URL,
		strings.Join(entry.runner.Labels, ","),
	)

	ssh := exec.Command(d.sshBin, append(d.sshOptions(), target, remote)...)
	session := newLineLogger(d.logger, slog.LevelInfo, name)
	ssh.Stdout = session
	ssh.Stderr = session

	if err := ssh.Start(); err != nil {
		return opErr("bootstrap", name, err)
	}

	go func() {
		err := ssh.Wait()
		session.Flush()
		if err != nil {
			d.logger.Info("runner session ended",
				slog.String("vm", name),
				slog.String("error", err.Error()),
			)
			return
		}
		d.logger.Info("runner session ended", slog.String("vm", name))
	}()

	d.mu.Lock()
	entry.launch = ssh
	d.mu.Unlock()

	d.logger.Info("runner launched", slog.String("vm", name), slog.String("guest", entry.ip))
	return nil
}

// IsRunning checks the process table first and falls back to "tart list"
// for VMs this process did not start.
func (d *Driver) IsRunning(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	entry := d.vms[name]
	d.mu.Unlock()

	if entry != nil && entry.run != nil {
		select {
		case <-entry.runDone:
			return false, nil
		default:
			return true, nil
		}
	}

	names, err := d.List(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// Stop powers the VM down. Stopping a VM that is already stopped or was
// never created returns nil.
func (d *Driver) Stop(ctx context.Context, name string) error {
	if _, err := d.tart(ctx, "stop", name); err != nil {
		if benign(err) {
			return nil
		}
		return opErr("stop", name, err)
	}

	// Give our own "tart run" process a moment to observe the stop.
	d.mu.Lock()
	entry := d.vms[name]
	d.mu.Unlock()
	if entry != nil && entry.runDone != nil {
		select {
		case <-entry.runDone:
		case <-time.After(15 * time.Second):
			d.logger.Warn("vm process still alive after stop", slog.String("vm", name))
		case <-ctx.Done():
		}
	}
	return nil
}

// Delete removes the VM image. Any processes still attached to the VM are
// killed first so the image is not busy. Deleting a VM that does not exist
// returns nil.
func (d *Driver) Delete(ctx context.Context, name string) error {
	d.mu.Lock()
	entry := d.vms[name]
	delete(d.vms, name)
	d.mu.Unlock()

	if entry != nil {
		if entry.launch != nil && entry.launch.Process != nil {
			_ = entry.launch.Process.Kill()
		}
		if entry.run != nil && entry.run.Process != nil {
			select {
			case <-entry.runDone:
			default:
				_ = entry.run.Process.Kill()
				select {
				case <-entry.runDone:
				case <-time.After(10 * time.Second):
				}
			}
		}
	}

	if _, err := d.tart(ctx, "delete", name); err != nil {
		if benign(err) {
			return nil
		}
		return opErr("delete", name, err)
	}

	d.logger.Info("vm deleted", slog.String("vm", name))
	return nil
}

// List returns the names of all local VMs tart reports as running.
func (d *Driver) List(ctx context.Context) ([]string, error) {
	out, err := d.tart(ctx, "list", "--format", "json")
	if err != nil {
		return nil, opErr("list", "", err)
	}

	var entries []struct {
		Name   string `json:"name"`
		State  string `json:"state"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, opErr("list", "", fmt.Errorf("parsing tart list output: %w", err))
	}

	var running []string
	for _, e := range entries {
		if e.State == "running" {
			running = append(running, e.Name)
		}
	}
	return running, nil
}

// tart runs the CLI with the given arguments and returns its combined
// output. Errors carry the first line of output, which is where tart puts
// its diagnostics.
func (d *Driver) tart(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, d.cfg.Binary, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tart %s: %v: %s", strings.Join(args, " "), err, firstLine(out))
	}
	return string(out), nil
}

func (d *Driver) sshOptions() []string {
	opts := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		"-o", "LogLevel=ERROR",
	}
	if d.cfg.SSHKeyPath != "" {
		opts = append(opts, "-i", d.cfg.SSHKeyPath)
	}
	return opts
}

func opErr(op, name string, err error) *driver.OpError {
	return &driver.OpError{Driver: "tart", Op: op, Name: name, Err: err}
}

// benign reports whether a tart CLI failure means the VM is already in the
// state the caller wanted (stopped or gone), which keeps Stop and Delete
// idempotent.
func benign(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"does not exist",
		"not found",
		"not running",
		"already stopped",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
