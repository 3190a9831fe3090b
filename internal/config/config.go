// Package config handles loading, validating, and applying
// configuration for the runner pool daemon.  Configuration is read from
// a YAML file and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/vmpool/internal/driver"
	"github.com/terrpan/vmpool/internal/driver/docker"
	"github.com/terrpan/vmpool/internal/driver/gce"
	"github.com/terrpan/vmpool/internal/driver/tart"
	"github.com/terrpan/vmpool/internal/registration"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Runner  RunnerConfig  `yaml:"runner"`
	GitHub  GitHubConfig  `yaml:"github"`
	Driver  DriverConfig  `yaml:"driver"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// Runner pool
// ---------------------------------------------------------------------------

// RunnerConfig describes the pool of ephemeral runners to maintain.
type RunnerConfig struct {
	// BaseImage is the name of the VM image every runner is cloned from.
	// It must already exist in the hypervisor's local image store.
	BaseImage string `yaml:"base_image_name"`

	// Repository is the owner/name the runners register against.
	Repository string `yaml:"repository"`

	// NamePrefix scopes VM names; reconciliation only touches VMs whose
	// names start with it.  Default: "vmpool".
	NamePrefix string `yaml:"name_prefix"`

	// Labels are applied to every runner.  Default: ["self-hosted"].
	Labels []string `yaml:"labels"`

	// ConcurrencyLimit is the number of runner slots (required).
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// PollIntervalSeconds paces both the orchestrator tick and the
	// supervisors' status polls.  Default: 5.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// IdleTimeoutSeconds recycles a registered runner that never picks up
	// a job.  Default: 300.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// BootTimeoutSeconds bounds clone-to-online; a VM whose runner is not
	// online by then is destroyed.  Default: 300.
	BootTimeoutSeconds int `yaml:"boot_timeout_seconds"`

	// ShutdownGraceSeconds bounds the drain on shutdown.  Default: 30.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	// MaxDriverRetries bounds clone/start retries per attempt.  Default: 3.
	MaxDriverRetries int `yaml:"max_driver_retries"`
}

// ---------------------------------------------------------------------------
// GitHub / auth
// ---------------------------------------------------------------------------

// GitHubConfig holds the GitHub App credentials and endpoints.
type GitHubConfig struct {
	// AppID and InstallationID identify the GitHub App installation with
	// repository administration permission.
	AppID          int64 `yaml:"app_id"`
	InstallationID int64 `yaml:"installation_id"`

	// PrivateKeyPath points at the App's PEM key file.
	PrivateKeyPath string `yaml:"private_key_path"`
	// PrivateKey can be set directly (e.g. via CLI flag).  If both
	// PrivateKeyPath and PrivateKey are set, PrivateKey wins.
	PrivateKey string `yaml:"private_key"`

	// APIURL overrides the REST API endpoint for GHES.  Default: public
	// GitHub.
	APIURL string `yaml:"api_url"`

	// ServerURL is the base the runner registration URL is built from.
	// Default: "https://github.com".
	ServerURL string `yaml:"server_url"`
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// DriverConfig selects and configures the hypervisor backend.
type DriverConfig struct {
	// Type selects the backend: "tart", "docker" or "gce".
	Type string `yaml:"type"`

	// Tart holds tart-specific settings.  Only read when Type == "tart".
	Tart TartDriverConfig `yaml:"tart"`

	// Docker holds Docker-specific settings.  Only read when Type == "docker".
	Docker DockerDriverConfig `yaml:"docker"`

	// GCE holds Compute Engine settings.  Only read when Type == "gce".
	GCE GCEDriverConfig `yaml:"gce"`
}

// TartDriverConfig configures the tart CLI backend.
type TartDriverConfig struct {
	// Binary is the tart executable.  Default: "tart" (resolved via PATH).
	Binary string `yaml:"binary"`

	// CPUs and MemoryMB size each clone.  Zero keeps the base image's
	// sizing.
	CPUs     int `yaml:"cpus"`
	MemoryMB int `yaml:"memory_mb"`

	// SSHUser is the guest account used for bootstrap.  Default: "admin".
	SSHUser string `yaml:"ssh_user"`

	// SSHKeyPath is the private key for SSHUser (required for tart).
	SSHKeyPath string `yaml:"ssh_key_path"`

	// AssetsDir must contain the runner bundle and launcher script
	// (required for tart).
	AssetsDir string `yaml:"assets_dir"`
}

// DockerDriverConfig configures the container backend.
type DockerDriverConfig struct {
	// Dind enables Docker-in-Docker by bind-mounting the host's Docker
	// socket into each runner container.
	Dind bool `yaml:"dind"`
}

// GCEDriverConfig configures the Compute Engine backend.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCEDriverConfig struct {
	// Project is the GCP project ID (required when driver.type == "gce").
	Project string `yaml:"project"`

	// Zone is the GCP zone for runner VMs (required).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).  If empty, the default
	// subnet for the zone is used.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether runner VMs get an external IP address.
	// Default: true.  Use a *bool so we can distinguish "not set"
	// (nil -> default true) from "explicitly set to false".
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).
	ServiceAccount string `yaml:"service_account"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OpenTelemetry is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	// Default: "" (uses OTEL env vars).
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).  Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Metrics / health listener
// ---------------------------------------------------------------------------

// MetricsConfig controls the optional local HTTP listener.
type MetricsConfig struct {
	// Port serves /metrics and /healthz when non-zero.  Default: 0, no
	// listening surface at all.
	Port int `yaml:"port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Runner.NamePrefix == "" {
		c.Runner.NamePrefix = "vmpool"
	}
	if c.Runner.PollIntervalSeconds == 0 {
		c.Runner.PollIntervalSeconds = 5
	}
	if c.Runner.IdleTimeoutSeconds == 0 {
		c.Runner.IdleTimeoutSeconds = 300
	}
	if c.Runner.BootTimeoutSeconds == 0 {
		c.Runner.BootTimeoutSeconds = 300
	}
	if c.Runner.ShutdownGraceSeconds == 0 {
		c.Runner.ShutdownGraceSeconds = 30
	}
	if c.Runner.MaxDriverRetries == 0 {
		c.Runner.MaxDriverRetries = 3
	}
	if c.GitHub.ServerURL == "" {
		c.GitHub.ServerURL = "https://github.com"
	}
	if c.Driver.Type == "" {
		c.Driver.Type = "tart"
	}
	if c.Driver.Tart.Binary == "" {
		c.Driver.Tart.Binary = "tart"
	}
	if c.Driver.Tart.CPUs == 0 {
		c.Driver.Tart.CPUs = 4
	}
	if c.Driver.Tart.MemoryMB == 0 {
		c.Driver.Tart.MemoryMB = 8192
	}
	if c.Driver.Tart.SSHUser == "" {
		c.Driver.Tart.SSHUser = "admin"
	}
	if c.Driver.GCE.MachineType == "" {
		c.Driver.GCE.MachineType = "e2-medium"
	}
	if c.Driver.GCE.DiskSizeGB == 0 {
		c.Driver.GCE.DiskSizeGB = 50
	}
	if c.Driver.GCE.PublicIP == nil {
		t := true
		c.Driver.GCE.PublicIP = &t
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	// OTel defaults: disabled by default, insecure=true for local dev
	if !c.OTel.Enabled {
		if !c.OTel.Insecure && c.OTel.Endpoint == "" {
			c.OTel.Insecure = true
		}
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Runner.BaseImage == "" {
		return fmt.Errorf("runner.base_image_name is required")
	}
	if err := validateRepository(c.Runner.Repository); err != nil {
		return err
	}
	if c.Runner.ConcurrencyLimit <= 0 {
		return fmt.Errorf("runner.concurrency_limit must be a positive integer, got %d", c.Runner.ConcurrencyLimit)
	}
	for i, l := range c.Runner.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("runner.labels[%d] is empty", i)
		}
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	if _, err := url.ParseRequestURI(c.GitHub.ServerURL); err != nil {
		return fmt.Errorf("github.server_url: invalid URL %q: %w", c.GitHub.ServerURL, err)
	}
	if c.GitHub.APIURL != "" {
		if _, err := url.ParseRequestURI(c.GitHub.APIURL); err != nil {
			return fmt.Errorf("github.api_url: invalid URL %q: %w", c.GitHub.APIURL, err)
		}
	}

	switch c.Driver.Type {
	case "tart":
		if c.Driver.Tart.AssetsDir == "" {
			return fmt.Errorf("driver.tart.assets_dir is required when driver.type is \"tart\"")
		}
		if c.Driver.Tart.SSHKeyPath == "" {
			return fmt.Errorf("driver.tart.ssh_key_path is required when driver.type is \"tart\"")
		}
	case "docker":
		// OK
	case "gce":
		if c.Driver.GCE.Project == "" {
			return fmt.Errorf("driver.gce.project is required when driver.type is \"gce\"")
		}
		if c.Driver.GCE.Zone == "" {
			return fmt.Errorf("driver.gce.zone is required when driver.type is \"gce\"")
		}
	default:
		return fmt.Errorf("driver.type %q is not supported (supported: tart, docker, gce)", c.Driver.Type)
	}

	return nil
}

func validateRepository(repo string) error {
	if repo == "" {
		return fmt.Errorf("runner.repository is required")
	}
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("runner.repository %q must be owner/name", repo)
	}
	return nil
}

func (c *Config) validateAuth() error {
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.InstallationID == 0 {
		return fmt.Errorf("github.installation_id is required")
	}
	if c.GitHub.PrivateKey == "" && c.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key or github.private_key_path is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// PollInterval returns runner.poll_interval_seconds as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Runner.PollIntervalSeconds) * time.Second
}

// IdleTimeout returns runner.idle_timeout_seconds as a Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Runner.IdleTimeoutSeconds) * time.Second
}

// BootTimeout returns runner.boot_timeout_seconds as a Duration.
func (c *Config) BootTimeout() time.Duration {
	return time.Duration(c.Runner.BootTimeoutSeconds) * time.Second
}

// ShutdownGrace returns runner.shutdown_grace_seconds as a Duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Runner.ShutdownGraceSeconds) * time.Second
}

// RepoURL is the URL runners register against, built from server_url and
// the repository.
func (c *Config) RepoURL() string {
	return strings.TrimSuffix(c.GitHub.ServerURL, "/") + "/" + c.Runner.Repository
}

// BuildLabels returns the trimmed runner labels, defaulting to
// ["self-hosted"] when none are configured.
func (c *Config) BuildLabels() []string {
	if len(c.Runner.Labels) == 0 {
		return []string{"self-hosted"}
	}
	labels := make([]string, len(c.Runner.Labels))
	for i, name := range c.Runner.Labels {
		labels[i] = strings.TrimSpace(name)
	}
	return labels
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDriver creates the hypervisor backend selected by driver.type.
func (c *Config) NewDriver(ctx context.Context, logger *slog.Logger) (driver.Driver, error) {
	switch c.Driver.Type {
	case "tart":
		return tart.New(ctx, tart.Config{
			Binary:     c.Driver.Tart.Binary,
			CPUs:       c.Driver.Tart.CPUs,
			MemoryMB:   c.Driver.Tart.MemoryMB,
			SSHUser:    c.Driver.Tart.SSHUser,
			SSHKeyPath: c.Driver.Tart.SSHKeyPath,
			AssetsDir:  c.Driver.Tart.AssetsDir,
		}, logger.WithGroup("driver.tart"))
	case "docker":
		return docker.New(ctx, docker.Config{
			Dind: c.Driver.Docker.Dind,
		}, logger.WithGroup("driver.docker"))
	case "gce":
		return gce.New(ctx, gce.Config{
			Project:        c.Driver.GCE.Project,
			Zone:           c.Driver.GCE.Zone,
			MachineType:    c.Driver.GCE.MachineType,
			DiskSizeGB:     c.Driver.GCE.DiskSizeGB,
			Network:        c.Driver.GCE.Network,
			Subnet:         c.Driver.GCE.Subnet,
			PublicIP:       *c.Driver.GCE.PublicIP,
			ServiceAccount: c.Driver.GCE.ServiceAccount,
		}, logger.WithGroup("driver.gce"))
	default:
		return nil, fmt.Errorf("unsupported driver type: %s", c.Driver.Type)
	}
}

// NewRegistrationClient creates the GitHub App client from the configured
// credentials.
func (c *Config) NewRegistrationClient(logger *slog.Logger) (*registration.Client, error) {
	if err := c.resolvePrivateKey(); err != nil {
		return nil, err
	}

	return registration.New(registration.Config{
		AppID:          c.GitHub.AppID,
		InstallationID: c.GitHub.InstallationID,
		PrivateKey:     []byte(c.GitHub.PrivateKey),
		APIBaseURL:     c.GitHub.APIURL,
	}, logger.WithGroup("registration"))
}

// resolvePrivateKey reads the private key from PrivateKeyPath if
// PrivateKey is not already set.
func (c *Config) resolvePrivateKey() error {
	if c.GitHub.PrivateKey != "" || c.GitHub.PrivateKeyPath == "" {
		return nil
	}
	data, err := os.ReadFile(c.GitHub.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key from %s: %w", c.GitHub.PrivateKeyPath, err)
	}
	c.GitHub.PrivateKey = string(data)
	return nil
}
