package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/vmpool/internal/buildinfo"
	"github.com/terrpan/vmpool/internal/config"
	"github.com/terrpan/vmpool/internal/health"
	"github.com/terrpan/vmpool/internal/orchestrator"
	"github.com/terrpan/vmpool/internal/otel"
	"github.com/terrpan/vmpool/internal/supervisor"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmpool",
	Short: "Ephemeral VM pool for GitHub Actions -- one job per VM, then destroy",
	Long: `vmpool maintains a fixed-size pool of ephemeral virtual machines
registered as self-hosted GitHub Actions runners for one repository.
Every VM is cloned from a base image, runs at most one job, and is
destroyed afterwards; the freed slot is refilled with a fresh clone.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Runner pool overrides
	f.StringVar(&flagOverrides.Runner.Repository, "repository", "", "Repository the runners serve (owner/name)")
	f.StringVar(&flagOverrides.Runner.BaseImage, "base-image", "", "VM image runners are cloned from")
	f.StringVar(&flagOverrides.Runner.NamePrefix, "name-prefix", "", "Prefix for VM and runner names")
	f.IntVar(&flagOverrides.Runner.ConcurrencyLimit, "concurrency", 0, "Number of runner slots")

	// GitHub overrides
	f.Int64Var(&flagOverrides.GitHub.AppID, "app-id", 0, "GitHub App ID")
	f.Int64Var(&flagOverrides.GitHub.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.PrivateKey, "app-private-key", "", "GitHub App private key (PEM)")
	f.StringVar(&flagOverrides.GitHub.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")

	// Driver override
	f.StringVar(&flagOverrides.Driver.Type, "driver", "", "Hypervisor backend (tart, docker, gce)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	// Metrics override
	f.IntVar(&flagOverrides.Metrics.Port, "metrics-port", 0, "Port for /metrics and /healthz (0 disables the listener)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Runner.Repository != "" {
		cfg.Runner.Repository = flagOverrides.Runner.Repository
	}
	if flagOverrides.Runner.BaseImage != "" {
		cfg.Runner.BaseImage = flagOverrides.Runner.BaseImage
	}
	if flagOverrides.Runner.NamePrefix != "" {
		cfg.Runner.NamePrefix = flagOverrides.Runner.NamePrefix
	}
	if flagOverrides.Runner.ConcurrencyLimit != 0 {
		cfg.Runner.ConcurrencyLimit = flagOverrides.Runner.ConcurrencyLimit
	}
	if flagOverrides.GitHub.AppID != 0 {
		cfg.GitHub.AppID = flagOverrides.GitHub.AppID
	}
	if flagOverrides.GitHub.InstallationID != 0 {
		cfg.GitHub.InstallationID = flagOverrides.GitHub.InstallationID
	}
	if flagOverrides.GitHub.PrivateKey != "" {
		cfg.GitHub.PrivateKey = flagOverrides.GitHub.PrivateKey
	}
	if flagOverrides.GitHub.PrivateKeyPath != "" {
		cfg.GitHub.PrivateKeyPath = flagOverrides.GitHub.PrivateKeyPath
	}
	if flagOverrides.Driver.Type != "" {
		cfg.Driver.Type = flagOverrides.Driver.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.Metrics.Port != 0 {
		cfg.Metrics.Port = flagOverrides.Metrics.Port
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("repository", cfg.Runner.Repository),
		slog.String("driver", cfg.Driver.Type),
		slog.String("baseImage", cfg.Runner.BaseImage),
		slog.Int("slots", cfg.Runner.ConcurrencyLimit),
	)

	// ---------------------------------------------------------------
	// 3. Set up telemetry
	// ---------------------------------------------------------------
	otelShutdown, err := otel.Setup(ctx, "vmpool", otel.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		StdOut:      cfg.OTel.StdOut,
		MetricsPort: cfg.Metrics.Port,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Create registration client and probe credentials
	// ---------------------------------------------------------------
	regClient, err := cfg.NewRegistrationClient(logger)
	if err != nil {
		return fmt.Errorf("creating registration client: %w", err)
	}

	// Probe the credentials so a bad key shows up at startup instead of
	// as per-slot failures. Not fatal: auth can heal (clock skew, a
	// re-enabled installation) and supervisors keep retrying either way.
	if _, err := regClient.InstallationToken(ctx); err != nil {
		logger.Error("github credential check failed, supervisors will keep retrying",
			slog.String("error", err.Error()))
	} else {
		logger.Info("github credentials verified",
			slog.Int64("appID", cfg.GitHub.AppID),
			slog.Int64("installationID", cfg.GitHub.InstallationID),
		)
	}

	// ---------------------------------------------------------------
	// 5. Initialize VM driver
	// ---------------------------------------------------------------
	drv, err := cfg.NewDriver(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing %s driver: %w", cfg.Driver.Type, err)
	}
	defer func() {
		if closer, ok := drv.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("closing driver", slog.String("error", err.Error()))
			}
		}
	}()

	// ---------------------------------------------------------------
	// 6. Build the pool
	// ---------------------------------------------------------------
	hostname, err := os.Hostname()
	if err != nil {
		hostname = uuid.NewString()
		logger.Warn("could not get hostname, using uuid",
			slog.String("fallback", hostname),
			slog.String("error", err.Error()),
		)
	}
	logger.Info("pool controller starting",
		slog.String("controllerID", hostname),
		slog.String("namePrefix", cfg.Runner.NamePrefix),
		slog.String("build", buildinfo.Short()),
	)

	newSupervisor := func(slot int) orchestrator.Supervisor {
		return supervisor.New(supervisor.Config{
			Slot:       slot,
			NamePrefix: cfg.Runner.NamePrefix,
			BaseImage:  cfg.Runner.BaseImage,
			Repository: cfg.Runner.Repository,
			RepoURL:    cfg.RepoURL(),
			Labels:     cfg.BuildLabels(),

			PollInterval:  cfg.PollInterval(),
			BootTimeout:   cfg.BootTimeout(),
			IdleTimeout:   cfg.IdleTimeout(),
			DriverRetries: uint64(cfg.Runner.MaxDriverRetries),
			CleanupGrace:  cfg.ShutdownGrace(),

			Driver: drv,
			API:    regClient,
			Logger: logger.WithGroup("supervisor"),
		})
	}

	pool := orchestrator.New(orchestrator.Config{
		Slots:         cfg.Runner.ConcurrencyLimit,
		NamePrefix:    cfg.Runner.NamePrefix,
		PollInterval:  cfg.PollInterval(),
		ShutdownGrace: cfg.ShutdownGrace(),
		Driver:        drv,
		NewSupervisor: newSupervisor,
		Logger:        logger.WithGroup("orchestrator"),
	})

	// ---------------------------------------------------------------
	// 7. Optional metrics / health listener
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", health.Handler(health.Info{
			Repository:   cfg.Runner.Repository,
			Driver:       cfg.Driver.Type,
			ControllerID: hostname,
		}, pool.Status))

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("metrics listener started", slog.Int("port", cfg.Metrics.Port))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	g.Go(func() error {
		return pool.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down gracefully")
	return nil
}
