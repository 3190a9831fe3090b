// Package registration talks to the GitHub REST API on behalf of the
// orchestrator: it authenticates as a GitHub App, exchanges installation
// tokens, mints per-VM runner registration tokens and manages the
// repository's self-hosted runner records.
//
// Transient API failures (network errors, 5xx, rate limits) are retried
// with exponential backoff inside the client, so callers see either
// success or an error that retrying would not fix. Authentication
// failures map to ErrAuth and are never retried.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v57/github"
)

// ErrAuth marks credential problems (bad key, revoked installation,
// insufficient permissions). Retrying cannot help; the caller decides how
// loudly to fail.
var ErrAuth = errors.New("github authentication failed")

const (
	// StatusOnline is the runner status once the guest agent has connected.
	StatusOnline = "online"
	// StatusOffline is the runner status when the agent is not connected.
	StatusOffline = "offline"

	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
	httpTimeout          = 30 * time.Second
)

// RegistrationToken is a short-lived credential that lets one runner
// register against one repository. It is minted immediately before a VM is
// cloned and never persisted.
type RegistrationToken struct {
	Token     string
	ExpiresAt time.Time
}

// Runner is the orchestrator's view of a repository runner record.
type Runner struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
	Labels []string
}

// Online reports whether the runner's agent is connected.
func (r Runner) Online() bool { return r.Status == StatusOnline }

// Config holds the GitHub App identity and client tuning.
type Config struct {
	// AppID and InstallationID identify the GitHub App installation
	// authorized for the target repository.
	AppID          int64
	InstallationID int64

	// PrivateKey is the App's RSA signing key in PEM form.
	PrivateKey []byte

	// APIBaseURL overrides the API endpoint (GHES or tests). Empty means
	// the public GitHub API. For GHES pass the full prefix, e.g.
	// "https://ghes.example.com/api/v3".
	APIBaseURL string

	// MaxRetries bounds retry attempts for transient failures.
	// Default: 3.
	MaxRetries uint64

	// RetryInterval is the initial backoff interval. Default: 500ms.
	RetryInterval time.Duration
}

// Client is a repository-scoped GitHub Actions runner administration
// client.
type Client struct {
	gh     *github.Client
	tokens *appTokenSource
	logger *slog.Logger

	maxRetries    uint64
	retryInterval time.Duration
}

// New builds a Client from the App credentials. Two HTTP identities are
// wired up: a JWT transport for the /app/* endpoints and an
// installation-token transport for everything else.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = defaultRetryInterval
	}

	appHTTP := &http.Client{
		Timeout: httpTimeout,
		Transport: &jwtTransport{
			appID: cfg.AppID,
			key:   key,
			base:  http.DefaultTransport,
		},
	}
	appGH := github.NewClient(appHTTP)
	if err := setBaseURL(appGH, cfg.APIBaseURL); err != nil {
		return nil, err
	}

	tokens := &appTokenSource{
		installationID: cfg.InstallationID,
		apps:           appGH.Apps,
		logger:         logger,
	}

	instHTTP := &http.Client{
		Timeout: httpTimeout,
		Transport: &tokenTransport{
			source: tokens,
			base:   http.DefaultTransport,
		},
	}
	gh := github.NewClient(instHTTP)
	if err := setBaseURL(gh, cfg.APIBaseURL); err != nil {
		return nil, err
	}

	return &Client{
		gh:            gh,
		tokens:        tokens,
		logger:        logger,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
	}, nil
}

// InstallationToken returns a valid installation token, refreshing the
// cached one when it nears expiry. Exposed for health/debug surfaces; the
// transports use the same source internally.
func (c *Client) InstallationToken(ctx context.Context) (string, error) {
	return c.tokens.Token(ctx)
}

// CreateRegistrationToken mints a fresh runner registration token scoped
// to the repository. Every VM gets its own token.
func (c *Client) CreateRegistrationToken(ctx context.Context, repo string) (*RegistrationToken, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var out *RegistrationToken
	err = c.withRetry(ctx, "create_registration_token", func() error {
		tok, _, err := c.gh.Actions.CreateRegistrationToken(ctx, owner, name)
		if err != nil {
			return err
		}
		out = &RegistrationToken{
			Token:     tok.GetToken(),
			ExpiresAt: tok.GetExpiresAt().Time,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registration token for %s: %w", repo, err)
	}

	c.logger.Debug("registration token issued",
		slog.String("repo", repo),
		slog.Time("expires_at", out.ExpiresAt),
	)
	return out, nil
}

// ListRunners returns every self-hosted runner registered to the
// repository, following pagination.
func (c *Client) ListRunners(ctx context.Context, repo string) ([]Runner, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}
	var all []Runner
	for {
		var (
			page *github.Runners
			resp *github.Response
		)
		err := c.withRetry(ctx, "list_runners", func() error {
			var err error
			page, resp, err = c.gh.Actions.ListRunners(ctx, owner, name, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("listing runners for %s: %w", repo, err)
		}

		for _, r := range page.Runners {
			all = append(all, fromAPI(r))
		}
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// FindRunner returns the runner registered under the given name, or nil
// when no such record exists.
func (c *Client) FindRunner(ctx context.Context, repo, runnerName string) (*Runner, error) {
	runners, err := c.ListRunners(ctx, repo)
	if err != nil {
		return nil, err
	}
	for i := range runners {
		if runners[i].Name == runnerName {
			return &runners[i], nil
		}
	}
	return nil, nil
}

// RemoveRunner deregisters the runner by name. A runner that is already
// gone (never registered, or auto-removed after its ephemeral job) is not
// an error: the record being absent is the desired outcome.
func (c *Client) RemoveRunner(ctx context.Context, repo, runnerName string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	runner, err := c.FindRunner(ctx, repo, runnerName)
	if err != nil {
		return err
	}
	if runner == nil {
		c.logger.Debug("runner already deregistered",
			slog.String("repo", repo),
			slog.String("runner", runnerName),
		)
		return nil
	}

	err = c.withRetry(ctx, "remove_runner", func() error {
		_, err := c.gh.Actions.RemoveRunner(ctx, owner, name, runner.ID)
		if isNotFound(err) {
			// Raced with the runner's own deregistration.
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("removing runner %s from %s: %w", runnerName, repo, err)
	}

	c.logger.Info("runner deregistered",
		slog.String("repo", repo),
		slog.String("runner", runnerName),
		slog.Int64("runner_id", runner.ID),
	)
	return nil
}

// withRetry runs fn with bounded exponential backoff. Permanent failures
// (auth, other 4xx) propagate immediately; everything else is assumed
// transient.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := classify(fn())
		if err == nil {
			return nil
		}
		if !retryable(err) {
			if errors.Is(err, ErrAuth) {
				// A revoked credential will not heal, but dropping the
				// cached token lets a restored one take effect without a
				// process restart.
				c.tokens.invalidate()
			}
			return backoff.Permanent(err)
		}
		c.logger.Warn("github api call failed",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx))
}

// classify maps credential problems onto ErrAuth and passes everything
// else through unchanged. Idempotent, so already-classified errors from
// the token source are not re-wrapped.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrAuth) {
		return err
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}
	return err
}

// retryable reports whether another attempt could plausibly succeed.
func retryable(err error) bool {
	if errors.Is(err, ErrAuth) {
		return false
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode >= 500
	}

	// Network-level failures (connection refused, timeouts, EOF).
	return true
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) &&
		ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusNotFound
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return owner, name, nil
}

func fromAPI(r *github.Runner) Runner {
	labels := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		labels = append(labels, l.GetName())
	}
	return Runner{
		ID:     r.GetID(),
		Name:   r.GetName(),
		Status: r.GetStatus(),
		Busy:   r.GetBusy(),
		Labels: labels,
	}
}

// setBaseURL points the client at an alternate API root, normalizing the
// trailing slash go-github requires.
func setBaseURL(gh *github.Client, base string) error {
	if base == "" {
		return nil
	}
	u, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return fmt.Errorf("parsing api base url: %w", err)
	}
	gh.BaseURL = u
	return nil
}
