package registration

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v57/github"
)

// refreshMargin is how long before expiry an installation token is
// considered stale. GitHub issues installation tokens with a one hour
// lifetime; refreshing five minutes early keeps in-flight requests clear
// of the boundary.
const refreshMargin = 5 * time.Minute

// appJWT signs a short-lived JWT for GitHub App authentication. Claims
// follow the App auth contract: issued 30 seconds in the past to absorb
// clock skew, valid for ten minutes, issuer is the numeric app ID.
func appJWT(appID int64, key *rsa.PrivateKey, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return signed, nil
}

// jwtTransport authenticates requests as the GitHub App itself. Only the
// /app/* endpoints accept this identity; everything else wants an
// installation token.
type jwtTransport struct {
	appID int64
	key   *rsa.PrivateKey
	base  http.RoundTripper
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := appJWT(t.appID, t.key, time.Now())
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// appTokenSource exchanges the app identity for installation tokens and
// caches them until shortly before expiry. Tokens are never logged or
// persisted.
type appTokenSource struct {
	installationID int64
	apps           *github.AppsService
	logger         *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Token returns a valid installation token, refreshing it when the cached
// one is inside the refresh margin.
func (s *appTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiresAt) > refreshMargin {
		return s.token, nil
	}

	tok, _, err := s.apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return "", classify(fmt.Errorf("creating installation token: %w", err))
	}

	s.token = tok.GetToken()
	s.expiresAt = tok.GetExpiresAt().Time
	s.logger.Debug("installation token refreshed",
		slog.Int64("installation_id", s.installationID),
		slog.Time("expires_at", s.expiresAt),
	)
	return s.token, nil
}

// invalidate drops the cached token so the next call fetches a fresh one.
func (s *appTokenSource) invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}

// tokenTransport authenticates requests with the cached installation token.
type tokenTransport struct {
	source *appTokenSource
	base   http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token(req.Context())
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "token "+token)
	return t.base.RoundTrip(clone)
}
