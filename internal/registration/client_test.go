package registration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/suite"
)

const (
	testAppID          = int64(4242)
	testInstallationID = int64(77)
	testRepo           = "octo/ci"
	repoPath           = "/repos/octo/ci/actions/runners"
	listPageSize       = 2
)

// --- fake GitHub API ---

type fakeRunner struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
	Labels []string
}

type fakeAPI struct {
	srv *httptest.Server
	pub *rsa.PublicKey

	mu             sync.Mutex
	instToken      string
	instExpiry     time.Time
	tokenCalls     int
	authFailTokens bool
	jwtValid       bool
	jwtIssuer      string

	regCalls   int
	failRegs   int
	forbidRegs bool
	regAuth    string

	listCalls int
	runners   []fakeRunner

	removeCalls   []int64
	removeMissing bool
}

func newFakeAPI(pub *rsa.PublicKey) *fakeAPI {
	f := &fakeAPI{
		pub:        pub,
		instToken:  "ghs_inst1",
		instExpiry: time.Now().Add(time.Hour),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("/app/installations/%d/access_tokens", testInstallationID), f.handleAccessToken)
	mux.HandleFunc(repoPath, f.handleList)
	mux.HandleFunc(repoPath+"/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/registration-token"):
			f.handleRegistrationToken(w, r)
		case r.Method == http.MethodDelete:
			f.handleRemove(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	f.srv = httptest.NewServer(mux)
	return f
}

func (f *fakeAPI) handleAccessToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return f.pub, nil
		})
		if err == nil && parsed.Valid {
			f.jwtValid = true
			f.jwtIssuer = claims.Issuer
		}
	}

	if f.authFailTokens {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
		return
	}
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"token":%q,"expires_at":%q}`, f.instToken, f.instExpiry.UTC().Format(time.RFC3339))
}

func (f *fakeAPI) handleRegistrationToken(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regCalls++
	f.regAuth = r.Header.Get("Authorization")

	if f.failRegs > 0 {
		f.failRegs--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if f.forbidRegs {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"Resource not accessible by integration"}`)
		return
	}
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"token":"AREG77TOKEN","expires_at":%q}`,
		time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
}

func (f *fakeAPI) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		page, _ = strconv.Atoi(p)
	}
	start := (page - 1) * listPageSize
	if start > len(f.runners) {
		start = len(f.runners)
	}
	end := start + listPageSize
	if end > len(f.runners) {
		end = len(f.runners)
	}

	items := make([]map[string]any, 0, end-start)
	for _, fr := range f.runners[start:end] {
		labels := make([]map[string]any, 0, len(fr.Labels))
		for i, name := range fr.Labels {
			labels = append(labels, map[string]any{"id": i + 1, "name": name, "type": "custom"})
		}
		items = append(items, map[string]any{
			"id":     fr.ID,
			"name":   fr.Name,
			"os":     "linux",
			"status": fr.Status,
			"busy":   fr.Busy,
			"labels": labels,
		})
	}

	if end < len(f.runners) {
		next := fmt.Sprintf("%s%s?page=%d", f.srv.URL, repoPath, page+1)
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, next))
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_count": len(f.runners),
		"runners":     items,
	})
}

func (f *fakeAPI) handleRemove(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, err := strconv.ParseInt(path.Base(r.URL.Path), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.removeCalls = append(f.removeCalls, id)

	if f.removeMissing {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not Found"}`)
		return
	}
	for i, fr := range f.runners {
		if fr.ID == id {
			f.runners = append(f.runners[:i], f.runners[i+1:]...)
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeAPI) seed(runners ...fakeRunner) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runners = append(f.runners, runners...)
}

func (f *fakeAPI) failNextRegistrations(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRegs = n
}

func (f *fakeAPI) forbidRegistration() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forbidRegs = true
}

func (f *fakeAPI) failTokenExchange() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFailTokens = true
}

func (f *fakeAPI) setInstallationExpiry(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instExpiry = t
}

func (f *fakeAPI) missingOnRemove() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeMissing = true
}

func (f *fakeAPI) tokenCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func (f *fakeAPI) regCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regCalls
}

func (f *fakeAPI) listCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeAPI) removedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.removeCalls...)
}

func (f *fakeAPI) jwtSeen() (valid bool, issuer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jwtValid, f.jwtIssuer
}

func (f *fakeAPI) regAuthHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regAuth
}

// --- suite ---

type RegistrationSuite struct {
	suite.Suite

	key    *rsa.PrivateKey
	keyPEM []byte
	api    *fakeAPI
	client *Client
}

func TestRegistrationSuite(t *testing.T) {
	suite.Run(t, new(RegistrationSuite))
}

func (s *RegistrationSuite) SetupSuite() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	s.key = key
	s.keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func (s *RegistrationSuite) SetupTest() {
	s.api = newFakeAPI(&s.key.PublicKey)

	client, err := New(Config{
		AppID:          testAppID,
		InstallationID: testInstallationID,
		PrivateKey:     s.keyPEM,
		APIBaseURL:     s.api.srv.URL,
		MaxRetries:     3,
		RetryInterval:  2 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)
	s.client = client
}

func (s *RegistrationSuite) TearDownTest() {
	s.api.srv.Close()
}

// --- construction ---

func (s *RegistrationSuite) TestNewRejectsBadPrivateKey() {
	_, err := New(Config{
		AppID:          testAppID,
		InstallationID: testInstallationID,
		PrivateKey:     []byte("not a pem"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Error(err)
	s.Contains(err.Error(), "private key")
}

// --- installation tokens ---

func (s *RegistrationSuite) TestInstallationTokenSignsAppJWT() {
	tok, err := s.client.InstallationToken(context.Background())
	s.Require().NoError(err)
	s.Equal("ghs_inst1", tok)

	valid, issuer := s.api.jwtSeen()
	s.True(valid, "access_tokens request should carry a JWT signed with the app key")
	s.Equal("4242", issuer)
}

func (s *RegistrationSuite) TestInstallationTokenCached() {
	ctx := context.Background()

	first, err := s.client.InstallationToken(ctx)
	s.Require().NoError(err)
	second, err := s.client.InstallationToken(ctx)
	s.Require().NoError(err)

	s.Equal(first, second)
	s.Equal(1, s.api.tokenCallCount())
}

func (s *RegistrationSuite) TestInstallationTokenRefreshedNearExpiry() {
	s.api.setInstallationExpiry(time.Now().Add(2 * time.Minute))
	ctx := context.Background()

	_, err := s.client.InstallationToken(ctx)
	s.Require().NoError(err)
	_, err = s.client.InstallationToken(ctx)
	s.Require().NoError(err)

	s.Equal(2, s.api.tokenCallCount(), "a token inside the refresh margin should be re-exchanged")
}

func (s *RegistrationSuite) TestInstallationTokenAuthFailure() {
	s.api.failTokenExchange()

	_, err := s.client.InstallationToken(context.Background())
	s.Require().Error(err)
	s.ErrorIs(err, ErrAuth)
	s.Equal(1, s.api.tokenCallCount())
}

// --- registration tokens ---

func (s *RegistrationSuite) TestCreateRegistrationToken() {
	tok, err := s.client.CreateRegistrationToken(context.Background(), testRepo)
	s.Require().NoError(err)

	s.Equal("AREG77TOKEN", tok.Token)
	s.WithinDuration(time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)
	s.Equal("token ghs_inst1", s.api.regAuthHeader())
}

func (s *RegistrationSuite) TestCreateRegistrationTokenRejectsBadRepo() {
	_, err := s.client.CreateRegistrationToken(context.Background(), "no-slash")
	s.Error(err)
	s.Contains(err.Error(), "owner/name")
}

func (s *RegistrationSuite) TestCreateRegistrationTokenRetriesServerErrors() {
	s.api.failNextRegistrations(2)

	tok, err := s.client.CreateRegistrationToken(context.Background(), testRepo)
	s.Require().NoError(err)
	s.Equal("AREG77TOKEN", tok.Token)
	s.Equal(3, s.api.regCallCount())
}

func (s *RegistrationSuite) TestCreateRegistrationTokenExhaustsRetries() {
	s.api.failNextRegistrations(10)

	_, err := s.client.CreateRegistrationToken(context.Background(), testRepo)
	s.Require().Error(err)
	s.NotErrorIs(err, ErrAuth)
	s.Equal(4, s.api.regCallCount(), "initial attempt plus three retries")
}

func (s *RegistrationSuite) TestCreateRegistrationTokenForbiddenNotRetried() {
	s.api.forbidRegistration()

	_, err := s.client.CreateRegistrationToken(context.Background(), testRepo)
	s.Require().Error(err)
	s.ErrorIs(err, ErrAuth)
	s.Equal(1, s.api.regCallCount())
}

// --- runner records ---

func (s *RegistrationSuite) TestListRunnersPaginated() {
	s.api.seed(
		fakeRunner{ID: 101, Name: "vm-a", Status: StatusOnline, Labels: []string{"self-hosted", "macos"}},
		fakeRunner{ID: 102, Name: "vm-b", Status: StatusOffline},
		fakeRunner{ID: 103, Name: "vm-c", Status: StatusOnline, Busy: true},
		fakeRunner{ID: 104, Name: "vm-d", Status: StatusOnline},
		fakeRunner{ID: 105, Name: "vm-e", Status: StatusOffline},
	)

	runners, err := s.client.ListRunners(context.Background(), testRepo)
	s.Require().NoError(err)
	s.Require().Len(runners, 5)
	s.Equal(3, s.api.listCallCount(), "five runners at two per page")

	s.Equal(int64(101), runners[0].ID)
	s.Equal([]string{"self-hosted", "macos"}, runners[0].Labels)
	s.True(runners[0].Online())
	s.False(runners[1].Online())
	s.True(runners[2].Busy)
	s.Equal("vm-e", runners[4].Name)
}

func (s *RegistrationSuite) TestListRunnersEmpty() {
	runners, err := s.client.ListRunners(context.Background(), testRepo)
	s.Require().NoError(err)
	s.Empty(runners)
}

func (s *RegistrationSuite) TestFindRunner() {
	s.api.seed(
		fakeRunner{ID: 101, Name: "vm-a", Status: StatusOnline},
		fakeRunner{ID: 102, Name: "vm-b", Status: StatusOffline},
	)

	found, err := s.client.FindRunner(context.Background(), testRepo, "vm-b")
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(int64(102), found.ID)

	missing, err := s.client.FindRunner(context.Background(), testRepo, "vm-z")
	s.Require().NoError(err)
	s.Nil(missing)
}

func (s *RegistrationSuite) TestRemoveRunner() {
	s.api.seed(
		fakeRunner{ID: 101, Name: "vm-a", Status: StatusOnline},
		fakeRunner{ID: 102, Name: "vm-b", Status: StatusOffline},
	)

	err := s.client.RemoveRunner(context.Background(), testRepo, "vm-a")
	s.Require().NoError(err)
	s.Equal([]int64{101}, s.api.removedIDs())

	remaining, err := s.client.ListRunners(context.Background(), testRepo)
	s.Require().NoError(err)
	s.Require().Len(remaining, 1)
	s.Equal("vm-b", remaining[0].Name)
}

func (s *RegistrationSuite) TestRemoveRunnerAbsentIsNoop() {
	s.api.seed(fakeRunner{ID: 101, Name: "vm-a", Status: StatusOnline})

	err := s.client.RemoveRunner(context.Background(), testRepo, "vm-ghost")
	s.Require().NoError(err)
	s.Empty(s.api.removedIDs())
}

func (s *RegistrationSuite) TestRemoveRunnerToleratesNotFoundRace() {
	s.api.seed(fakeRunner{ID: 101, Name: "vm-a", Status: StatusOnline})
	s.api.missingOnRemove()

	err := s.client.RemoveRunner(context.Background(), testRepo, "vm-a")
	s.NoError(err)
}

// --- helpers ---

func (s *RegistrationSuite) TestSplitRepo() {
	tests := []struct {
		name    string
		repo    string
		owner   string
		repoOut string
		wantErr bool
	}{
		{name: "valid", repo: "octo/ci", owner: "octo", repoOut: "ci"},
		{name: "no slash", repo: "octoci", wantErr: true},
		{name: "empty owner", repo: "/ci", wantErr: true},
		{name: "empty name", repo: "octo/", wantErr: true},
		{name: "empty", repo: "", wantErr: true},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			owner, name, err := splitRepo(tt.repo)
			if tt.wantErr {
				s.Error(err)
				return
			}
			s.Require().NoError(err)
			s.Equal(tt.owner, owner)
			s.Equal(tt.repoOut, name)
		})
	}
}

func (s *RegistrationSuite) TestRetryable() {
	httpErr := func(code int) error {
		return &github.ErrorResponse{Response: &http.Response{StatusCode: code}}
	}

	s.True(retryable(errors.New("dial tcp: connection refused")))
	s.True(retryable(httpErr(http.StatusInternalServerError)))
	s.True(retryable(httpErr(http.StatusBadGateway)))
	s.True(retryable(&github.RateLimitError{}))
	s.True(retryable(&github.AbuseRateLimitError{}))

	s.False(retryable(httpErr(http.StatusNotFound)))
	s.False(retryable(httpErr(http.StatusUnprocessableEntity)))
	s.False(retryable(fmt.Errorf("wrapped: %w", ErrAuth)))
}

func (s *RegistrationSuite) TestClassify() {
	s.NoError(classify(nil))

	forbidden := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusForbidden}}
	s.ErrorIs(classify(forbidden), ErrAuth)

	// Already classified errors pass through without double wrapping.
	once := classify(forbidden)
	s.Same(once, classify(once))

	server := &github.ErrorResponse{Response: &http.Response{StatusCode: http.StatusInternalServerError}}
	s.NotErrorIs(classify(server), ErrAuth)
}
