package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes
}

// noRetryClient fails fast so error paths do not wait on backoff.
func noRetryClient() *retryablehttp.Client {
	c := NewHTTPClient(discardLogger())
	c.RetryMax = 0
	return c
}

type staticAuth struct{ token string }

func (a staticAuth) Token(time.Time) (string, error) { return a.token, nil }

// ---------------------------------------------------------------------------
// App auth
// ---------------------------------------------------------------------------

func TestAppAuth_TokenClaims(t *testing.T) {
	key, pemBytes := testKey(t)
	path := filepath.Join(t.TempDir(), "app.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))

	auth, err := LoadAppAuth(4242, path)
	require.NoError(t, err)

	now := time.Now().Truncate(time.Second)
	signed, err := auth.Token(now)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		assert.Equal(t, jwt.SigningMethodRS256, tok.Method)
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "4242", claims.Issuer)
	assert.Equal(t, now.Add(-10*time.Second).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(60*time.Second).Unix(), claims.ExpiresAt.Unix())
}

func TestAppAuth_BadKey(t *testing.T) {
	_, err := NewAppAuth(1, []byte("not a key"))
	assert.Error(t, err)

	_, err = LoadAppAuth(1, filepath.Join(t.TempDir(), "missing.pem"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading private key")
}

// ---------------------------------------------------------------------------
// Registration token service
// ---------------------------------------------------------------------------

type ServiceSuite struct {
	suite.Suite

	mu       sync.Mutex
	requests []string
	auths    []string
	status   map[string]int
	server   *httptest.Server
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.requests = nil
	s.auths = nil
	s.status = map[string]int{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
}

func (s *ServiceSuite) TearDownTest() {
	s.server.Close()
}

func (s *ServiceSuite) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.auths = append(s.auths, r.Header.Get("Authorization"))
	status := s.status[r.URL.Path]
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"Resource not accessible by integration"}`))
		return
	}

	switch r.URL.Path {
	case "/orgs/acme/installation", "/repos/acme/app/installation":
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 77})
	case "/app/installations/77/access_tokens":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "ghs_install"})
	case "/orgs/acme/actions/runners/registration-token", "/repos/acme/app/actions/runners/registration-token":
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "AREG123"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *ServiceSuite) newService(repo string) *Service {
	return NewService(ServiceConfig{
		Auth:         staticAuth{token: "app-jwt"},
		Organization: "acme",
		Repository:   repo,
		BaseURL:      s.server.URL,
		HTTPClient:   noRetryClient(),
		Logger:       discardLogger(),
	})
}

func (s *ServiceSuite) TestOrganizationRunner() {
	token, err := s.newService("").RegistrationToken(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "AREG123", token)

	assert.Equal(s.T(), []string{
		"GET /orgs/acme/installation",
		"POST /app/installations/77/access_tokens",
		"POST /orgs/acme/actions/runners/registration-token",
	}, s.requests)
	assert.Equal(s.T(), []string{"Bearer app-jwt", "Bearer app-jwt", "Bearer ghs_install"}, s.auths)
}

func (s *ServiceSuite) TestRepositoryRunner() {
	token, err := s.newService("app").RegistrationToken(context.Background())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "AREG123", token)
	assert.Equal(s.T(), "GET /repos/acme/app/installation", s.requests[0])
	assert.Equal(s.T(), "POST /repos/acme/app/actions/runners/registration-token", s.requests[2])
}

func (s *ServiceSuite) TestHTTPErrorStopsChain() {
	s.status["/app/installations/77/access_tokens"] = http.StatusForbidden

	_, err := s.newService("").RegistrationToken(context.Background())

	var httpErr *HTTPError
	require.ErrorAs(s.T(), err, &httpErr)
	assert.Equal(s.T(), http.StatusForbidden, httpErr.Status)
	assert.Contains(s.T(), err.Error(), "Resource not accessible")
	assert.Len(s.T(), s.requests, 2)
}

func (s *ServiceSuite) TestBreakerOpensAfterRepeatedFailures() {
	s.status["/orgs/acme/installation"] = http.StatusNotFound
	svc := s.newService("")

	for range 5 {
		_, err := svc.RegistrationToken(context.Background())
		require.Error(s.T(), err)
	}
	_, err := svc.RegistrationToken(context.Background())

	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "circuit breaker is open")
	assert.Len(s.T(), s.requests, 5)
}

// ---------------------------------------------------------------------------
// Runner version
// ---------------------------------------------------------------------------

func TestParseTagName(t *testing.T) {
	tests := []struct {
		tag    string
		want   string
		wantOK bool
	}{
		{"v2.331.0", "2.331.0", true},
		{"2.330.1", "2.330.1", true},
		{" v3 ", "3", true},
		{"v", "", false},
		{"v2..0", "", false},
		{"v2.331.0-beta", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTagName(tt.tag)
		assert.Equal(t, tt.want, got, tt.tag)
		assert.Equal(t, tt.wantOK, ok, tt.tag)
	}
}

func TestNewestCachedVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		TarballName("osx", "arm64", "2.329.0"),
		TarballName("osx", "arm64", "2.331.0"),
		TarballName("linux", "x64", "2.330.9"),
		"actions-runner-osx-arm64-latest.tar.gz",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	version, ok := NewestCachedVersion(dir)
	assert.True(t, ok)
	assert.Equal(t, "2.331.0", version)

	_, ok = NewestCachedVersion(t.TempDir())
	assert.False(t, ok)
	_, ok = NewestCachedVersion(filepath.Join(dir, "missing"))
	assert.False(t, ok)
}

func TestVersionResolver_LatestIsMemoised(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, latestReleasePath, r.URL.Path)
		_, _ = w.Write([]byte(`{"tag_name":"v2.332.0"}`))
	}))
	defer server.Close()

	r := NewVersionResolver(noRetryClient(), server.URL, "", discardLogger())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "2.332.0", r.Resolve(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, "2.332.0", r.Resolve(context.Background()))
	assert.LessOrEqual(t, hits.Load(), int32(8))
	hitsAfter := hits.Load()

	assert.Equal(t, "2.332.0", r.Resolve(context.Background()))
	assert.Equal(t, hitsAfter, hits.Load())
}

func TestVersionResolver_FallsBackToCacheThenDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cache, TarballName("osx", "arm64", "2.320.0")), nil, 0o644))

	withCache := NewVersionResolver(noRetryClient(), server.URL, cache, discardLogger())
	assert.Equal(t, "2.320.0", withCache.Resolve(context.Background()))

	without := NewVersionResolver(noRetryClient(), server.URL, "", discardLogger())
	assert.Equal(t, DefaultRunnerVersion, without.Resolve(context.Background()))
}

func TestVersionResolver_InvalidTag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"nightly"}`))
	}))
	defer server.Close()

	_, err := NewVersionResolver(noRetryClient(), server.URL, "", discardLogger()).LatestVersion(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tag")
}

// ---------------------------------------------------------------------------
// Guest scripts
// ---------------------------------------------------------------------------

func TestRunnerURLAndLabels(t *testing.T) {
	assert.Equal(t, "https://github.com/acme", RunnerURL("acme", ""))
	assert.Equal(t, "https://github.com/acme/app", RunnerURL("acme", "app"))
	assert.Equal(t, "sand", Labels(nil))
	assert.Equal(t, "sand,xcode-16,arm64", Labels([]string{"xcode-16", "arm64"}))
}

func TestInstallScript(t *testing.T) {
	plain := InstallScript("2.331.0", "")
	assert.Contains(t, plain, "runner_version=2.331.0")
	assert.Contains(t, plain, `curl -fsSL -o ./actions-runner.tar.gz "${runner_url}"`)
	assert.NotContains(t, plain, "cache_dir")

	cached := InstallScript("2.331.0", "/Volumes/My Shared Files/runner-cache")
	assert.Contains(t, cached, `cache_dir="/Volumes/My Shared Files/runner-cache"`)
	assert.Contains(t, cached, `cp "${cache_dir}/${runner_file}" ./actions-runner.tar.gz`)
	assert.Contains(t, cached, "tar xzf ./actions-runner.tar.gz -C ~/actions-runner")
}

func TestConfigureScript(t *testing.T) {
	script := ConfigureScript(RunnerConfig{
		Organization: "acme",
		Repository:   "app",
		RunnerName:   "sand-ci-1",
		ExtraLabels:  []string{"xcode-16"},
	}, "AREG123")
	assert.Equal(t,
		"~/actions-runner/config.sh --url https://github.com/acme/app --name sand-ci-1 --token AREG123 --ephemeral --unattended --replace --labels sand,xcode-16",
		script)
	assert.Equal(t, "~/actions-runner/run.sh", RunScript())
}

func TestHTTPError(t *testing.T) {
	err := error(&HTTPError{Method: "GET", Path: "/x", Status: 404, Body: "nope\n"})
	assert.Equal(t, "github GET /x: status 404: nope", err.Error())
	var target *HTTPError
	assert.True(t, errors.As(err, &target))
}
