package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
)

// DefaultBaseURL is the public GitHub REST endpoint.
const DefaultBaseURL = "https://api.github.com"

const userAgent = "sand"

// HTTPError is returned for non-2xx API responses.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("github %s %s: status %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Auth         Authenticator
	Organization string
	// Repository scopes the runner to one repository.  Empty registers
	// an organization runner.
	Repository string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient defaults to NewHTTPClient(Logger).
	HTTPClient *retryablehttp.Client
	Logger     *slog.Logger
}

// Service obtains runner registration tokens.  Calls go through a circuit
// breaker so a GitHub outage does not get hammered by every runner at
// once.
type Service struct {
	auth    Authenticator
	org     string
	repo    string
	baseURL string
	http    *retryablehttp.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewHTTPClient returns a retrying client that logs through logger.
func NewHTTPClient(logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = logger
	return c
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(cfg.Logger)
	}

	logger := cfg.Logger
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "github",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})

	return &Service{
		auth:    cfg.Auth,
		org:     cfg.Organization,
		repo:    cfg.Repository,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

// RegistrationToken walks the app → installation → access token →
// registration token chain.
func (s *Service) RegistrationToken(ctx context.Context) (string, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.registrationToken(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("runner registration token: %w", err)
	}
	return out.(string), nil
}

func (s *Service) registrationToken(ctx context.Context) (string, error) {
	appJWT, err := s.auth.Token(s.now())
	if err != nil {
		return "", err
	}

	var inst struct {
		ID int64 `json:"id"`
	}
	if err := s.do(ctx, http.MethodGet, s.installationPath(), appJWT, &inst); err != nil {
		return "", err
	}

	var access struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/app/installations/%d/access_tokens", inst.ID)
	if err := s.do(ctx, http.MethodPost, path, appJWT, &access); err != nil {
		return "", err
	}

	var reg struct {
		Token string `json:"token"`
	}
	if err := s.do(ctx, http.MethodPost, s.registrationTokenPath(), access.Token, &reg); err != nil {
		return "", err
	}
	if reg.Token == "" {
		return "", fmt.Errorf("github returned an empty registration token")
	}

	s.logger.Debug("runner registration token obtained", slog.Int64("installationID", inst.ID))
	return reg.Token, nil
}

func (s *Service) do(ctx context.Context, method, path, token string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("github %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading github response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Method: method, Path: path, Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode github response %s: %w", path, err)
	}
	return nil
}

func (s *Service) installationPath() string {
	if s.repo != "" {
		return fmt.Sprintf("/repos/%s/%s/installation", s.org, s.repo)
	}
	return fmt.Sprintf("/orgs/%s/installation", s.org)
}

func (s *Service) registrationTokenPath() string {
	if s.repo != "" {
		return fmt.Sprintf("/repos/%s/%s/actions/runners/registration-token", s.org, s.repo)
	}
	return fmt.Sprintf("/orgs/%s/actions/runners/registration-token", s.org)
}
