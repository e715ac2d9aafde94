package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/singleflight"
)

// DefaultRunnerVersion is used when neither the releases API nor the
// local cache can name a version.
const DefaultRunnerVersion = "2.331.0"

const latestReleasePath = "/repos/actions/runner/releases/latest"

// VersionResolver finds the actions/runner release to install.  The
// first successful lookup is memoised for the life of the process and
// concurrent lookups share one request.
type VersionResolver struct {
	http     *retryablehttp.Client
	baseURL  string
	cacheDir string
	logger   *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	cached string
}

// NewVersionResolver creates a resolver.  cacheDir is the host directory
// holding previously downloaded runner tarballs; it may be empty.
func NewVersionResolver(client *retryablehttp.Client, baseURL, cacheDir string, logger *slog.Logger) *VersionResolver {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = NewHTTPClient(logger)
	}
	return &VersionResolver{
		http:     client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		cacheDir: cacheDir,
		logger:   logger,
	}
}

// LatestVersion asks GitHub for the newest runner release.
func (r *VersionResolver) LatestVersion(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.cached
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	v, err, _ := r.group.Do("latest", func() (interface{}, error) {
		version, err := r.fetchLatest(ctx)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cached = version
		r.mu.Unlock()
		return version, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Resolve returns the version to install, falling back to the newest
// tarball in the cache directory and finally DefaultRunnerVersion.
func (r *VersionResolver) Resolve(ctx context.Context) string {
	version, err := r.LatestVersion(ctx)
	if err == nil {
		return version
	}
	r.logger.Warn("could not resolve latest runner version", slog.String("error", err.Error()))

	if r.cacheDir != "" {
		if cached, ok := NewestCachedVersion(r.cacheDir); ok {
			r.logger.Info("using newest cached runner version", slog.String("version", cached))
			return cached
		}
	}
	r.logger.Info("using default runner version", slog.String("version", DefaultRunnerVersion))
	return DefaultRunnerVersion
}

func (r *VersionResolver) fetchLatest(ctx context.Context) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+latestReleasePath, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch latest runner release: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading latest runner release: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HTTPError{Method: http.MethodGet, Path: latestReleasePath, Status: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		TagName string `json:"tag_name"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode latest runner release: %w", err)
	}
	if payload.TagName == "" {
		return "", fmt.Errorf("latest runner release has no tag_name")
	}
	version, ok := ParseTagName(payload.TagName)
	if !ok {
		return "", fmt.Errorf("latest runner release has invalid tag %q", payload.TagName)
	}
	return version, nil
}

// ParseTagName strips a leading "v" and accepts only dot separated
// digit groups ("v2.331.0" → "2.331.0").
func ParseTagName(tag string) (string, bool) {
	version := strings.TrimPrefix(strings.TrimSpace(tag), "v")
	if version == "" {
		return "", false
	}
	for _, part := range strings.Split(version, ".") {
		if part == "" {
			return "", false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return "", false
			}
		}
	}
	return version, true
}

// NewestCachedVersion scans dir for actions-runner-<os>-<arch>-<version>.tar.gz
// files and returns the highest version.
func NewestCachedVersion(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}

	var newest string
	var newestParts []int
	for _, e := range entries {
		version, ok := versionFromTarball(e.Name())
		if !ok {
			continue
		}
		parts := versionParts(version)
		if newestParts == nil || compareVersions(parts, newestParts) > 0 {
			newest, newestParts = version, parts
		}
	}
	return newest, newest != ""
}

// TarballName is the release asset name for a runner build.
func TarballName(goos, arch, version string) string {
	return fmt.Sprintf("actions-runner-%s-%s-%s.tar.gz", goos, arch, version)
}

func versionFromTarball(filename string) (string, bool) {
	const prefix, suffix = "actions-runner-", ".tar.gz"
	if !strings.HasPrefix(filename, prefix) || !strings.HasSuffix(filename, suffix) {
		return "", false
	}
	core := strings.TrimSuffix(strings.TrimPrefix(filename, prefix), suffix)
	i := strings.LastIndexByte(core, '-')
	if i < 0 {
		return "", false
	}
	return ParseTagName(core[i+1:])
}

func versionParts(version string) []int {
	fields := strings.Split(version, ".")
	parts := make([]int, len(fields))
	for i, f := range fields {
		parts[i], _ = strconv.Atoi(f)
	}
	return parts
}

func compareVersions(a, b []int) int {
	for i := range max(len(a), len(b)) {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}
