// Package buildinfo holds version information injected at build time
// with -ldflags "-X github.com/terrpan/sand/internal/buildinfo.<Var>=<value>".
package buildinfo

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	BuildTime = "unknown"
)

// String formats the build info for `sand version`.
func String() string {
	return Version + " (commit " + Commit + ", built " + BuildTime + ")"
}
