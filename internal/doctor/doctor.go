// Package doctor checks that the host can run sand: required binaries on
// PATH, a working tart CLI and, when present, a valid config file.
package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/terrpan/sand/internal/config"
)

// Dependencies are the binaries sand shells out to.
var Dependencies = []string{"tart"}

// Lister runs a cheap tart command to prove the CLI works.
type Lister interface {
	List(ctx context.Context) (string, error)
}

// Doctor collects host readiness issues.
type Doctor struct {
	// ConfigPath is validated when the file exists.
	ConfigPath string
	Tart       Lister
	// Out receives progress lines.  Defaults to io.Discard.
	Out io.Writer

	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
	// ListTimeout bounds the tart smoke test.  Default: 30s.
	ListTimeout time.Duration
}

// Check runs every check and returns the issues found.
func (d *Doctor) Check(ctx context.Context) []config.Issue {
	out := d.Out
	if out == nil {
		out = io.Discard
	}
	var issues []config.Issue
	fmt.Fprintln(out, "sand doctor checks:")
	fmt.Fprintf(out, "- dependencies: %s\n", strings.Join(Dependencies, ", "))

	if missing := MissingDependencies(d.LookPath); len(missing) > 0 {
		issues = append(issues, config.Issue{
			Severity: config.SeverityError,
			Message:  fmt.Sprintf("Missing required dependencies in PATH: %s.", strings.Join(missing, ", ")),
		})
	} else {
		fmt.Fprintln(out, "- tart command health")
		issues = append(issues, d.checkTart(ctx)...)
	}

	fmt.Fprintf(out, "- config at %s\n", d.ConfigPath)
	return append(issues, d.checkConfig()...)
}

// MissingDependencies returns the Dependencies lookPath cannot find.  A
// nil lookPath uses exec.LookPath.
func MissingDependencies(lookPath func(string) (string, error)) []string {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	var missing []string
	for _, dep := range Dependencies {
		if _, err := lookPath(dep); err != nil {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (d *Doctor) checkTart(ctx context.Context) []config.Issue {
	if d.Tart == nil {
		return nil
	}
	timeout := d.ListTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := d.Tart.List(ctx); err != nil {
		return []config.Issue{{
			Severity: config.SeverityError,
			Message:  "tart command failed to run. Verify Tart is installed and working.",
		}}
	}
	return nil
}

func (d *Doctor) checkConfig() []config.Issue {
	if d.ConfigPath == "" {
		return nil
	}
	if _, err := os.Stat(d.ConfigPath); err != nil {
		return nil
	}
	cfg, err := config.Load(d.ConfigPath)
	if err != nil {
		return []config.Issue{{
			Severity: config.SeverityError,
			Message:  fmt.Sprintf("Failed to load config at %s: %v", d.ConfigPath, err),
		}}
	}
	return cfg.Issues()
}

// Report prints issues in the "- [severity] message" form and reports
// whether any of them is an error.
func Report(w io.Writer, issues []config.Issue) (hasErrors bool) {
	if len(issues) == 0 {
		fmt.Fprintln(w, "Your system is ready to run sand.")
		return false
	}
	fmt.Fprintln(w, "sand doctor found issues:")
	for _, issue := range issues {
		fmt.Fprintf(w, "- %s\n", issue)
		if issue.Severity == config.SeverityError {
			hasErrors = true
		}
	}
	return hasErrors
}
