package github

import (
	"fmt"
	"strings"
)

// RunnerConfig describes the runner to register.
type RunnerConfig struct {
	Organization string
	Repository   string
	RunnerName   string
	ExtraLabels  []string
}

// DefaultLabel is always attached to registered runners.
const DefaultLabel = "sand"

// RunnerURL is the registration URL passed to config.sh.
func RunnerURL(organization, repository string) string {
	if repository != "" {
		return fmt.Sprintf("https://github.com/%s/%s", organization, repository)
	}
	return fmt.Sprintf("https://github.com/%s", organization)
}

// Labels returns the comma separated label list.
func Labels(extra []string) string {
	labels := append([]string{DefaultLabel}, extra...)
	return strings.Join(labels, ",")
}

// InstallScript downloads the runner tarball for the guest's OS and
// architecture and unpacks it into ~/actions-runner.  When guestCacheDir
// is set the tarball is copied from there if present, and saved there
// after a download.
func InstallScript(version, guestCacheDir string) string {
	var b strings.Builder
	b.WriteString("set -eu\n")
	b.WriteString(`case "$(uname -s)" in Darwin) runner_os=osx ;; *) runner_os=linux ;; esac` + "\n")
	b.WriteString(`case "$(uname -m)" in arm64|aarch64) runner_arch=arm64 ;; *) runner_arch=x64 ;; esac` + "\n")
	fmt.Fprintf(&b, "runner_version=%s\n", version)
	b.WriteString(`runner_file="actions-runner-${runner_os}-${runner_arch}-${runner_version}.tar.gz"` + "\n")
	b.WriteString(`runner_url="https://github.com/actions/runner/releases/download/v${runner_version}/${runner_file}"` + "\n")
	b.WriteString("cd ~\n")
	if guestCacheDir != "" {
		fmt.Fprintf(&b, "cache_dir=%q\n", guestCacheDir)
		b.WriteString(`if [ -f "${cache_dir}/${runner_file}" ]; then` + "\n")
		b.WriteString(`  cp "${cache_dir}/${runner_file}" ./actions-runner.tar.gz` + "\n")
		b.WriteString("else\n")
		b.WriteString(`  curl -fsSL -o ./actions-runner.tar.gz "${runner_url}"` + "\n")
		b.WriteString(`  cp ./actions-runner.tar.gz "${cache_dir}/${runner_file}" || true` + "\n")
		b.WriteString("fi\n")
	} else {
		b.WriteString(`curl -fsSL -o ./actions-runner.tar.gz "${runner_url}"` + "\n")
	}
	b.WriteString("rm -rf ~/actions-runner && mkdir ~/actions-runner\n")
	b.WriteString("tar xzf ./actions-runner.tar.gz -C ~/actions-runner\n")
	return b.String()
}

// ConfigureScript registers the runner as an ephemeral runner.
func ConfigureScript(cfg RunnerConfig, token string) string {
	return fmt.Sprintf(
		"~/actions-runner/config.sh --url %s --name %s --token %s --ephemeral --unattended --replace --labels %s",
		RunnerURL(cfg.Organization, cfg.Repository),
		cfg.RunnerName,
		token,
		Labels(cfg.ExtraLabels),
	)
}

// RunScript starts the runner in the foreground.  It returns only when
// the runner process exits.
func RunScript() string {
	return "~/actions-runner/run.sh"
}
