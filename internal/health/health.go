// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/sand/internal/buildinfo"
	"github.com/terrpan/sand/internal/orchestrator"
)

// StatusFunc returns the current status of every runner.
type StatusFunc func() []orchestrator.Status

// Response represents the health check response body.
type Response struct {
	Status       string                `json:"status"`
	ServiceName  string                `json:"service_name"`
	Version      string                `json:"version"`
	Commit       string                `json:"commit"`
	BuildTime    string                `json:"build_time"`
	GoVersion    string                `json:"go_version"`
	OS           string                `json:"os"`
	Architecture string                `json:"architecture"`
	Runners      []orchestrator.Status `json:"runners"`
	Timestamp    time.Time             `json:"timestamp"`
}

// Handler responds to health check requests with build info and a
// snapshot of every runner.  The status is "healthy" (200 OK) while at
// least one runner is still cycling, "stopped" (503) once all of them
// have exited.
func Handler(statuses StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runners := []orchestrator.Status{}
		if statuses != nil {
			runners = append(runners, statuses()...)
		}

		status, code := "healthy", http.StatusOK
		if len(runners) > 0 && allStopped(runners) {
			status, code = "stopped", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		response := Response{
			Status:       status,
			ServiceName:  "sand",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Runners:      runners,
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}

func allStopped(runners []orchestrator.Status) bool {
	for _, r := range runners {
		if r.Phase != orchestrator.PhaseStopped {
			return false
		}
	}
	return true
}
