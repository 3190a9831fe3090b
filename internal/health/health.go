// Package health provides the HTTP handler for the /healthz endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/vmpool/internal/buildinfo"
	"github.com/terrpan/vmpool/internal/orchestrator"
)

// Info identifies the daemon instance in health responses.
type Info struct {
	// Repository is the owner/name the pool serves.
	Repository string
	// Driver is the configured hypervisor backend.
	Driver string
	// ControllerID is this process's unique ID, also embedded in the VM
	// names it owns.
	ControllerID string
}

// Response represents the health check response body.
type Response struct {
	Status       string                    `json:"status"`
	ServiceName  string                    `json:"service_name"`
	Version      string                    `json:"version"`
	Commit       string                    `json:"commit"`
	BuildTime    string                    `json:"build_time"`
	GoVersion    string                    `json:"go_version"`
	OS           string                    `json:"os"`
	Architecture string                    `json:"architecture"`
	Repository   string                    `json:"repository"`
	Driver       string                    `json:"driver"`
	ControllerID string                    `json:"controller_id"`
	Slots        []orchestrator.SlotStatus `json:"slots,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
}

// Handler responds to health check requests with build info and a
// snapshot of the pool's slots. The status is always "healthy" (200 OK)
// since this is a liveness check with no external dependencies to
// verify; slot states are informational.
func Handler(info Info, slots func() []orchestrator.SlotStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "vmpool",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Repository:   info.Repository,
			Driver:       info.Driver,
			ControllerID: info.ControllerID,
			Timestamp:    time.Now().UTC(),
		}
		if slots != nil {
			response.Slots = slots()
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
