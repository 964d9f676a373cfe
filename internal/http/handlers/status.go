package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/hlsgate/hlsgate/internal/cache"
	"github.com/hlsgate/hlsgate/internal/resolver"
	"github.com/hlsgate/hlsgate/pkg/format"
)

// StatusHandler serves the typed status endpoint: build info, runtime and
// host statistics, cache occupancy, and the resolver's landing state.
type StatusHandler struct {
	version   string
	startTime time.Time
	caches    *cache.Manager
	landing   *resolver.LandingBase
}

// NewStatusHandler creates a status handler. startTime anchors the uptime
// figures.
func NewStatusHandler(version string, caches *cache.Manager, landing *resolver.LandingBase) *StatusHandler {
	return &StatusHandler{
		version:   version,
		startTime: time.Now(),
		caches:    caches,
		landing:   landing,
	}
}

// RuntimeStatus reports Go runtime figures.
type RuntimeStatus struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  string `json:"heap_alloc"`
	HeapBytes  uint64 `json:"heap_bytes"`
}

// HostStatus reports host load and memory pressure. Zero values mean the
// figure was unavailable on this platform.
type HostStatus struct {
	Load1             float64 `json:"load1"`
	Load5             float64 `json:"load5"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	ProcessRSS        string  `json:"process_rss"`
	ProcessRSSBytes   uint64  `json:"process_rss_bytes"`
}

// LandingStatus reports the resolver's landing base and its age.
type LandingStatus struct {
	Base        string `json:"base"`
	RefreshedAt string `json:"refreshed_at,omitempty"`
	Age         string `json:"age,omitempty"`
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	Runtime       RuntimeStatus `json:"runtime"`
	Host          HostStatus    `json:"host"`
	Cache         cache.Stats   `json:"cache"`
	Landing       LandingStatus `json:"landing"`
}

type statusOutput struct {
	Body StatusResponse
}

// Register registers the status route with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Service status",
		Description: "Build metadata, uptime, Go runtime and host statistics, cache occupancy, and the resolver landing state.",
		Tags:        []string{"System"},
	}, h.GetStatus)
}

// GetStatus returns the current service status.
func (h *StatusHandler) GetStatus(ctx context.Context, input *struct{}) (*statusOutput, error) {
	uptime := time.Since(h.startTime)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	resp := StatusResponse{
		Status:        "ok",
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Runtime: RuntimeStatus{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  format.Bytes(int64(ms.HeapAlloc)),
			HeapBytes:  ms.HeapAlloc,
		},
		Host:  h.hostStatus(ctx),
		Cache: h.caches.Stats(),
	}

	base, refreshedAt := h.landing.Snapshot()
	resp.Landing.Base = base
	if !refreshedAt.IsZero() {
		resp.Landing.RefreshedAt = refreshedAt.UTC().Format(time.RFC3339)
		resp.Landing.Age = format.RelativeTime(refreshedAt)
	}

	return &statusOutput{Body: resp}, nil
}

// hostStatus collects host figures best-effort; a probe failure leaves its
// field at zero rather than failing the endpoint.
func (h *StatusHandler) hostStatus(ctx context.Context) HostStatus {
	var hs HostStatus

	if avg, err := load.AvgWithContext(ctx); err == nil {
		hs.Load1 = avg.Load1
		hs.Load5 = avg.Load5
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hs.MemoryUsedPercent = vm.UsedPercent
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
			hs.ProcessRSS = format.Bytes(int64(mi.RSS))
			hs.ProcessRSSBytes = mi.RSS
		}
	}
	return hs
}
