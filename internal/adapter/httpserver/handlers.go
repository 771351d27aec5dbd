package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/health"
	"github.com/fairyhunter13/codegraph/internal/pipeline"
)

// StartHandler launches a pipeline over the requested directory. The run
// proceeds in the background; the response only confirms admission.
func (s *Server) StartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if details, err := validateStart(&req); err != nil {
			writeError(w, r, err, details)
			return
		}
		id, err := s.Pipelines.Start(r.Context(), req.TargetDirectory, req.PipelineID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"pipelineId": id,
			"status":     string(pipeline.PhaseStarting),
		})
	}
}

// StatusHandler reports one pipeline: phase, progress, queue depths and the
// retained log tail.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		snap, err := s.Pipelines.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ActiveHandler lists running pipelines.
func (s *Server) ActiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := s.Pipelines.Active(r.Context())
		writeJSON(w, http.StatusOK, map[string]any{
			"pipelines": active,
			"count":     len(active),
		})
	}
}

// StopHandler cancels a running pipeline. The final state lands on the
// status endpoint once the run winds down.
func (s *Server) StopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Pipelines.Stop(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"pipelineId": id,
			"status":     "stopping",
		})
	}
}

// ClearHandler drops a finished pipeline and its persisted run state.
func (s *Server) ClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Pipelines.Clear(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"pipelineId": id,
			"status":     "cleared",
		})
	}
}

// HealthHandler probes the shared dependencies and reports the composite.
// Degraded still serves 200; only unhealthy returns 503.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := s.Pipelines.Health(r.Context())
		st := http.StatusOK
		if snap.Status == health.StatusUnhealthy {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, snap)
	}
}

// MetricsHandler renders the operator metrics document: process and host
// gauges, broker queue depths, tracked pipelines, and the live run's worker
// and governor state when one is active.
func (s *Server) MetricsHandler() http.HandlerFunc {
	type systemMetrics struct {
		CPUPercent    float64 `json:"cpuPercent"`
		MemoryPercent float64 `json:"memoryPercent"`
		RSSBytes      uint64  `json:"rssBytes"`
		Goroutines    int     `json:"goroutines"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		sys := systemMetrics{Goroutines: runtime.NumGoroutine()}
		if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
			sys.CPUPercent = pcts[0]
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			sys.MemoryPercent = vm.UsedPercent
		}
		if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
				sys.RSSBytes = mi.RSS
			}
		}

		body := map[string]any{
			"system":    sys,
			"queues":    s.Pipelines.QueueCounts(ctx),
			"pipelines": s.Pipelines.All(ctx),
			"health":    s.Pipelines.Health(ctx),
		}
		if active := s.Pipelines.Active(ctx); len(active) > 0 {
			body["store"] = active[0].Stats
			body["workers"] = active[0].Workers
			body["performance"] = active[0].Governor
			body["breakers"] = active[0].Breakers
		}
		writeJSON(w, http.StatusOK, body)
	}
}
