package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buncis/solid-queue/internal/domain"
	"github.com/buncis/solid-queue/internal/runtime/routines"
	"github.com/buncis/solid-queue/internal/supervisor"
)

// Store is the read side the endpoints need.
type Store interface {
	Ping(ctx context.Context) error
	ListProcesses(ctx context.Context) ([]domain.Process, error)
	ProcessesBySupervisor(ctx context.Context, supervisorID int64) ([]domain.Process, error)
	Counts(ctx context.Context) (domain.Counts, error)
	PausedQueues(ctx context.Context) ([]string, error)
	ListFailed(ctx context.Context, limit int) ([]domain.FailedExecution, error)
}

// Supervisor is nil in the direct worker and dispatcher modes.
type Supervisor interface {
	State() supervisor.State
	ProcessID() int64
	Children() []supervisor.ChildInfo
	Routines() routines.Snapshot
}

type Deps struct {
	Store      Store
	Supervisor Supervisor
	// Expected is the process row count at which /readyz reports ready: the
	// supervisor plus its children, or the single row of a direct mode.
	Expected int
	Gatherer prometheus.Gatherer
}

const requestTimeout = 5 * time.Second

// Handler builds the ops router.
func Handler(d Deps) http.Handler {
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", d.healthz)
	r.Get("/readyz", d.readyz)
	r.Get("/processes", d.processes)
	r.Get("/queues", d.queues)
	r.Get("/failed", d.failed)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/debug", func(r chi.Router) {
		r.Get("/routines", d.debugRoutines)
		r.Mount("/pprof", middleware.Profiler())
	})
	return r
}

func (d Deps) healthz(w http.ResponseWriter, r *http.Request) {
	if err := d.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readiness struct {
	Ready     bool   `json:"ready"`
	State     string `json:"state,omitempty"`
	Processes int    `json:"processes"`
	Expected  int    `json:"expected"`
	Error     string `json:"error,omitempty"`
}

func (d Deps) readyz(w http.ResponseWriter, r *http.Request) {
	res := readiness{Expected: d.Expected}
	var err error
	if d.Supervisor != nil {
		st := d.Supervisor.State()
		res.State = st.String()
		res.Processes, err = d.ownRows(r.Context())
		res.Ready = err == nil && st == supervisor.StateRunning && res.Processes >= d.Expected
	} else {
		var c domain.Counts
		c, err = d.Store.Counts(r.Context())
		res.Processes = c.Processes
		res.Ready = err == nil && c.Processes >= d.Expected
	}
	if err != nil {
		res.Error = err.Error()
	}
	status := http.StatusOK
	if !res.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// ownRows counts the supervisor row plus the rows of its children.
func (d Deps) ownRows(ctx context.Context) (int, error) {
	id := d.Supervisor.ProcessID()
	if id == 0 {
		return 0, nil
	}
	rows, err := d.Store.ProcessesBySupervisor(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(rows) + 1, nil
}

func (d Deps) processes(w http.ResponseWriter, r *http.Request) {
	procs, err := d.Store.ListProcesses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, procs)
}

func (d Deps) queues(w http.ResponseWriter, r *http.Request) {
	c, err := d.Store.Counts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	paused, err := d.Store.PausedQueues(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Counts domain.Counts `json:"counts"`
		Paused []string      `json:"paused"`
	}{c, paused})
}

func (d Deps) failed(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}
	failed, err := d.Store.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, failed)
}

func (d Deps) debugRoutines(w http.ResponseWriter, r *http.Request) {
	if d.Supervisor == nil {
		http.Error(w, "no supervisor in this mode", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ProcessID int64                  `json:"process_id"`
		State     string                 `json:"state"`
		Children  []supervisor.ChildInfo `json:"children"`
		Routines  routines.Snapshot      `json:"routines"`
	}{
		ProcessID: d.Supervisor.ProcessID(),
		State:     d.Supervisor.State().String(),
		Children:  d.Supervisor.Children(),
		Routines:  d.Supervisor.Routines(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
