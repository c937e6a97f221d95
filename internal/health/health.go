// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 for as long as the process serves HTTP. /readyz
// answers 200 only when every [Checker] passes and the server is not
// draining. The gateway registers [EngineChecker], so a freshly started
// process reports unready until its recognition models are loaded, and
// [Handler.Drain] flips it back to unready during shutdown so load balancers
// stop routing new clients before the listener closes.
//
// Both endpoints answer with a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const checkTimeout = 5 * time.Second

var (
	// ErrNotReady is reported by [EngineChecker] while the engine loads.
	ErrNotReady = errors.New("not ready")

	// ErrDraining is reported by /readyz after [Handler.Drain].
	ErrDraining = errors.New("draining")
)

// Checker is one named readiness condition. Check returns nil when the
// condition holds; it must honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// EngineChecker returns the "engine" checker. It passes while ready reports
// true and otherwise fails with [ErrNotReady] and the lifecycle state.
func EngineChecker(ready func() bool, state func() string) Checker {
	return Checker{
		Name: "engine",
		Check: func(context.Context) error {
			if ready() {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrNotReady, state())
		},
	}
}

// Report is the JSON body of both probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether Status is "ok".
func (r Report) OK() bool { return r.Status == "ok" }

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Drain makes every later readiness check fail with [ErrDraining]. It is
// safe to call more than once.
func (h *Handler) Drain() { h.draining.Store(true) }

// Ready runs all checkers concurrently, each bounded by its own timeout.
func (h *Handler) Ready(ctx context.Context) Report {
	if h.draining.Load() {
		return Report{Status: "fail", Checks: map[string]string{"server": "fail: " + ErrDraining.Error()}}
	}

	results := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			results[i] = c.Check(cctx)
		})
	}
	wg.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	for i, c := range h.checkers {
		if err := results[i]; err != nil {
			rep.Status = "fail"
			rep.Checks[c.Name] = "fail: " + err.Error()
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz is the readiness probe: 200 when [Handler.Ready] is ok, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Ready(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds both probes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
