// Package health serves the daemon's liveness and readiness probes.
//
// GET /healthz answers 200 whenever the process can serve HTTP. GET /readyz
// runs every [Checker] and answers 200 only if all of them pass, 503
// otherwise. The milla daemon registers [SessionReady], so readiness follows
// the state of the live session.
//
// Both endpoints reply with a JSON [report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/milla/pkg/session"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker is one named readiness condition. Check returns nil when the
// condition holds.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the probe response body. Checks maps each checker name to "ok"
// or "fail: <reason>".
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler running checkers, in order, on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	reply(w, http.StatusOK, report{Status: statusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.run(r.Context())
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	reply(w, code, rep)
}

// run evaluates every checker with its own deadline derived from ctx.
func (h *Handler) run(ctx context.Context) report {
	rep := report{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()
		if err != nil {
			rep.Checks[c.Name] = statusFail + ": " + err.Error()
			rep.Status = statusFail
			continue
		}
		rep.Checks[c.Name] = statusOK
	}
	return rep
}

func reply(w http.ResponseWriter, code int, rep report) {
	body, err := json.Marshal(rep)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}

// SessionReady passes while state reports [session.StateOpen]. state returns
// false when no session has been started. The failure reason is the
// session's user-facing status line.
func SessionReady(state func() (session.State, bool)) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			switch st, ok := state(); {
			case !ok:
				return errors.New("no session")
			case st != session.StateOpen:
				return errors.New(session.StateMessage(st))
			}
			return nil
		},
	}
}
