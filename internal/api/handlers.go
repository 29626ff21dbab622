package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/govdoc-harvester/internal/supervisor"
)

const (
	defaultErrorsLimit = 20
	maxErrorsLimit     = 100
)

type action string

const (
	actionStart  action = "start"
	actionStop   action = "stop"
	actionPause  action = "pause"
	actionResume action = "resume"
)

// listTargets handles GET /v1/targets. It returns {"targets": [...]} with the
// merged status of every configured identity.
func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	ids := s.ctl.Identities()
	out := make([]supervisor.Status, 0, len(ids))
	for _, id := range ids {
		st, err := s.ctl.Status(r.Context(), id)
		if err != nil {
			s.fail(w, "list targets", err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

// getStatus handles GET /v1/targets/{identity}/status.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.fail(w, "get status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// getStats handles GET /v1/targets/{identity}/stats. A recomputation may take
// until the supervisor's stats deadline and then returns a partial snapshot.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctl.Stats(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.fail(w, "get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// getErrors handles GET /v1/targets/{identity}/errors?limit=, newest first.
func (s *Server) getErrors(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultErrorsLimit, maxErrorsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identity := chi.URLParam(r, "identity")
	entries, err := s.ctl.RecentErrors(r.Context(), identity, limit)
	if err != nil {
		s.fail(w, "get errors", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "errors": entries})
}

// control handles the POST lifecycle actions. "changed" is false when the
// action was a no-op, such as starting an engine that is already alive.
func (s *Server) control(act action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chi.URLParam(r, "identity")
		var fn func(context.Context, string) (bool, error)
		switch act {
		case actionStart:
			fn = s.ctl.Start
		case actionStop:
			fn = s.ctl.Stop
		case actionPause:
			fn = s.ctl.Pause
		case actionResume:
			fn = s.ctl.Resume
		}
		changed, err := fn(r.Context(), identity)
		if err != nil {
			s.fail(w, string(act), err)
			return
		}
		s.logger.Info("control action",
			zap.String("identity", identity),
			zap.String("action", string(act)),
			zap.Bool("changed", changed),
		)
		writeJSON(w, http.StatusOK, map[string]any{
			"identity": identity,
			"action":   act,
			"changed":  changed,
		})
	}
}

// reset handles POST /v1/targets/{identity}/reset?soft=. It returns 409 while
// the engine is alive.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	soft := false
	if raw := r.URL.Query().Get("soft"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid soft flag")
			return
		}
		soft = v
	}
	if err := s.ctl.Reset(r.Context(), identity, soft); err != nil {
		s.fail(w, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": identity, "reset": true, "soft": soft})
}

// fail maps supervisor errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, supervisor.ErrUnknownIdentity):
		writeError(w, http.StatusNotFound, "unknown identity")
	case errors.Is(err, supervisor.ErrProcessAlive):
		writeError(w, http.StatusConflict, "engine is running; stop it first")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
