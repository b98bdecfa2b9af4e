package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/factory-core/internal/audit"
	"github.com/nerrad567/factory-core/internal/infrastructure/config"
)

// EnvironmentRequest selects the environment to switch to.
type EnvironmentRequest struct {
	Environment string `json:"environment"`
}

// handleGetEnvironment returns the current environment.
func (s *Server) handleGetEnvironment(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": s.core.Environment(),
		"domains":     s.core.Domains(),
	})
}

// handleSwitchEnvironment reconnects every domain to another environment.
// The refresh bus and registry survive the switch; buffers and manager
// state start empty.
func (s *Server) handleSwitchEnvironment(w http.ResponseWriter, r *http.Request) {
	var req EnvironmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if err := config.ValidateEnvironment(req.Environment); err != nil {
		writeBadRequest(w, "environment must be mock, replay, or live")
		return
	}

	if err := s.core.SwitchEnvironment(r.Context(), req.Environment); err != nil {
		s.logger.Error("environment switch failed", "environment", req.Environment, "error", err)
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	}

	s.hub.Broadcast(WSChannelEnvironment, map[string]string{"environment": req.Environment})
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": s.core.Environment(),
		"domains":     s.core.Domains(),
	})
}

// handleListRefresh returns the latest event of every refresh group.
func (s *Server) handleListRefresh(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Bus().Snapshot())
}

// handleGetRefresh returns the latest event of one group.
func (s *Server) handleGetRefresh(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	ev, ok := s.core.Bus().Last(group)
	if !ok {
		writeNotFound(w, "no refresh recorded for group "+group)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleListAudit pages through the publish audit trail, newest first.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Domain:  q.Get("domain"),
		Topic:   q.Get("topic"),
		Outcome: q.Get("outcome"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "offset must be an integer")
		return
	}

	res, err := s.core.AuditTrail().List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit trail", "error", err)
		writeInternalError(w, "failed to list audit records")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("negative")
	}
	return n, nil
}
