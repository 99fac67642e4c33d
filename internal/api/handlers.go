package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"papertrader/internal/broker"
	"papertrader/internal/store"
	"papertrader/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the semantic error kinds to HTTP statuses. Internal
// errors are logged in the handlers; the client only sees a generic body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, broker.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrConflict), errors.Is(err, store.ErrPositionClosed):
		status = http.StatusConflict
	case errors.Is(err, broker.ErrUpstream):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
		s.logger.Error("request failed", "error", err)
		err = errors.New("internal error")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad position id", broker.ErrValidation)
	}
	return id, nil
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req types.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", broker.ErrValidation, err))
		return
	}
	pos, err := s.broker.CreatePosition(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	status := types.Status(r.URL.Query().Get("status"))
	positions, err := s.broker.ListPositions(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if positions == nil {
		positions = []*types.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pos, err := s.broker.GetPosition(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// handleUpdateSLTP distinguishes an absent field (leave unchanged) from an
// explicit null (clear the level), so the body is decoded key by key.
func (s *Server) handleUpdateSLTP(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", broker.ErrValidation, err))
		return
	}

	var upd store.SLTPUpdate
	if raw, ok := fields["sl"]; ok {
		upd.SetSL = true
		if err := json.Unmarshal(raw, &upd.SL); err != nil {
			s.writeError(w, fmt.Errorf("%w: bad sl value", broker.ErrValidation))
			return
		}
	}
	if raw, ok := fields["tp"]; ok {
		upd.SetTP = true
		if err := json.Unmarshal(raw, &upd.TP); err != nil {
			s.writeError(w, fmt.Errorf("%w: bad tp value", broker.ErrValidation))
			return
		}
	}

	pos, err := s.broker.UpdateSLTP(r.Context(), id, upd)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pos, err := s.broker.ClosePositionManual(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleDeletePosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.broker.DeletePosition(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var positionID *int64
	if raw := q.Get("positionId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: bad positionId", broker.ErrValidation))
			return
		}
		positionID = &id
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: bad limit", broker.ErrValidation))
			return
		}
		limit = n
	}

	events, err := s.broker.GetEvents(r.Context(), positionID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := broker.ExportRange(q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="positions.csv"`)
	if err := s.broker.ExportCSV(r.Context(), w, start, end, q.Get("symbol")); err != nil {
		s.logger.Error("csv export failed", "error", err)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.broker.GetSettings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch store.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", broker.ErrValidation, err))
		return
	}
	settings, err := s.broker.UpdateSettings(r.Context(), patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"feedConnected": s.prices.IsConnected(),
	})
}
