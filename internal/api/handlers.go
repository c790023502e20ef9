package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"potion-flow-monitor/internal/cache"
	"potion-flow-monitor/internal/model"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCauldrons(w http.ResponseWriter, r *http.Request) {
	force, err := forceRefresh(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cauldrons, err := s.backend.Cauldrons(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cauldrons))
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	force, err := forceRefresh(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	market, err := s.backend.Market(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

func (s *Server) handleCouriers(w http.ResponseWriter, r *http.Request) {
	force, err := forceRefresh(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	couriers, err := s.backend.Couriers(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(couriers))
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	force, err := forceRefresh(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	from, err := timeParam(r, "from")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := timeParam(r, "to")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var levels []model.LevelObservation
	if from.IsZero() && to.IsZero() {
		levels, err = s.backend.Levels(r.Context(), force, limit)
	} else {
		if !to.IsZero() && !from.Before(to) {
			s.writeError(w, r, &paramError{Name: "from", Value: r.URL.Query().Get("from")})
			return
		}
		levels, err = s.backend.LevelsBetween(r.Context(), force, from, to)
		if limit > 0 && len(levels) > limit {
			levels = levels[len(levels)-limit:]
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(levels))
}

func (s *Server) handleTickets(w http.ResponseWriter, r *http.Request) {
	force, err := forceRefresh(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshot, err := s.backend.Tickets(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshot.TransportTickets = nonNil(snapshot.TransportTickets)
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAnnotatedTickets(w http.ResponseWriter, r *http.Request) {
	force, err := forceRefresh(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.backend.AnnotatedTickets(r.Context(), force)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result.Tickets = nonNil(result.Tickets)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.backend.CacheStatus()))
}

func (s *Server) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.RefreshResource(r.Context(), r.PathValue("resource"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// paramError marks a rejected query parameter.
type paramError struct {
	Name  string
	Value string
}

func (e *paramError) Error() string {
	return fmt.Sprintf("invalid %s parameter %q", e.Name, e.Value)
}

// forceRefresh parses the optional forceRefresh flag; absent means false.
func forceRefresh(r *http.Request) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("forceRefresh"))
	if raw == "" {
		return false, nil
	}
	force, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &paramError{Name: "forceRefresh", Value: raw}
	}
	return force, nil
}

// intParam parses an optional non-negative integer; absent means 0.
func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &paramError{Name: name, Value: raw}
	}
	return n, nil
}

// timeParam parses an optional RFC3339 timestamp; absent means the zero time.
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &paramError{Name: name, Value: raw}
	}
	return t.UTC(), nil
}

type errorBody struct {
	Error    string `json:"error"`
	Resource string `json:"resource,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var upErr *cache.UpstreamError
	var pErr *paramError
	switch {
	case errors.As(err, &pErr):
		return http.StatusBadRequest, body
	case errors.Is(err, cache.ErrUnknownResource):
		return http.StatusNotFound, body
	case errors.As(err, &upErr):
		body.Resource = upErr.Resource
		return http.StatusBadGateway, body
	default:
		return http.StatusInternalServerError, body
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.Err(err).
		Str("request_id", RequestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("request failed")
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
