package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

var (
	errInvalidLimit  = errors.New("invalid limit parameter")
	errLimitTooLarge = errors.New("limit exceeds maximum of 200")
	errInvalidSince  = errors.New("since must be an RFC 3339 timestamp")
)

// handleRelayHistory returns recorded state changes for one relay, newest
// first. Query parameters: limit (1-200) and since (RFC 3339).
func (s *Server) handleRelayHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "state history not enabled")
		return
	}

	nodeID, ok := nodeParam(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	entries, err := s.history.GetHistory(r.Context(), nodeID, limit)
	if err != nil {
		s.logger.Error("failed to read relay history", "node", nodeID, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}

	if !since.IsZero() {
		kept := entries[:0]
		for _, e := range entries {
			if !e.CreatedAt.Before(since) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"history": entries,
		"count":   len(entries),
	})
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errInvalidLimit
	}
	if limit > maxHistoryLimit {
		return 0, errLimitTooLarge
	}
	return limit, nil
}

func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	since, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errInvalidSince
	}
	return since, nil
}
