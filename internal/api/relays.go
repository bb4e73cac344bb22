package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

const (
	commandOn     = "on"
	commandOff    = "off"
	commandToggle = "toggle"
)

// switchRequest is the body of POST /relays/{node}/switch.
// Command is one of on, off or toggle.
type switchRequest struct {
	Command string `json:"command"`
}

// relayList is the response body for relay collections.
type relayList struct {
	Relays []canrelay.NodeState `json:"relays"`
	Count  int                  `json:"count"`
}

func newRelayList(states []canrelay.NodeState) relayList {
	if states == nil {
		states = []canrelay.NodeState{}
	}
	return relayList{Relays: states, Count: len(states)}
}

// handleListRelays returns the cached state of every relay.
func (s *Server) handleListRelays(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newRelayList(s.relays.States()))
}

// handleGetRelay returns the cached state of one relay.
func (s *Server) handleGetRelay(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(w, r)
	if !ok {
		return
	}

	state, found := s.findRelay(nodeID)
	if !found {
		writeNotFound(w, "relay not known")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleSwitchRelay switches a relay on, off, or to the opposite of its
// cached state. The response is 202: the new state arrives as a bus echo.
func (s *Server) handleSwitchRelay(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := nodeParam(w, r)
	if !ok {
		return
	}

	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var on bool
	switch req.Command {
	case commandOn:
		on = true
	case commandOff:
		on = false
	case commandToggle:
		state, found := s.findRelay(nodeID)
		if !found {
			writeNotFound(w, "relay state unknown, cannot toggle")
			return
		}
		on = !state.On
	default:
		writeBadRequest(w, "command must be on, off or toggle")
		return
	}

	if err := s.relays.SwitchNode(nodeID, on); err != nil {
		if errors.Is(err, canrelay.ErrInvalidNodeID) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Warn("relay switch failed", "node", canrelay.FormatNodeID(nodeID), "error", err)
		writeUnavailable(w, "relay bus unavailable")
		return
	}

	s.logger.Info("relay switch requested",
		"node", canrelay.FormatNodeID(nodeID),
		"on", on,
		"subject", r.Context().Value(ctxKeySubject),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"node":    canrelay.FormatNodeID(nodeID),
		"command": req.Command,
		"on":      on,
		"status":  "accepted",
	})
}

// handleRefresh re-scans the bus and returns the relays whose state changed.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newRelayList(s.relays.Refresh(r.Context())))
}

// handleDetect scans the bus without touching the cache.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newRelayList(s.relays.Detect(r.Context())))
}

func (s *Server) findRelay(nodeID int) (canrelay.NodeState, bool) {
	for _, st := range s.relays.States() {
		if st.NodeID == nodeID {
			return st, true
		}
	}
	return canrelay.NodeState{}, false
}

// nodeParam parses the {node} URL parameter, writing a 400 on failure.
func nodeParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	nodeID, err := canrelay.ParseNodeID(chi.URLParam(r, "node"))
	if err != nil {
		writeBadRequest(w, "invalid node address")
		return 0, false
	}
	return nodeID, true
}
