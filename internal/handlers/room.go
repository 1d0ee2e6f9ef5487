package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/models"
)

// updateStateRequest is the body for POST /room/{id}/state. Patch is merged
// shallowly into the stored game state; Status optionally advances the
// lifecycle.
type updateStateRequest struct {
	Patch  map[string]interface{} `json:"patch"`
	Status *models.RoomStatus     `json:"status,omitempty"`
}

// logActionRequest is the body for POST /room/{id}/action.
type logActionRequest struct {
	ActionType     string                 `json:"action_type"`
	Payload        map[string]interface{} `json:"payload"`
	SequenceNumber int                    `json:"sequence_number"`
}

// RoomHandler routes /room/{room_id} and its subpaths:
//
//	GET  /room/{id}          full snapshot
//	POST /room/{id}/state    merge a game-state delta
//	POST /room/{id}/action   append to the action log
//	GET  /room/{id}/actions  the ordered replay log
//
// All paths require the caller to be one of the room's two players.
func RoomHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/room/"), "/")
		if len(parts) < 1 || parts[0] == "" {
			http.Error(w, "missing room_id in path", http.StatusBadRequest)
			return
		}
		roomID, err := uuid.Parse(parts[0])
		if err != nil {
			http.Error(w, "invalid room_id format", http.StatusBadRequest)
			return
		}

		gr, err := s.Rooms.GetGameRoom(r.Context(), roomID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !gr.HasPlayer(playerID) {
			http.Error(w, "not a player in this room", http.StatusForbidden)
			return
		}

		sub := ""
		if len(parts) > 1 {
			sub = parts[1]
		}
		switch {
		case sub == "" && r.Method == http.MethodGet:
			writeJSON(w, http.StatusOK, gr)
		case sub == "state" && r.Method == http.MethodPost:
			s.handleUpdateState(w, r, roomID)
		case sub == "action" && r.Method == http.MethodPost:
			s.handleLogAction(w, r, roomID, playerID)
		case sub == "actions" && r.Method == http.MethodGet:
			s.handleListActions(w, r, roomID)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request, roomID uuid.UUID) {
	var req updateStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Patch == nil {
		req.Patch = map[string]interface{}{}
	}

	updated, err := s.Rooms.UpdateGameState(r.Context(), roomID, req.Patch, req.Status)
	if err != nil {
		s.Logger.Warnf("state update for room %s failed: %v", roomID, err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleLogAction(w http.ResponseWriter, r *http.Request, roomID, playerID uuid.UUID) {
	var req logActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActionType == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := s.Rooms.LogGameAction(r.Context(), &models.GameAction{
		GameRoomID:     roomID,
		PlayerID:       playerID,
		ActionType:     req.ActionType,
		Payload:        req.Payload,
		SequenceNumber: req.SequenceNumber,
	})
	if err != nil {
		s.Logger.Warnf("action log for room %s failed: %v", roomID, err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request, roomID uuid.UUID) {
	actions, err := s.Rooms.Actions(r.Context(), roomID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if actions == nil {
		actions = []*models.GameAction{}
	}
	writeJSON(w, http.StatusOK, actions)
}
