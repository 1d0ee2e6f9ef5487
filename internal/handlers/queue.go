package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// joinQueueRequest is the body for POST /queue/join.
type joinQueueRequest struct {
	DeckID uuid.UUID `json:"deck_id"`
}

// joinQueueResponse carries the room ID when pairing happened synchronously;
// a null room ID means the player is now waiting and should watch the queue
// notification channel.
type joinQueueResponse struct {
	GameRoomID *uuid.UUID `json:"game_room_id"`
}

// JoinQueueHandler handles POST /queue/join.
func JoinQueueHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		var req joinQueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeckID == uuid.Nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		roomID, err := s.Match.JoinQueue(r.Context(), playerID, req.DeckID)
		if err != nil {
			s.Logger.Warnf("join queue failed for player %s: %v", playerID, err)
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, joinQueueResponse{GameRoomID: roomID})
	}
}

// LeaveQueueHandler handles POST /queue/leave. Always succeeds for a valid
// caller, queued or not.
func LeaveQueueHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if err := s.Match.LeaveQueue(r.Context(), playerID); err != nil {
			s.Logger.Warnf("leave queue failed for player %s: %v", playerID, err)
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ActiveGameHandler handles GET /queue/active: the reconnect-after-crash
// entry point. A null room ID means no active game.
func ActiveGameHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		roomID, err := s.Match.GetActiveGame(r.Context(), playerID)
		if err != nil {
			s.Logger.Warnf("active game lookup failed for player %s: %v", playerID, err)
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, joinQueueResponse{GameRoomID: roomID})
	}
}

// QueuePositionHandler handles GET /queue/position for UI display while
// searching. Position 0 means the player is not queued.
func QueuePositionHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		pos, err := s.Match.QueuePosition(r.Context(), playerID)
		if err != nil {
			s.Logger.Warnf("queue position lookup failed for player %s: %v", playerID, err)
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"position": pos})
	}
}
