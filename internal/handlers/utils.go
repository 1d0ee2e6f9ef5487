package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/auth"
	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/room"
)

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// requirePlayer authenticates the request via the auth_token cookie and
// returns the player ID, or an error the caller maps to 401.
func requirePlayer(r *http.Request) (uuid.UUID, error) {
	token := extractCookieToken(r.Header.Get("Cookie"), "auth_token")
	if token == "" {
		return uuid.Nil, fmt.Errorf("missing auth token")
	}
	sub, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, err
	}
	playerID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid player id in token: %w", err)
	}
	return playerID, nil
}

// writeJSON serializes v with a status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps store/service errors onto HTTP statuses: invariant
// violations are 409 (the caller must not retry with the same arguments),
// missing rooms 404, everything else 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrRoomNotFound):
		http.Error(w, "game room not found", http.StatusNotFound)
	case errors.Is(err, room.ErrDuplicateSequence),
		errors.Is(err, room.ErrInvalidTransition),
		errors.Is(err, matchmaking.ErrAlreadyQueued):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, matchmaking.ErrDeckTooSmall):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
