package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/auth"
)

// GuestPlayerHandler mints an ephemeral player identity and hands back its
// session token as both a cookie and a JSON body. Registered accounts live in
// the main record store; this service only needs a stable player ID to queue
// and play with.
func GuestPlayerHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		playerID := uuid.New()
		token, err := auth.CreateJWT(playerID.String())
		if err != nil {
			s.Logger.Errorf("failed to create guest token: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     "auth_token",
			Value:    token,
			Path:     "/",
			HttpOnly: true,
		})
		writeJSON(w, http.StatusOK, map[string]string{
			"player_id": playerID.String(),
			"token":     token,
		})
	}
}
