// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/realtime"
)

// wsWriteTimeout bounds each snapshot write so one stalled client cannot
// wedge the bridge goroutine.
const wsWriteTimeout = 3 * time.Second

// RoomWSHandler upgrades the connection for /room/ws/{room_id} and streams
// full room snapshots to the client. The bus subscription is wrapped in a
// reconnecting Channel, so a broker hiccup costs the client a brief staleness
// window, not the connection.
func RoomWSHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/room/ws/"), "/")
		if len(pathParts) < 1 || pathParts[0] == "" {
			http.Error(w, "missing room_id in path (/room/ws/{room_id})", http.StatusBadRequest)
			return
		}
		roomID, err := uuid.Parse(pathParts[0])
		if err != nil {
			http.Error(w, "invalid room_id format", http.StatusBadRequest)
			return
		}

		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
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

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"room"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("WebSocket accept error for room %s: %v", roomID, err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if c.Subprotocol() != "room" {
			logger.Warnf("Client for room %s connected with invalid subprotocol: %s", roomID, c.Subprotocol())
			c.Close(websocket.StatusPolicyViolation, "Client must use the 'room' subprotocol.")
			return
		}
		logger.Infof("Room WebSocket established for player %s in room %s from %s", playerID, roomID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Send the current snapshot first so the client does not render blind
		// until the next update fires.
		writeSnapshot(ctx, c, mustMarshal(gr), logger)

		ch := realtime.NewChannel(
			"ws-room:"+roomID.String(),
			func(ctx context.Context) (realtime.Subscription, error) {
				return s.Bus.SubscribeRoom(ctx, roomID)
			},
			func(data []byte) { writeSnapshot(ctx, c, data, logger) },
			logger,
		)
		ch.Start(ctx)
		defer ch.Close()

		readClientMessages(ctx, c, logger)
		logger.Infof("Room WebSocket closed for player %s in room %s", playerID, roomID)
	}
}

// writeSnapshot pushes one payload to the client with a bounded write.
func writeSnapshot(ctx context.Context, c *websocket.Conn, data []byte, logger *logrus.Logger) {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := c.Write(writeCtx, websocket.MessageText, data); err != nil {
		status := websocket.CloseStatus(err)
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			logger.Warnf("failed to write snapshot to client: %v", err)
		}
	}
}

// readClientMessages drains the inbound side until the client disconnects.
// The only inbound message the bridge understands is ping.
func readClientMessages(ctx context.Context, c *websocket.Conn, logger *logrus.Logger) {
	for {
		msgType, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				logger.Debugf("WebSocket closed normally")
			} else if !strings.Contains(err.Error(), "context canceled") {
				logger.Warnf("error reading from WebSocket: %v (Status: %d)", err, status)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			writeSnapshot(ctx, c, []byte(`{"type":"pong"}`), logger)
		}
	}
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
