// internal/handlers/queue_ws_test.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/realtime"
)

// TestQueueWSDeliversAndCloses checks the one-shot contract of /queue/ws: the
// match-found payload is delivered and the server then closes the socket
// normally, even when the notification fires while the handler is still
// setting up.
func TestQueueWSDeliversAndCloses(t *testing.T) {
	s := newTestServer()
	playerID := uuid.New()
	roomID := uuid.New()

	srv := httptest.NewServer(QueueWSHandler(s.Logger, s))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{"queue"},
		HTTPHeader:   http.Header{"Cookie": []string{"auth_token=" + playerToken(t, playerID)}},
	})
	if err != nil {
		t.Fatalf("failed to dial queue ws: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	// The server's subscription comes up asynchronously, so publish until the
	// notification lands. Early publishes may race the handler's select; the
	// close signal must survive that.
	pubDone := make(chan struct{})
	defer close(pubDone)
	go func() {
		for {
			_ = s.Bus.PublishMatchFound(context.Background(), playerID, roomID)
			select {
			case <-pubDone:
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()

	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read match notification: %v", err)
	}
	var found realtime.MatchFound
	if err := json.Unmarshal(data, &found); err != nil {
		t.Fatalf("failed to decode match notification: %v", err)
	}
	if found.GameRoomID != roomID {
		t.Fatalf("room mismatch, expected %v got %v", roomID, found.GameRoomID)
	}

	// After firing once the server hangs up; further deliveries of the same
	// notification must not keep the socket open.
	for {
		_, _, err = c.Read(ctx)
		if err != nil {
			break
		}
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure after match found, got %v (status %d)", err, status)
	}
}
