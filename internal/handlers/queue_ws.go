// internal/handlers/queue_ws.go
package handlers

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/realtime"
)

// QueueWSHandler upgrades the connection for /queue/ws and delivers the
// caller's match-found notification. The channel fires at most once: after
// forwarding the payload the server closes the socket normally, matching the
// unsubscribe-on-fire contract of the queue notification channel.
func QueueWSHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		playerID, err := requirePlayer(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"queue"},
			OriginPatterns: []string{"*"}, // Adjust for production security.
		})
		if err != nil {
			logger.Warnf("WebSocket accept error for queue watcher %s: %v", playerID, err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "Internal server error during handler exit.")

		if c.Subprotocol() != "queue" {
			c.Close(websocket.StatusPolicyViolation, "Client must use the 'queue' subprotocol.")
			return
		}
		logger.Infof("Queue WebSocket established for player %s from %s", playerID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Buffered: the channel may fire before this handler reaches its
		// select, and the close signal must survive that.
		fired := make(chan struct{}, 1)
		ch := realtime.NewChannel(
			"ws-queue:"+playerID.String(),
			func(ctx context.Context) (realtime.Subscription, error) {
				return s.Bus.SubscribeQueue(ctx, playerID)
			},
			func(data []byte) {
				writeSnapshot(ctx, c, data, logger)
				select {
				case fired <- struct{}{}:
				default:
				}
			},
			logger,
		)
		ch.Start(ctx)
		defer ch.Close()

		// Hold the socket until the notification fires, the client hangs up,
		// or they leave the queue (which they signal by disconnecting).
		clientGone := make(chan struct{})
		go func() {
			readClientMessages(ctx, c, logger)
			close(clientGone)
		}()

		select {
		case <-fired:
			c.Close(websocket.StatusNormalClosure, "match found")
		case <-clientGone:
		case <-ctx.Done():
		}
		logger.Infof("Queue WebSocket closed for player %s", playerID)
	}
}
