// internal/handlers/api_server.go
package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/realtime"
	"github.com/arcanarift/duelsync/internal/room"
)

// Server bundles the collaborators every handler needs: the pairing service,
// the room store, the realtime bus, and the logger.
type Server struct {
	Match  *matchmaking.Service
	Rooms  room.Store
	Bus    realtime.Bus
	Logger *logrus.Logger
}

// NewServer constructs the handler server.
func NewServer(match *matchmaking.Service, rooms room.Store, bus realtime.Bus, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{
		Match:  match,
		Rooms:  rooms,
		Bus:    bus,
		Logger: logger,
	}
}
