// cmd/server/main.go
package main

import (
	"log"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/auth"
	"github.com/arcanarift/duelsync/internal/database"
	"github.com/arcanarift/duelsync/internal/handlers"
	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/middleware"
	"github.com/arcanarift/duelsync/internal/realtime"
	"github.com/arcanarift/duelsync/internal/room"
)

func main() {
	auth.Init()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	// Realtime bus: Redis when configured, in-process otherwise (single
	// instance dev runs).
	var bus realtime.Bus
	if os.Getenv("REDIS_ADDR") != "" {
		rb, err := realtime.ConnectRedis()
		if err != nil {
			log.Fatalf("redis connect error: %v", err)
		}
		bus = rb
		logger.Info("Realtime bus: redis")
	} else {
		bus = realtime.NewMemoryBus()
		logger.Info("Realtime bus: in-memory")
	}

	// Stores: Postgres when configured, in-memory otherwise.
	var (
		rooms room.Store
		queue matchmaking.QueueStore
		decks matchmaking.DeckLookup
	)
	if os.Getenv("PG_HOST") != "" {
		database.ConnectDB()
		rooms = database.NewRoomStore(bus, logger)
		queue = database.NewQueueStore()
		decks = database.NewDeckLookup()
		logger.Info("Stores: postgres")
	} else {
		memRooms := room.NewMemoryStore(bus, logger)
		rooms = memRooms
		queue = matchmaking.NewMemoryQueueStore(memRooms)
		decks = matchmaking.NewMemoryDeckLookup()
		logger.Info("Stores: in-memory")
	}

	match := matchmaking.NewService(queue, rooms, decks, bus, logger)
	srv := handlers.NewServer(match, rooms, bus, logger)

	mux := http.NewServeMux()
	logged := middleware.LogMiddleware(logger)

	mux.Handle("/player/guest", logged(handlers.GuestPlayerHandler(srv)))

	mux.Handle("/queue/join", logged(handlers.JoinQueueHandler(srv)))
	mux.Handle("/queue/leave", logged(handlers.LeaveQueueHandler(srv)))
	mux.Handle("/queue/active", logged(handlers.ActiveGameHandler(srv)))
	mux.Handle("/queue/position", logged(handlers.QueuePositionHandler(srv)))
	mux.Handle("/queue/ws", logged(handlers.QueueWSHandler(logger, srv)))

	mux.Handle("/room/ws/", logged(handlers.RoomWSHandler(logger, srv)))
	mux.Handle("/room/", logged(handlers.RoomHandler(srv)))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
