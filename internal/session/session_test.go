package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/models"
	"github.com/arcanarift/duelsync/internal/realtime"
	"github.com/arcanarift/duelsync/internal/room"
)

type sessionEnv struct {
	service *matchmaking.Service
	rooms   *room.MemoryStore
	bus     realtime.Bus
}

func newSessionEnv(t *testing.T, bus realtime.Bus) *sessionEnv {
	t.Helper()
	if bus == nil {
		bus = realtime.NewMemoryBus()
	}
	rooms := room.NewMemoryStore(bus, nil)
	queue := matchmaking.NewMemoryQueueStore(rooms)
	decks := matchmaking.NewMemoryDeckLookup()
	return &sessionEnv{
		service: matchmaking.NewService(queue, rooms, decks, bus, nil),
		rooms:   rooms,
		bus:     bus,
	}
}

func (env *sessionEnv) newSession(t *testing.T, playerID uuid.UUID) *Session {
	t.Helper()
	s := New(playerID, env.service, env.rooms, env.bus, nil,
		WithPollInterval(20*time.Millisecond),
		WithChannelRetryDelay(20*time.Millisecond),
	)
	t.Cleanup(s.Close)
	return s
}

// pairedSession puts one session in game against a directly-queued opponent
// and returns the session plus both player IDs.
func pairedSession(t *testing.T, env *sessionEnv) (*Session, uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	player, opponent := uuid.New(), uuid.New()

	_, err := env.service.JoinQueue(ctx, opponent, uuid.New())
	require.NoError(t, err)

	s := env.newSession(t, player)
	require.NoError(t, s.JoinQueue(ctx, uuid.New()))
	require.Eventually(t, func() bool {
		return s.State() == StateInGame
	}, 2*time.Second, 10*time.Millisecond, "session should settle into in_game")
	return s, player, opponent
}

func TestSessionLifecycle(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	playerA, playerB := uuid.New(), uuid.New()

	sessA := env.newSession(t, playerA)
	require.Equal(t, StateIdle, sessA.State())

	require.NoError(t, sessA.JoinQueue(ctx, uuid.New()))
	require.Equal(t, StateSearching, sessA.State())

	// A second JoinQueue on a live session is a caller bug.
	require.ErrorIs(t, sessA.JoinQueue(ctx, uuid.New()), ErrNotIdle)

	sessB := env.newSession(t, playerB)
	require.NoError(t, sessB.JoinQueue(ctx, uuid.New()))

	// B paired synchronously and rides straight through found into in_game.
	require.Equal(t, StateInGame, sessB.State())
	require.NotNil(t, sessB.GameRoomID())

	// A learns about the match from the push, or from the poll fallback if
	// the pairing won the race against A's subscription.
	require.Eventually(t, func() bool {
		return sessA.State() == StateInGame
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, sessA.GameRoomID())
	assert.Equal(t, *sessB.GameRoomID(), *sessA.GameRoomID())

	r := sessA.GameRoom()
	require.NotNil(t, r)
	assert.True(t, r.HasPlayer(playerA))
	assert.True(t, r.HasPlayer(playerB))
}

// dropPushBus swallows match-found publishes so only the poll fallback can
// move a waiting session forward.
type dropPushBus struct {
	realtime.Bus
}

func (b *dropPushBus) PublishMatchFound(ctx context.Context, playerID, roomID uuid.UUID) error {
	return nil
}

func TestPollFallbackRecoversLostPush(t *testing.T) {
	env := newSessionEnv(t, &dropPushBus{Bus: realtime.NewMemoryBus()})
	ctx := context.Background()
	playerA, playerB := uuid.New(), uuid.New()

	sessA := env.newSession(t, playerA)
	require.NoError(t, sessA.JoinQueue(ctx, uuid.New()))
	require.Equal(t, StateSearching, sessA.State())

	_, err := env.service.JoinQueue(ctx, playerB, uuid.New())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sessA.State() == StateInGame
	}, 2*time.Second, 10*time.Millisecond, "poll should find the room without a push")
}

func TestLeaveQueueReturnsToIdle(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()

	s := env.newSession(t, uuid.New())
	require.NoError(t, s.JoinQueue(ctx, uuid.New()))
	require.Equal(t, StateSearching, s.State())

	require.NoError(t, s.LeaveQueue(ctx))
	require.Equal(t, StateIdle, s.State())
	assert.Zero(t, s.QueuePosition())
	assert.Zero(t, s.WaitTime())

	// Leaving from idle is a no-op.
	require.NoError(t, s.LeaveQueue(ctx))
	require.Equal(t, StateIdle, s.State())

	// The session is reusable after leaving.
	require.NoError(t, s.JoinQueue(ctx, uuid.New()))
	require.Equal(t, StateSearching, s.State())
}

// gatedLeaveStore holds LeaveQueue at a gate so a test can land a match while
// the leave request is in flight.
type gatedLeaveStore struct {
	*matchmaking.MemoryQueueStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLeaveStore) LeaveQueue(ctx context.Context, playerID uuid.UUID) error {
	close(g.entered)
	<-g.release
	return g.MemoryQueueStore.LeaveQueue(ctx, playerID)
}

func TestLeaveQueueLosesRaceToMatch(t *testing.T) {
	bus := realtime.NewMemoryBus()
	rooms := room.NewMemoryStore(bus, nil)
	gated := &gatedLeaveStore{
		MemoryQueueStore: matchmaking.NewMemoryQueueStore(rooms),
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	env := &sessionEnv{
		service: matchmaking.NewService(gated, rooms, matchmaking.NewMemoryDeckLookup(), bus, nil),
		rooms:   rooms,
		bus:     bus,
	}
	ctx := context.Background()

	s := env.newSession(t, uuid.New())
	require.NoError(t, s.JoinQueue(ctx, uuid.New()))
	require.Equal(t, StateSearching, s.State())

	leaveErr := make(chan error, 1)
	go func() { leaveErr <- s.LeaveQueue(ctx) }()
	<-gated.entered

	// The leave request is now stalled in flight; an opponent pairs with us
	// and the push moves the session into the game.
	_, err := env.service.JoinQueue(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.State() == StateInGame
	}, 2*time.Second, 10*time.Millisecond)

	close(gated.release)
	require.NoError(t, <-leaveErr)

	// The match wins: the late leave must not stomp the session back to idle.
	assert.Equal(t, StateInGame, s.State())
	require.NotNil(t, s.GameRoomID())
}

func TestCheckActiveGameRecoversSession(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	playerA, playerB := uuid.New(), uuid.New()

	_, err := env.service.JoinQueue(ctx, playerA, uuid.New())
	require.NoError(t, err)
	roomID, err := env.service.JoinQueue(ctx, playerB, uuid.New())
	require.NoError(t, err)
	require.NotNil(t, roomID)

	// A fresh session (a reloaded page) picks the match back up on mount.
	s := env.newSession(t, playerA)
	require.NoError(t, s.CheckActiveGame(ctx))
	require.Equal(t, StateInGame, s.State())
	require.NotNil(t, s.GameRoomID())
	assert.Equal(t, *roomID, *s.GameRoomID())

	// With no room on record the session stays idle.
	idle := env.newSession(t, uuid.New())
	require.NoError(t, idle.CheckActiveGame(ctx))
	require.Equal(t, StateIdle, idle.State())
}

func TestStaleSnapshotDiscarded(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	s, _, _ := pairedSession(t, env)
	roomID := *s.GameRoomID()

	status := models.RoomStatusPlaying
	_, err := env.rooms.UpdateGameState(ctx, roomID, map[string]interface{}{"currentTurn": 5}, &status)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r := s.GameRoom()
		return r != nil && r.CurrentTurn == 5
	}, 2*time.Second, 10*time.Millisecond)

	// Replay an out-of-order delivery: an older snapshot arriving late must
	// not roll the session's view back.
	stale, err := env.rooms.GetGameRoom(ctx, roomID)
	require.NoError(t, err)
	stale.CurrentTurn = 3
	require.NoError(t, env.bus.PublishRoom(ctx, stale))

	time.Sleep(100 * time.Millisecond)
	r := s.GameRoom()
	require.NotNil(t, r)
	assert.Equal(t, 5, r.CurrentTurn, "stale snapshot must be discarded")
}

func TestPushStateReachesOpponent(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	s, _, opponent := pairedSession(t, env)
	roomID := *s.GameRoomID()

	// The opponent watches the same room through their own session.
	opp := env.newSession(t, opponent)
	require.NoError(t, opp.CheckActiveGame(ctx))
	require.Equal(t, StateInGame, opp.State())

	status := models.RoomStatusPlaying
	require.NoError(t, s.PushState(ctx, map[string]interface{}{
		"currentTurn": 1,
		"phase":       "main",
	}, &status))

	require.Eventually(t, func() bool {
		r := opp.GameRoom()
		return r != nil && r.Status == models.RoomStatusPlaying && r.GameState["phase"] == "main"
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := env.rooms.GetGameRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CurrentTurn)
}

func TestCommandsOutsideGameRejected(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()

	s := env.newSession(t, uuid.New())
	require.ErrorIs(t, s.PushState(ctx, map[string]interface{}{"phase": "main"}, nil), ErrNoActiveGame)
	require.ErrorIs(t, s.SubmitAction(ctx, "play_card", nil), ErrNoActiveGame)
}

func TestSubmitActionSequencing(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	s, player, opponent := pairedSession(t, env)
	roomID := *s.GameRoomID()

	require.NoError(t, s.SubmitAction(ctx, "play_card", map[string]interface{}{"cardId": "c1"}))
	require.NoError(t, s.SubmitAction(ctx, "end_turn", nil))

	actions, err := env.rooms.Actions(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, 1, actions[0].SequenceNumber)
	assert.Equal(t, 2, actions[1].SequenceNumber)
	assert.Equal(t, player, actions[0].PlayerID)

	// The opponent appends seq 3 behind this session's back, so the next
	// local submit collides, resyncs, and the retry lands on seq 4.
	require.NoError(t, env.rooms.LogGameAction(ctx, &models.GameAction{
		GameRoomID:     roomID,
		PlayerID:       opponent,
		ActionType:     "play_card",
		Payload:        map[string]interface{}{"cardId": "c9"},
		SequenceNumber: 3,
	}))

	err = s.SubmitAction(ctx, "play_card", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, room.ErrDuplicateSequence))

	require.NoError(t, s.SubmitAction(ctx, "play_card", nil))
	actions, err = env.rooms.Actions(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	assert.Equal(t, 4, actions[3].SequenceNumber)
}

func TestSequenceSeededFromExistingLog(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	s, _, opponent := pairedSession(t, env)
	roomID := *s.GameRoomID()

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, env.rooms.LogGameAction(ctx, &models.GameAction{
			GameRoomID:     roomID,
			PlayerID:       opponent,
			ActionType:     "play_card",
			SequenceNumber: seq,
		}))
	}

	// A session attaching mid-match continues numbering where the log ends.
	rejoined := env.newSession(t, opponent)
	require.NoError(t, rejoined.CheckActiveGame(ctx))
	require.Equal(t, StateInGame, rejoined.State())
	require.NoError(t, rejoined.SubmitAction(ctx, "end_turn", nil))

	actions, err := env.rooms.Actions(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	assert.Equal(t, 4, actions[3].SequenceNumber)
}

func TestOnChangeFiresOnTransitions(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()
	player := uuid.New()

	changes := make(chan State, 32)
	var s *Session
	s = New(player, env.service, env.rooms, env.bus, nil,
		WithPollInterval(20*time.Millisecond),
		WithChannelRetryDelay(20*time.Millisecond),
		WithOnChange(func() {
			select {
			case changes <- s.State():
			default:
			}
		}),
	)
	t.Cleanup(s.Close)

	require.NoError(t, s.JoinQueue(ctx, uuid.New()))
	require.Equal(t, StateSearching, <-changes)

	// Position polls also notify, so drain until the idle transition shows up.
	require.NoError(t, s.LeaveQueue(ctx))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-changes:
			if st == StateIdle {
				return
			}
		case <-deadline:
			t.Fatal("idle transition never reported")
		}
	}
}

func TestCloseStopsChannels(t *testing.T) {
	env := newSessionEnv(t, nil)
	ctx := context.Background()

	s := env.newSession(t, uuid.New())
	require.NoError(t, s.JoinQueue(ctx, uuid.New()))
	s.Close()

	// Close is idempotent and the session no longer advances.
	s.Close()
	assert.Equal(t, StateSearching, s.State())
}
