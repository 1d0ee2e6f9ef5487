// Package session implements the client-side lifecycle a game UI sits on top
// of: idle -> searching -> found -> in_game, with push notifications for the
// fast path and polling as the fallback. Each Session is an explicit object
// owned by its caller and holds its own channel handles, so concurrent
// sessions (two players in one test, several tabs in dev) never interfere.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arcanarift/duelsync/internal/matchmaking"
	"github.com/arcanarift/duelsync/internal/models"
	"github.com/arcanarift/duelsync/internal/realtime"
	"github.com/arcanarift/duelsync/internal/room"
)

// State is the observable lifecycle state of a Session.
type State string

const (
	StateIdle      State = "idle"
	StateSearching State = "searching"
	StateFound     State = "found"
	StateInGame    State = "in_game"
	StateError     State = "error"
)

// DefaultPollInterval is how often a searching session re-checks the server
// for an active game in case the match-found push was lost.
const DefaultPollInterval = 5 * time.Second

var (
	// ErrNotIdle is returned by JoinQueue when the session is mid-lifecycle.
	ErrNotIdle = errors.New("session is not idle")

	// ErrNoActiveGame is returned by in-game commands outside in_game.
	ErrNoActiveGame = errors.New("session has no active game")
)

// Session drives one player's matchmaking-to-match lifecycle.
type Session struct {
	playerID uuid.UUID
	match    *matchmaking.Service
	rooms    room.Store
	bus      realtime.Bus
	logger   *logrus.Logger

	pollInterval time.Duration
	retryDelay   time.Duration

	// onChange fires after every observable state change, on the goroutine
	// that caused it. UIs use it to re-render.
	onChange func()

	runCtx context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	err        error
	queuePos   int
	joinedAt   time.Time
	gameRoomID *uuid.UUID
	gameRoom   *models.GameRoom
	lastSeq    int

	queueCh  *realtime.Channel
	roomCh   *realtime.Channel
	pollStop context.CancelFunc
}

// Option tweaks session construction.
type Option func(*Session)

// WithPollInterval overrides the searching-state poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// WithChannelRetryDelay overrides the push-channel reconnect delay.
func WithChannelRetryDelay(d time.Duration) Option {
	return func(s *Session) { s.retryDelay = d }
}

// WithOnChange registers the re-render callback.
func WithOnChange(fn func()) Option {
	return func(s *Session) { s.onChange = fn }
}

// New builds an idle session for the player. Call CheckActiveGame right after
// to recover a player who reloaded mid-match.
func New(playerID uuid.UUID, match *matchmaking.Service, rooms room.Store, bus realtime.Bus, logger *logrus.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		playerID:     playerID,
		match:        match,
		rooms:        rooms,
		bus:          bus,
		logger:       logger,
		pollInterval: DefaultPollInterval,
		retryDelay:   realtime.DefaultRetryDelay,
		runCtx:       ctx,
		cancel:       cancel,
		state:        StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session into StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// QueuePosition returns the last polled queue position (1-based, 0 unknown).
func (s *Session) QueuePosition() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuePos
}

// WaitTime returns how long the player has been searching.
func (s *Session) WaitTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSearching || s.joinedAt.IsZero() {
		return 0
	}
	return time.Since(s.joinedAt)
}

// GameRoomID returns the matched room's ID once known.
func (s *Session) GameRoomID() *uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameRoomID == nil {
		return nil
	}
	id := *s.gameRoomID
	return &id
}

// GameRoom returns the latest accepted snapshot.
func (s *Session) GameRoom() *models.GameRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gameRoom == nil {
		return nil
	}
	return s.gameRoom.Clone()
}

// JoinQueue moves idle -> searching. If the pairing service matches the
// player synchronously the session skips straight through found into in_game;
// otherwise it subscribes for the match-found push and starts the poll
// fallback.
func (s *Session) JoinQueue(ctx context.Context, deckID uuid.UUID) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrNotIdle
	}
	s.state = StateSearching
	s.err = nil
	s.joinedAt = time.Now()
	s.mu.Unlock()
	s.notify()

	roomID, err := s.match.JoinQueue(ctx, s.playerID, deckID)
	if err != nil {
		s.fail(err)
		return err
	}
	if roomID != nil {
		s.enterFound(ctx, *roomID)
		return nil
	}

	s.startQueueWatch()
	return nil
}

// LeaveQueue abandons the search and returns to idle. Idempotent from idle.
func (s *Session) LeaveQueue(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.match.LeaveQueue(ctx, s.playerID); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	// A push or poll may have matched us while the leave request was in
	// flight; the match wins, the server already consumed our entry.
	if s.state != StateSearching {
		s.mu.Unlock()
		return nil
	}
	s.stopSearchLocked()
	s.state = StateIdle
	s.queuePos = 0
	s.joinedAt = time.Time{}
	s.mu.Unlock()
	s.notify()
	return nil
}

// CheckActiveGame recovers a player who reloaded mid-match: if the server
// reports a non-ended room for the player, the session moves directly into
// found/in_game instead of re-entering the queue. Call this on mount.
func (s *Session) CheckActiveGame(ctx context.Context) error {
	roomID, err := s.match.GetActiveGame(ctx, s.playerID)
	if err != nil {
		s.fail(err)
		return err
	}
	if roomID != nil {
		s.enterFound(ctx, *roomID)
	}
	return nil
}

// PushState forwards a game-state delta to the store. Failures are transient
// by design (the next snapshot supersedes them), so they are logged and do
// not disturb the session state.
func (s *Session) PushState(ctx context.Context, patch map[string]interface{}, status *models.RoomStatus) error {
	s.mu.Lock()
	if s.state != StateInGame || s.gameRoomID == nil {
		s.mu.Unlock()
		return ErrNoActiveGame
	}
	roomID := *s.gameRoomID
	s.mu.Unlock()

	if _, err := s.rooms.UpdateGameState(ctx, roomID, patch, status); err != nil {
		s.logger.Warnf("session %s: state update for room %s failed: %v", s.playerID, roomID, err)
		return err
	}
	return nil
}

// SubmitAction appends the next entry to the room's action log, computing the
// sequence number as last known + 1. On a duplicate-sequence rejection the
// local counter is resynced from the log so the caller's retry picks a fresh
// number rather than repeating the collision.
func (s *Session) SubmitAction(ctx context.Context, actionType string, payload map[string]interface{}) error {
	s.mu.Lock()
	if s.state != StateInGame || s.gameRoomID == nil {
		s.mu.Unlock()
		return ErrNoActiveGame
	}
	roomID := *s.gameRoomID
	seq := s.lastSeq + 1
	s.mu.Unlock()

	err := s.rooms.LogGameAction(ctx, &models.GameAction{
		GameRoomID:     roomID,
		PlayerID:       s.playerID,
		ActionType:     actionType,
		Payload:        payload,
		SequenceNumber: seq,
	})
	if err != nil {
		if errors.Is(err, room.ErrDuplicateSequence) {
			s.resyncSequence(ctx, roomID)
		}
		s.logger.Warnf("session %s: action %q (seq %d) for room %s failed: %v", s.playerID, actionType, seq, roomID, err)
		return err
	}

	s.mu.Lock()
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	s.mu.Unlock()
	return nil
}

// Close releases the session: both channels are unsubscribed and the poll
// ticker stops. Required when the owning screen unmounts.
func (s *Session) Close() {
	s.cancel()

	s.mu.Lock()
	queueCh, roomCh := s.queueCh, s.roomCh
	s.queueCh, s.roomCh = nil, nil
	if s.pollStop != nil {
		s.pollStop()
		s.pollStop = nil
	}
	s.mu.Unlock()

	if queueCh != nil {
		queueCh.Close()
	}
	if roomCh != nil {
		roomCh.Close()
	}
}

// startQueueWatch opens the match-found push channel and the poll fallback.
func (s *Session) startQueueWatch() {
	queueCh := realtime.NewChannel(
		"queue:"+s.playerID.String(),
		func(ctx context.Context) (realtime.Subscription, error) {
			return s.bus.SubscribeQueue(ctx, s.playerID)
		},
		s.onQueueMessage,
		s.logger,
	)
	queueCh.SetRetryDelay(s.retryDelay)

	pollCtx, pollStop := context.WithCancel(s.runCtx)

	s.mu.Lock()
	if s.state != StateSearching {
		// Matched (or left) while we were setting up.
		s.mu.Unlock()
		pollStop()
		return
	}
	s.queueCh = queueCh
	s.pollStop = pollStop
	s.mu.Unlock()

	queueCh.Start(s.runCtx)
	go s.pollLoop(pollCtx)
}

// onQueueMessage handles the match-found push.
func (s *Session) onQueueMessage(data []byte) {
	var found realtime.MatchFound
	if err := json.Unmarshal(data, &found); err != nil {
		s.logger.Warnf("session %s: invalid queue notification: %v", s.playerID, err)
		return
	}
	s.enterFound(s.runCtx, found.GameRoomID)
}

// pollLoop is the push fallback: every poll interval, ask the server whether
// a room exists for us and refresh the displayed queue position.
func (s *Session) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.State() != StateSearching {
			return
		}

		roomID, err := s.match.GetActiveGame(ctx, s.playerID)
		if err != nil {
			// Poll errors are channel-grade noise, not session failures.
			s.logger.Warnf("session %s: active-game poll failed: %v", s.playerID, err)
			continue
		}
		if roomID != nil {
			s.enterFound(ctx, *roomID)
			return
		}

		pos, err := s.match.QueuePosition(ctx, s.playerID)
		if err != nil {
			s.logger.Warnf("session %s: queue position poll failed: %v", s.playerID, err)
			continue
		}
		s.mu.Lock()
		changed := s.queuePos != pos
		s.queuePos = pos
		s.mu.Unlock()
		if changed {
			s.notify()
		}
	}
}

// enterFound moves into found, fetches the full snapshot once, then settles
// into in_game with the room channel subscribed. Exactly one caller wins when
// the push and the poll race.
func (s *Session) enterFound(ctx context.Context, roomID uuid.UUID) {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateSearching {
		s.mu.Unlock()
		return
	}
	s.state = StateFound
	id := roomID
	s.gameRoomID = &id
	s.stopSearchLocked()
	s.mu.Unlock()
	s.notify()

	r, err := s.rooms.GetGameRoom(ctx, roomID)
	if err != nil {
		s.fail(err)
		return
	}

	// Seed the sequence counter from the existing log so a reconnecting
	// player continues numbering where the match left off.
	lastSeq := 0
	if actions, aerr := s.rooms.Actions(ctx, roomID); aerr == nil {
		for _, a := range actions {
			if a.SequenceNumber > lastSeq {
				lastSeq = a.SequenceNumber
			}
		}
	}

	roomCh := realtime.NewChannel(
		"room:"+roomID.String(),
		func(ctx context.Context) (realtime.Subscription, error) {
			return s.bus.SubscribeRoom(ctx, roomID)
		},
		s.onRoomMessage,
		s.logger,
	)
	roomCh.SetRetryDelay(s.retryDelay)

	s.mu.Lock()
	if s.state != StateFound {
		s.mu.Unlock()
		return
	}
	s.gameRoom = r
	s.lastSeq = lastSeq
	s.state = StateInGame
	s.roomCh = roomCh
	s.mu.Unlock()

	roomCh.Start(s.runCtx)
	s.notify()
}

// onRoomMessage applies a delivered snapshot. Deliveries carry no ordering
// guarantee, so anything older than the locally held turn is discarded.
func (s *Session) onRoomMessage(data []byte) {
	var r models.GameRoom
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Warnf("session %s: invalid room snapshot: %v", s.playerID, err)
		return
	}

	s.mu.Lock()
	if s.state != StateInGame || s.gameRoomID == nil || *s.gameRoomID != r.ID {
		s.mu.Unlock()
		return
	}
	if s.gameRoom != nil && r.CurrentTurn < s.gameRoom.CurrentTurn {
		s.mu.Unlock()
		s.logger.Debugf("session %s: discarding stale snapshot (turn %d < %d)", s.playerID, r.CurrentTurn, s.gameRoom.CurrentTurn)
		return
	}
	s.gameRoom = &r
	s.mu.Unlock()
	s.notify()
}

// resyncSequence reloads the action log to recover the true high-water mark
// after a duplicate-sequence rejection.
func (s *Session) resyncSequence(ctx context.Context, roomID uuid.UUID) {
	actions, err := s.rooms.Actions(ctx, roomID)
	if err != nil {
		s.logger.Warnf("session %s: sequence resync for room %s failed: %v", s.playerID, roomID, err)
		return
	}
	last := 0
	for _, a := range actions {
		if a.SequenceNumber > last {
			last = a.SequenceNumber
		}
	}
	s.mu.Lock()
	if last > s.lastSeq {
		s.lastSeq = last
	}
	s.mu.Unlock()
}

// fail records an unrecoverable request failure and tears down the search
// machinery. Only pairing/queue/fetch errors land here; write and channel
// errors are absorbed where they occur.
func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateError
	s.err = err
	s.stopSearchLocked()
	s.mu.Unlock()
	s.notify()
}

// stopSearchLocked retires the queue channel and poll ticker. Caller holds mu.
// Channels are stopped, not closed, because this may run on a channel's own
// callback goroutine.
func (s *Session) stopSearchLocked() {
	if s.queueCh != nil {
		s.queueCh.Stop()
		s.queueCh = nil
	}
	if s.pollStop != nil {
		s.pollStop()
		s.pollStop = nil
	}
}

func (s *Session) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}
