package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/arcanarift/duelsync/internal/models"
)

// MemoryBus is an in-process Bus used by tests and standalone dev runs. It
// supports fault injection (Kill*) so tests can exercise the channel
// reconnect path without a real transport.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[*memorySubscription]struct{}
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	ch    chan []byte

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *memorySubscription) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-s.ch:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, ErrSubscriptionClosed
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s, nil)
	return nil
}

// PublishRoom fans the full snapshot out to every subscriber of the room topic.
func (b *MemoryBus) PublishRoom(ctx context.Context, room *models.GameRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	b.deliver(roomTopic(room.ID), data)
	return nil
}

// PublishMatchFound notifies a single player's queue topic.
func (b *MemoryBus) PublishMatchFound(ctx context.Context, playerID, roomID uuid.UUID) error {
	data, err := json.Marshal(MatchFound{GameRoomID: roomID})
	if err != nil {
		return err
	}
	b.deliver(queueTopic(playerID), data)
	return nil
}

// SubscribeRoom opens a feed of snapshots for one room.
func (b *MemoryBus) SubscribeRoom(ctx context.Context, roomID uuid.UUID) (Subscription, error) {
	return b.subscribe(roomTopic(roomID)), nil
}

// SubscribeQueue opens a feed of match-found events for one player.
func (b *MemoryBus) SubscribeQueue(ctx context.Context, playerID uuid.UUID) (Subscription, error) {
	return b.subscribe(queueTopic(playerID)), nil
}

// KillRoomSubscribers force-fails every live subscription on the room topic,
// simulating a transport timeout. New subscriptions are unaffected.
func (b *MemoryBus) KillRoomSubscribers(roomID uuid.UUID, err error) {
	b.kill(roomTopic(roomID), err)
}

// KillQueueSubscribers force-fails every live subscription on the player's
// queue topic.
func (b *MemoryBus) KillQueueSubscribers(playerID uuid.UUID, err error) {
	b.kill(queueTopic(playerID), err)
}

func (b *MemoryBus) subscribe(topic string) *memorySubscription {
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, 16),
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *MemoryBus) deliver(topic string, data []byte) {
	b.mu.Lock()
	targets := make([]*memorySubscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if !sub.closed {
			select {
			case sub.ch <- data:
			default:
				// Slow consumer; drop. The next snapshot supersedes this one.
			}
		}
		sub.mu.Unlock()
	}
}

func (b *MemoryBus) kill(topic string, err error) {
	b.mu.Lock()
	targets := make([]*memorySubscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	if err == nil {
		err = ErrSubscriptionClosed
	}
	for _, sub := range targets {
		b.remove(sub, err)
	}
}

func (b *MemoryBus) remove(sub *memorySubscription, err error) {
	b.mu.Lock()
	if set, ok := b.subs[sub.topic]; ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sub.topic)
			}
		} else {
			b.mu.Unlock()
			return
		}
	} else {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		sub.err = err
		close(sub.ch)
	}
	sub.mu.Unlock()
}
