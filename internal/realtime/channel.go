package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChannelState is the observable lifecycle of a Channel.
type ChannelState string

const (
	StateConnecting   ChannelState = "connecting"
	StateSubscribed   ChannelState = "subscribed"
	StateReconnecting ChannelState = "reconnecting"
	StateClosed       ChannelState = "closed"
)

// DefaultRetryDelay is the fixed pause between reconnection attempts. There is
// deliberately no growth and no retry cap: reconnection is a background
// concern for the lifetime of the owner, and only Close stops it.
const DefaultRetryDelay = 1500 * time.Millisecond

// SubscribeFunc opens a fresh subscription attempt.
type SubscribeFunc func(ctx context.Context) (Subscription, error)

// Channel wraps a Bus subscription with the reconnect loop
// connecting -> subscribed -> reconnecting -> subscribed -> ...
// Each Channel is owned by exactly one caller (a session or a websocket
// bridge) and holds its own handles, so concurrent sessions never interfere.
type Channel struct {
	subscribe  SubscribeFunc
	onMessage  func([]byte)
	retryDelay time.Duration
	logger     *logrus.Logger
	name       string

	mu     sync.Mutex
	state  ChannelState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannel builds a channel; Start must be called to begin delivery.
// onMessage is invoked from the channel's own goroutine, one payload at a time.
func NewChannel(name string, subscribe SubscribeFunc, onMessage func([]byte), logger *logrus.Logger) *Channel {
	if logger == nil {
		logger = logrus.New()
	}
	return &Channel{
		subscribe:  subscribe,
		onMessage:  onMessage,
		retryDelay: DefaultRetryDelay,
		logger:     logger,
		name:       name,
		state:      StateConnecting,
	}
}

// SetRetryDelay overrides the fixed reconnect delay. Call before Start.
func (c *Channel) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the subscription loop. It returns immediately.
func (c *Channel) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx)
}

// Stop cancels the subscription loop without waiting for it to exit. Use this
// when tearing a channel down from inside its own OnMessage callback, where
// Close would deadlock.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears the subscription down and stops reconnecting. Safe to call more
// than once; blocks until the loop has exited.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.setState(StateClosed)
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		close(done)
	}()

	for {
		sub, err := c.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warnf("channel %s: subscribe failed: %v", c.name, err)
			c.setState(StateReconnecting)
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		c.setState(StateSubscribed)
		c.logger.Debugf("channel %s: subscribed", c.name)

		if !c.pump(ctx, sub) {
			return
		}
		// The subscription died underneath us; schedule a fresh attempt.
		c.setState(StateReconnecting)
		if !c.sleep(ctx) {
			return
		}
	}
}

// pump reads from the subscription until it fails. Returns false when the
// channel should stop entirely (context cancelled / closed).
func (c *Channel) pump(ctx context.Context, sub Subscription) bool {
	defer sub.Close()
	for {
		data, err := sub.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return false
			}
			c.logger.Warnf("channel %s: receive failed: %v", c.name, err)
			return true
		}
		c.onMessage(data)
	}
}

// sleep waits out the retry delay; returns false if the context ended first.
func (c *Channel) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
