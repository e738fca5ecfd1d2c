// Package transport provides the pub/sub channel the synchronization engine
// publishes mutation envelopes over. Delivery is best effort: a slow
// subscriber's buffer overflowing drops the message, and no ordering is
// guaranteed across publishers. The engine compensates with presence-driven
// bulk synchronization, never with retransmission.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrChannelRequired indicates a subscribe call without a channel name.
	ErrChannelRequired = errors.New("transport: channel name is required")
	// ErrSubscriptionClosed indicates an operation on a closed subscription.
	ErrSubscriptionClosed = errors.New("transport: subscription closed")
)

const subscriberBufferSize = 64

// Broadcaster is an in-process pub/sub hub keyed by channel name. One
// channel exists per canvas session. Every publish is delivered to every
// subscriber on the channel, including the publisher; self-echo suppression
// is the receiver's responsibility.
type Broadcaster struct {
	mu       sync.RWMutex
	channels map[string]map[int64]*Subscription
	nextID   int64
}

// NewBroadcaster constructs an empty hub.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]map[int64]*Subscription),
	}
}

// Subscription is one attachment to a channel. Broadcast payloads and
// presence-join identities are delivered on buffered streams; a full buffer
// drops the delivery rather than blocking the publisher.
type Subscription struct {
	broadcaster *Broadcaster
	channel     string
	id          int64

	broadcasts chan []byte
	presence   chan string

	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe attaches to the named channel. The subscription detaches when
// the context is cancelled or Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if channel == "" {
		return nil, ErrChannelRequired
	}

	b.mu.Lock()
	b.nextID++
	subscription := &Subscription{
		broadcaster: b,
		channel:     channel,
		id:          b.nextID,
		broadcasts:  make(chan []byte, subscriberBufferSize),
		presence:    make(chan string, subscriberBufferSize),
		closed:      make(chan struct{}),
	}
	if _, ok := b.channels[channel]; !ok {
		b.channels[channel] = make(map[int64]*Subscription)
	}
	b.channels[channel][subscription.id] = subscription
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = subscription.Close()
		case <-subscription.closed:
		}
	}()

	return subscription, nil
}

func (b *Broadcaster) peers(channel string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subscriptions := b.channels[channel]
	peers := make([]*Subscription, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		peers = append(peers, subscription)
	}
	return peers
}

func (b *Broadcaster) detach(channel string, id int64) {
	b.mu.Lock()
	subscriptions := b.channels[channel]
	if subscriptions != nil {
		delete(subscriptions, id)
		if len(subscriptions) == 0 {
			delete(b.channels, channel)
		}
	}
	b.mu.Unlock()
}

// Publish fans the payload out to every subscriber on the channel,
// including the publishing subscription itself.
func (s *Subscription) Publish(payload []byte) error {
	select {
	case <-s.closed:
		return ErrSubscriptionClosed
	default:
	}
	for _, peer := range s.broadcaster.peers(s.channel) {
		select {
		case peer.broadcasts <- payload:
		default:
		}
	}
	return nil
}

// Track announces the subscriber's identity on the channel. Every other
// subscriber receives a presence-join event; the announcer does not hear
// its own join.
func (s *Subscription) Track(identity string) error {
	select {
	case <-s.closed:
		return ErrSubscriptionClosed
	default:
	}
	for _, peer := range s.broadcaster.peers(s.channel) {
		if peer.id == s.id {
			continue
		}
		select {
		case peer.presence <- identity:
		default:
		}
	}
	return nil
}

// Broadcasts returns the stream of payloads delivered to this subscription.
// The stream is never closed; readers should select on Done as well. A
// concurrent publisher may still hold a reference to the stream after Close,
// so closing it would race with fan-out.
func (s *Subscription) Broadcasts() <-chan []byte {
	return s.broadcasts
}

// PresenceJoins returns the stream of identities announced by new peers.
func (s *Subscription) PresenceJoins() <-chan string {
	return s.presence
}

// Done is closed once the subscription has detached.
func (s *Subscription) Done() <-chan struct{} {
	return s.closed
}

// Close detaches from the channel. Idempotent.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.broadcaster.detach(s.channel, s.id)
		close(s.closed)
	})
	return nil
}
