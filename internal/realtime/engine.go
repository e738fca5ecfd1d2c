package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tesseralab/tessera/backend/internal/canvas"
)

// State tracks the engine's transport lifecycle.
type State int

const (
	// StateDisconnected means no transport attachment; local applies continue
	// but nothing is published.
	StateDisconnected State = iota
	// StateConnecting means a subscribe call is in flight.
	StateConnecting
	// StateSubscribed means the channel is attached but presence has not been
	// announced yet.
	StateSubscribed
	// StateActive is steady state: applying, publishing, receiving.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const defaultThrottleInterval = 80 * time.Millisecond

var (
	errMissingSessionID   = errors.New("realtime: session id is required")
	errMissingOriginID    = errors.New("realtime: origin id is required")
	errMissingSubscribe   = errors.New("realtime: subscribe function is required")
	// ErrNotConnected indicates Connect was not called or the transport dropped.
	ErrNotConnected = errors.New("realtime: engine not connected")
	// ErrRejected indicates the permission gate refused a local mutation.
	ErrRejected = errors.New("realtime: mutation rejected")
)

// Subscription is the engine's view of one attached pub/sub channel. The
// in-process transport and the websocket relay both satisfy it.
type Subscription interface {
	Publish(payload []byte) error
	Track(identity string) error
	Broadcasts() <-chan []byte
	PresenceJoins() <-chan string
	Done() <-chan struct{}
	Close() error
}

// SubscribeFunc attaches to the named channel.
type SubscribeFunc func(ctx context.Context, channel string) (Subscription, error)

// RefetchFunc loads the session's durable state. Connect calls it so stale
// in-memory state never survives an outage.
type RefetchFunc func(ctx context.Context, sessionID string) (canvas.Cards, canvas.Elements, error)

// Authorizer is the permission-gate hook run before every local apply. A nil
// result accepts the mutation. Remote envelopes are not re-gated: the
// originating client gated them, and the durable store is the authority for
// anything that must stick.
type Authorizer func(envelope Envelope) error

// EngineConfig configures one synchronization engine instance.
type EngineConfig struct {
	SessionID        string
	OriginID         string
	Subscribe        SubscribeFunc
	Refetch          RefetchFunc
	Authorize        Authorizer
	ThrottleInterval time.Duration
	Logger           *zap.Logger
}

// Engine owns the in-memory card and element collections for one session: a
// read-through, write-around cache over the durable store. Local mutations
// apply synchronously and optimistically, then publish; remote envelopes
// apply through the same pure functions, so resulting state is identical
// regardless of origin.
type Engine struct {
	sessionID string
	originID  string
	subscribe SubscribeFunc
	refetch   RefetchFunc
	authorize Authorizer
	logger    *zap.Logger

	cards    *Box[canvas.Cards]
	elements *Box[canvas.Elements]
	throttle *Throttle

	mu           sync.Mutex
	state        State
	ready        bool
	alive        bool
	subscription Subscription
	session      canvas.Session
	participants map[string]string
}

// NewEngine constructs a disconnected engine with empty collections.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.SessionID == "" {
		return nil, errMissingSessionID
	}
	if cfg.OriginID == "" {
		return nil, errMissingOriginID
	}
	if cfg.Subscribe == nil {
		return nil, errMissingSubscribe
	}
	interval := cfg.ThrottleInterval
	if interval <= 0 {
		interval = defaultThrottleInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		sessionID:    cfg.SessionID,
		originID:     cfg.OriginID,
		subscribe:    cfg.Subscribe,
		refetch:      cfg.Refetch,
		authorize:    cfg.Authorize,
		logger:       logger,
		cards:        NewBox(canvas.Cards{}),
		elements:     NewBox(canvas.Elements{}),
		state:        StateDisconnected,
		alive:        true,
		session:      canvas.Session{ID: cfg.SessionID},
		participants: make(map[string]string),
	}
	engine.throttle = NewThrottle(interval, engine.publishNow)
	return engine, nil
}

// Connect attaches to the session channel and announces presence. The cached
// collections are invalidated and re-read from the durable store (via the
// refetch hook) before presence is announced, so peers answering the join
// never receive pre-outage state. The receive loop runs until the context is
// cancelled, Close is called, or the transport reports it is done.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return ErrNotConnected
	}
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return nil
	}
	e.state = StateConnecting
	e.mu.Unlock()

	// Cached state is untrusted across an outage; drop it before anything
	// can bulk-sync it to a peer.
	e.Reset(nil, nil)

	subscription, err := e.subscribe(ctx, e.sessionID)
	if err != nil {
		e.mu.Lock()
		e.state = StateDisconnected
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.subscription = subscription
	e.state = StateSubscribed
	e.mu.Unlock()

	if e.refetch != nil {
		cards, elements, err := e.refetch(ctx, e.sessionID)
		if err != nil {
			e.disconnect()
			return err
		}
		e.Reset(cards, elements)
	}

	if err := subscription.Track(e.originID); err != nil {
		e.disconnect()
		return err
	}

	e.mu.Lock()
	e.state = StateActive
	e.ready = true
	e.mu.Unlock()

	go e.receiveLoop(ctx, subscription)

	e.logger.Info("engine connected",
		zap.String("session_id", e.sessionID),
		zap.String("origin_id", e.originID))
	return nil
}

func (e *Engine) receiveLoop(ctx context.Context, subscription Subscription) {
	for {
		select {
		case payload := <-subscription.Broadcasts():
			e.onRemotePayload(payload)
		case identity := <-subscription.PresenceJoins():
			e.onPresenceJoin(identity)
		case <-subscription.Done():
			e.disconnect()
			return
		case <-ctx.Done():
			e.disconnect()
			return
		}
	}
}

// ApplyLocal gates, applies, and enqueues publication of one locally
// originated mutation. The in-memory apply happens synchronously before any
// network work, so UI-visible state never waits for the round-trip.
func (e *Engine) ApplyLocal(envelope Envelope) error {
	envelope.OriginID = e.originID
	envelope.SessionID = e.sessionID
	if err := envelope.Validate(); err != nil {
		return err
	}
	if e.authorize != nil {
		if err := e.authorize(envelope); err != nil {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	e.dispatch(envelope)

	e.mu.Lock()
	ready := e.ready && e.alive
	e.mu.Unlock()
	if !ready {
		// Local responsiveness over consistency: keep mutating the cache,
		// stop publishing until reconnected.
		return nil
	}

	if envelope.Kind.Continuous() {
		e.throttle.Schedule(envelope.ThrottleKey(), envelope)
		return nil
	}
	e.publishNow(envelope)
	return nil
}

func (e *Engine) publishNow(envelope Envelope) {
	e.mu.Lock()
	subscription := e.subscription
	ready := e.ready && e.alive
	e.mu.Unlock()
	if !ready || subscription == nil {
		return
	}

	payload, err := envelope.Encode()
	if err != nil {
		e.logger.Error("envelope encode failed",
			zap.String("session_id", e.sessionID),
			zap.String("kind", string(envelope.Kind)),
			zap.Error(err))
		return
	}
	if err := subscription.Publish(payload); err != nil {
		e.logger.Warn("publish failed, disconnecting",
			zap.String("session_id", e.sessionID),
			zap.String("kind", string(envelope.Kind)),
			zap.Error(err))
		e.disconnect()
	}
}

func (e *Engine) onRemotePayload(payload []byte) {
	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		e.logger.Warn("discarding malformed envelope",
			zap.String("session_id", e.sessionID),
			zap.Error(err))
		return
	}
	e.OnRemoteEnvelope(envelope)
}

// OnRemoteEnvelope applies a received envelope unless this client originated
// it: every locally published envelope is echoed back by the transport and
// must not be double-applied.
func (e *Engine) OnRemoteEnvelope(envelope Envelope) {
	if envelope.OriginID == e.originID {
		return
	}
	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()
	if !alive {
		return
	}
	e.dispatch(envelope)
}

// onPresenceJoin publishes a full-collection snapshot so the newcomer can
// materialize state without a store round-trip. This is the reconciliation
// mechanism that compensates for the transport's lack of delivery
// guarantees.
func (e *Engine) onPresenceJoin(identity string) {
	e.mu.Lock()
	alive := e.alive
	e.mu.Unlock()
	if !alive {
		return
	}

	cards := e.cards.Get()
	elements := e.elements.Get()
	if len(cards) == 0 && len(elements) == 0 {
		return
	}

	snapshot := Envelope{
		Kind:      KindBulkSync,
		OriginID:  e.originID,
		SessionID: e.sessionID,
		Cards:     make([]canvas.Card, 0, len(cards)),
		Elements:  make([]canvas.Element, 0, len(elements)),
	}
	for _, card := range cards {
		snapshot.Cards = append(snapshot.Cards, card.Clone())
	}
	for _, element := range elements {
		snapshot.Elements = append(snapshot.Elements, element.Clone())
	}

	e.logger.Debug("publishing bulk sync for new peer",
		zap.String("session_id", e.sessionID),
		zap.String("peer", identity),
		zap.Int("cards", len(snapshot.Cards)),
		zap.Int("elements", len(snapshot.Elements)))
	e.publishNow(snapshot)
}

// dispatch applies one envelope to the in-memory collections via the pure
// mutation core. The switch is exhaustive over the closed kind set.
func (e *Engine) dispatch(envelope Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch envelope.Kind {
	case KindAdd:
		if envelope.Card != nil {
			e.cards.Set(canvas.AddCard(e.cards.Get(), *envelope.Card))
		}
		if envelope.Element != nil {
			e.elements.Set(canvas.AddElement(e.elements.Get(), *envelope.Element))
		}
	case KindUpdate, KindTyping:
		if envelope.CardID != "" {
			e.cards.Set(canvas.UpdateCardContent(e.cards.Get(), envelope.CardID, envelope.ContentJSON))
		}
		if envelope.ElementID != "" && envelope.ElementData != nil {
			e.elements.Set(canvas.UpdateElementData(e.elements.Get(), envelope.ElementID, *envelope.ElementData))
		}
	case KindMove:
		if envelope.CardID != "" {
			e.cards.Set(canvas.MoveCard(e.cards.Get(), envelope.CardID, *envelope.Position))
		}
		if envelope.ElementID != "" {
			e.elements.Set(canvas.MoveElement(e.elements.Get(), envelope.ElementID, *envelope.Position))
		}
	case KindResize:
		if envelope.CardID != "" {
			e.cards.Set(canvas.ResizeCard(e.cards.Get(), envelope.CardID, *envelope.Size))
		}
		if envelope.ElementID != "" {
			e.elements.Set(canvas.ResizeElement(e.elements.Get(), envelope.ElementID, *envelope.Size))
		}
	case KindDelete:
		if envelope.CardID != "" {
			e.cards.Set(canvas.DeleteCard(e.cards.Get(), envelope.CardID))
		}
		if envelope.ElementID != "" {
			e.elements.Set(canvas.DeleteElement(e.elements.Get(), envelope.ElementID))
		}
	case KindRecolor:
		e.cards.Set(canvas.RecolorCard(e.cards.Get(), envelope.CardID, envelope.Color))
	case KindVote:
		e.cards.Set(canvas.VoteCard(e.cards.Get(), envelope.CardID, envelope.ActorID))
	case KindReact:
		e.cards.Set(canvas.ReactCard(e.cards.Get(), envelope.CardID, envelope.Emoji, envelope.ActorID))
	case KindBulkSync:
		e.cards.Set(canvas.MergeMissingCards(e.cards.Get(), envelope.Cards))
		e.elements.Set(canvas.MergeMissingElements(e.elements.Get(), envelope.Elements))
	case KindBulkCluster:
		e.cards.Set(canvas.ApplyPositions(e.cards.Get(), envelope.Positions))
	case KindSessionRename:
		e.session.Name = envelope.Name
	case KindSessionSettings:
		if envelope.Locked != nil {
			e.session.Locked = *envelope.Locked
		}
		if envelope.ExpiresAtS != nil {
			e.session.ExpiresAtS = envelope.ExpiresAtS
		}
	case KindUserJoin, KindUserRename:
		e.participants[envelope.ActorID] = envelope.DisplayName
	}
}

// Cards returns the current in-memory card collection. The mutation core is
// copy-on-write, so the returned map is never mutated afterwards.
func (e *Engine) Cards() canvas.Cards {
	return e.cards.Get()
}

// Elements returns the current in-memory element collection.
func (e *Engine) Elements() canvas.Elements {
	return e.elements.Get()
}

// Session returns the replicated session metadata.
func (e *Engine) Session() canvas.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Participants returns the known user id to display name mapping.
func (e *Engine) Participants() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := make(map[string]string, len(e.participants))
	for id, name := range e.participants {
		copied[id] = name
	}
	return copied
}

// State reports the transport lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset replaces the cached collections wholesale. Connect uses it to
// invalidate and reload the cache; embedders with their own store access can
// call it directly.
func (e *Engine) Reset(cards canvas.Cards, elements canvas.Elements) {
	if cards == nil {
		cards = canvas.Cards{}
	}
	if elements == nil {
		elements = canvas.Elements{}
	}
	e.cards.Set(cards)
	e.elements.Set(elements)
}

// disconnect drops to StateDisconnected and clears the ready flag. Local
// optimistic edits keep applying; publication stops until Connect runs
// again.
func (e *Engine) disconnect() {
	e.mu.Lock()
	subscription := e.subscription
	e.subscription = nil
	wasConnected := e.state != StateDisconnected
	e.state = StateDisconnected
	e.ready = false
	e.mu.Unlock()

	if subscription != nil {
		_ = subscription.Close()
	}
	if wasConnected {
		e.logger.Info("engine disconnected", zap.String("session_id", e.sessionID))
	}
}

// Close tears the engine down: pending throttle timers are cancelled (never
// fired post-teardown) and the subscription is released.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.alive {
		e.mu.Unlock()
		return
	}
	e.alive = false
	e.mu.Unlock()

	e.throttle.Close()
	e.disconnect()
}
