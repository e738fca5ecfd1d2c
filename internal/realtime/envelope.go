package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tesseralab/tessera/backend/internal/canvas"
)

// Kind discriminates the mutation envelope variants. The set is closed:
// Dispatch matches every kind exhaustively, so adding one is a compile-time
// visible change here and there.
type Kind string

const (
	KindAdd             Kind = "add"
	KindUpdate          Kind = "update"
	KindMove            Kind = "move"
	KindResize          Kind = "resize"
	KindDelete          Kind = "delete"
	KindRecolor         Kind = "recolor"
	KindVote            Kind = "vote"
	KindReact           Kind = "react"
	KindTyping          Kind = "typing"
	KindBulkSync        Kind = "bulk-sync"
	KindBulkCluster     Kind = "bulk-cluster"
	KindSessionRename   Kind = "session-rename"
	KindSessionSettings Kind = "session-settings"
	KindUserJoin        Kind = "user-join"
	KindUserRename      Kind = "user-rename"
)

var (
	// ErrUnknownKind indicates an envelope with an unrecognized operation kind.
	ErrUnknownKind = errors.New("realtime: unknown envelope kind")
	// ErrInvalidEnvelope indicates an envelope missing fields its kind requires.
	ErrInvalidEnvelope = errors.New("realtime: invalid envelope")
)

// ParseKind validates a raw operation kind.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.TrimSpace(value))
	switch kind {
	case KindAdd, KindUpdate, KindMove, KindResize, KindDelete, KindRecolor,
		KindVote, KindReact, KindTyping, KindBulkSync, KindBulkCluster,
		KindSessionRename, KindSessionSettings, KindUserJoin, KindUserRename:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
	}
}

// Continuous reports whether the kind is a high-frequency stream that goes
// through the throttle (drag, live resize, live typing) rather than being
// published immediately.
func (k Kind) Continuous() bool {
	switch k {
	case KindMove, KindResize, KindTyping:
		return true
	default:
		return false
	}
}

// Persisted reports whether the kind mutates durable state. Presence-style
// kinds are transient signals only.
func (k Kind) Persisted() bool {
	switch k {
	case KindTyping, KindBulkSync, KindUserJoin, KindUserRename:
		return false
	default:
		return true
	}
}

// Envelope is the wire unit broadcast over the pub/sub channel: one tagged
// variant per operation kind, carrying only the fields that kind needs, plus
// the originating-client tag used for echo suppression. Envelopes are never
// persisted; their effect is idempotent reapplication of final state.
type Envelope struct {
	Kind      Kind   `json:"type"`
	OriginID  string `json:"originId"`
	SessionID string `json:"sessionId,omitempty"`

	CardID    string       `json:"cardId,omitempty"`
	Card      *canvas.Card `json:"card,omitempty"`
	ElementID string       `json:"elementId,omitempty"`
	Element   *canvas.Element `json:"element,omitempty"`

	Position    *canvas.Position `json:"position,omitempty"`
	Size        *canvas.Size     `json:"size,omitempty"`
	Color       string           `json:"color,omitempty"`
	ContentJSON string           `json:"content,omitempty"`
	ElementData *canvas.ElementData `json:"elementData,omitempty"`

	ActorID string `json:"actorId,omitempty"`
	Emoji   string `json:"emoji,omitempty"`

	Cards     []canvas.Card          `json:"cards,omitempty"`
	Elements  []canvas.Element       `json:"elements,omitempty"`
	Positions []canvas.PositionPatch `json:"positions,omitempty"`

	Name        string `json:"name,omitempty"`
	Locked      *bool  `json:"locked,omitempty"`
	ExpiresAtS  *int64 `json:"expires_at_s,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Validate checks the kind-specific required fields.
func (e Envelope) Validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(e.OriginID) == "" {
		return fmt.Errorf("%w: missing origin id", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindAdd:
		if e.Card == nil && e.Element == nil {
			return fmt.Errorf("%w: add requires a card or element record", ErrInvalidEnvelope)
		}
	case KindMove:
		if e.Position == nil || (e.CardID == "" && e.ElementID == "") {
			return fmt.Errorf("%w: move requires a target id and position", ErrInvalidEnvelope)
		}
	case KindResize:
		if e.Size == nil || (e.CardID == "" && e.ElementID == "") {
			return fmt.Errorf("%w: resize requires a target id and size", ErrInvalidEnvelope)
		}
	case KindDelete:
		if e.CardID == "" && e.ElementID == "" {
			return fmt.Errorf("%w: delete requires a target id", ErrInvalidEnvelope)
		}
	case KindRecolor:
		if e.CardID == "" || e.Color == "" {
			return fmt.Errorf("%w: recolor requires a card id and color", ErrInvalidEnvelope)
		}
	case KindVote, KindReact:
		if e.CardID == "" || e.ActorID == "" {
			return fmt.Errorf("%w: %s requires a card id and actor id", ErrInvalidEnvelope, e.Kind)
		}
		if e.Kind == KindReact && e.Emoji == "" {
			return fmt.Errorf("%w: react requires an emoji", ErrInvalidEnvelope)
		}
	case KindUpdate, KindTyping:
		if e.CardID == "" && e.ElementID == "" {
			return fmt.Errorf("%w: %s requires a target id", ErrInvalidEnvelope, e.Kind)
		}
	case KindBulkCluster:
		if len(e.Positions) == 0 {
			return fmt.Errorf("%w: bulk-cluster requires positions", ErrInvalidEnvelope)
		}
	case KindSessionRename:
		if e.Name == "" {
			return fmt.Errorf("%w: session-rename requires a name", ErrInvalidEnvelope)
		}
	case KindSessionSettings:
		if e.Locked == nil && e.ExpiresAtS == nil {
			return fmt.Errorf("%w: session-settings requires a setting", ErrInvalidEnvelope)
		}
	case KindUserJoin, KindUserRename:
		if e.ActorID == "" {
			return fmt.Errorf("%w: %s requires an actor id", ErrInvalidEnvelope, e.Kind)
		}
	case KindBulkSync:
		// A bulk-sync of an empty collection is legal and a no-op.
	}
	return nil
}

// ThrottleKey derives the coalescing key for continuous kinds: one throttle
// window per entity and operation kind, so dragging one card never starves a
// concurrent resize of another.
func (e Envelope) ThrottleKey() string {
	target := e.CardID
	if target == "" {
		target = e.ElementID
	}
	return target + "|" + string(e.Kind)
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope unmarshals and validates a wire payload.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}
