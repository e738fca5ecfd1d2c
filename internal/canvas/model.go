package canvas

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCardID indicates that a card identifier is empty or exceeds storage bounds.
	ErrInvalidCardID = errors.New("canvas: invalid card id")
	// ErrInvalidSessionID indicates that a session identifier is empty or exceeds storage bounds.
	ErrInvalidSessionID = errors.New("canvas: invalid session id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("canvas: invalid user id")
)

// CardID represents a validated card identifier.
type CardID string

// NewCardID validates raw input and returns a CardID.
func NewCardID(rawInput string) (CardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCardID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCardID, maxIdentifierLength)
	}
	return CardID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CardID) String() string {
	return string(id)
}

// SessionID represents a validated session identifier.
type SessionID string

// NewSessionID validates raw input and returns a SessionID.
func NewSessionID(rawInput string) (SessionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, maxIdentifierLength)
	}
	return SessionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SessionID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Role enumerates the participant roles within one session.
type Role string

const (
	// RoleCreator is assigned to the single session creator and never reassigned.
	RoleCreator Role = "creator"
	// RoleParticipant is assigned to every other joiner.
	RoleParticipant Role = "participant"
)

// ParseRole validates a raw role string.
func ParseRole(value string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RoleCreator):
		return RoleCreator, nil
	case string(RoleParticipant):
		return RoleParticipant, nil
	default:
		return "", fmt.Errorf("canvas: unknown role %q", value)
	}
}

// Position locates an entity on the canvas plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size captures the rendered footprint of an entity.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Card models one positioned, resizable card on the canvas. Content is an
// opaque rich-text document serialized as JSON; the engine never interprets
// it beyond moving it around.
type Card struct {
	ID          string              `json:"id"`
	SessionID   string              `json:"sessionId"`
	ContentJSON string              `json:"content"`
	Color       string              `json:"color"`
	Position    Position            `json:"position"`
	Size        Size                `json:"size"`
	Votes       int                 `json:"votes"`
	VoterIDs    []string            `json:"voterIds"`
	Reactions   map[string][]string `json:"reactions"`
	Embedding   []float64           `json:"embedding,omitempty"`
	CreatedByID string              `json:"createdById"`
	CreatedAtS  int64               `json:"created_at_s"`
	UpdatedAtS  int64               `json:"updated_at_s"`
}

// HasVoter reports whether the user already voted on the card.
func (c Card) HasVoter(userID string) bool {
	for _, voter := range c.VoterIDs {
		if voter == userID {
			return true
		}
	}
	return false
}

// HasReaction reports whether the user already reacted with the emoji.
func (c Card) HasReaction(emoji, userID string) bool {
	for _, reactor := range c.Reactions[emoji] {
		if reactor == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand cards across goroutine
// boundaries without sharing the voter and reaction slices.
func (c Card) Clone() Card {
	cloned := c
	if c.VoterIDs != nil {
		cloned.VoterIDs = append([]string(nil), c.VoterIDs...)
	}
	if c.Reactions != nil {
		cloned.Reactions = make(map[string][]string, len(c.Reactions))
		for emoji, reactors := range c.Reactions {
			cloned.Reactions[emoji] = append([]string(nil), reactors...)
		}
	}
	if c.Embedding != nil {
		cloned.Embedding = append([]float64(nil), c.Embedding...)
	}
	return cloned
}

// ElementKind discriminates the freeform element payload variants.
type ElementKind string

const (
	// ElementKindText is a freeform text block.
	ElementKindText ElementKind = "text"
	// ElementKindShape is a basic geometric shape.
	ElementKindShape ElementKind = "shape"
)

// ElementData is the variant payload of a freeform element.
type ElementData struct {
	Kind       ElementKind `json:"kind"`
	Text       string      `json:"text,omitempty"`
	FontFamily string      `json:"fontFamily,omitempty"`
	FontSizePx float64     `json:"fontSizePx,omitempty"`
	Shape      string      `json:"shape,omitempty"`
	Fill       string      `json:"fill,omitempty"`
}

// Element models a freeform text or shape entity. Structurally parallel to
// Card but a distinct collection with an independent lifecycle.
type Element struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"sessionId"`
	Position    Position    `json:"position"`
	Size        Size        `json:"size"`
	Data        ElementData `json:"data"`
	CreatedByID string      `json:"createdById"`
	CreatedAtS  int64       `json:"created_at_s"`
	UpdatedAtS  int64       `json:"updated_at_s"`
}

// Clone returns a copy of the element.
func (e Element) Clone() Element {
	return e
}

// Session describes one canvas replication domain.
type Session struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Locked      bool   `json:"locked"`
	ExpiresAtS  *int64 `json:"expires_at_s"`
	CreatedByID string `json:"createdById"`
	CreatedAtS  int64  `json:"created_at_s"`
}

// Claimed reports whether the session has been made permanent.
func (s Session) Claimed() bool {
	return s.ExpiresAtS == nil
}

// Participant binds a user to a role within one session.
type Participant struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
}
