package store

import (
	"encoding/json"
	"fmt"

	"github.com/tesseralab/tessera/backend/internal/canvas"
)

// CardRecord is the persisted card row. Voter ids, reactions, and the
// embedding vector are stored as JSON text columns; the durable store never
// queries inside them.
type CardRecord struct {
	CardID         string  `gorm:"column:card_id;primaryKey;size:190;not null"`
	SessionID      string  `gorm:"column:session_id;primaryKey;size:190;not null;index:idx_cards_session_updated,priority:1"`
	ContentJSON    string  `gorm:"column:content_json;type:text;not null"`
	Color          string  `gorm:"column:color;size:16;not null;default:''"`
	PositionX      float64 `gorm:"column:position_x;not null;default:0"`
	PositionY      float64 `gorm:"column:position_y;not null;default:0"`
	Width          float64 `gorm:"column:width;not null;default:0"`
	Height         float64 `gorm:"column:height;not null;default:0"`
	Votes          int     `gorm:"column:votes;not null;default:0"`
	VoterIDsJSON   string  `gorm:"column:voter_ids_json;type:text;not null;default:'[]'"`
	ReactionsJSON  string  `gorm:"column:reactions_json;type:text;not null;default:'{}'"`
	EmbeddingJSON  string  `gorm:"column:embedding_json;type:text;not null;default:''"`
	CreatedByID    string  `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtS     int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtS     int64   `gorm:"column:updated_at_s;not null;index:idx_cards_session_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (CardRecord) TableName() string {
	return "cards"
}

// ToCard materializes the domain card from the row.
func (r CardRecord) ToCard() (canvas.Card, error) {
	card := canvas.Card{
		ID:          r.CardID,
		SessionID:   r.SessionID,
		ContentJSON: r.ContentJSON,
		Color:       r.Color,
		Position:    canvas.Position{X: r.PositionX, Y: r.PositionY},
		Size:        canvas.Size{Width: r.Width, Height: r.Height},
		Votes:       r.Votes,
		CreatedByID: r.CreatedByID,
		CreatedAtS:  r.CreatedAtS,
		UpdatedAtS:  r.UpdatedAtS,
	}
	if r.VoterIDsJSON != "" {
		if err := json.Unmarshal([]byte(r.VoterIDsJSON), &card.VoterIDs); err != nil {
			return canvas.Card{}, fmt.Errorf("store: voter ids for card %s: %w", r.CardID, err)
		}
	}
	if r.ReactionsJSON != "" {
		if err := json.Unmarshal([]byte(r.ReactionsJSON), &card.Reactions); err != nil {
			return canvas.Card{}, fmt.Errorf("store: reactions for card %s: %w", r.CardID, err)
		}
	}
	if r.EmbeddingJSON != "" {
		if err := json.Unmarshal([]byte(r.EmbeddingJSON), &card.Embedding); err != nil {
			return canvas.Card{}, fmt.Errorf("store: embedding for card %s: %w", r.CardID, err)
		}
	}
	return card, nil
}

// NewCardRecord builds a row from the domain card.
func NewCardRecord(card canvas.Card) (CardRecord, error) {
	record := CardRecord{
		CardID:      card.ID,
		SessionID:   card.SessionID,
		ContentJSON: card.ContentJSON,
		Color:       card.Color,
		PositionX:   card.Position.X,
		PositionY:   card.Position.Y,
		Width:       card.Size.Width,
		Height:      card.Size.Height,
		Votes:       card.Votes,
		CreatedByID: card.CreatedByID,
		CreatedAtS:  card.CreatedAtS,
		UpdatedAtS:  card.UpdatedAtS,
	}
	voterIDs := card.VoterIDs
	if voterIDs == nil {
		voterIDs = []string{}
	}
	voters, err := json.Marshal(voterIDs)
	if err != nil {
		return CardRecord{}, err
	}
	record.VoterIDsJSON = string(voters)

	reactions := card.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	reactionsJSON, err := json.Marshal(reactions)
	if err != nil {
		return CardRecord{}, err
	}
	record.ReactionsJSON = string(reactionsJSON)

	if card.Embedding != nil {
		embedding, err := json.Marshal(card.Embedding)
		if err != nil {
			return CardRecord{}, err
		}
		record.EmbeddingJSON = string(embedding)
	}
	return record, nil
}

// ElementRecord is the persisted freeform element row.
type ElementRecord struct {
	ElementID   string  `gorm:"column:element_id;primaryKey;size:190;not null"`
	SessionID   string  `gorm:"column:session_id;primaryKey;size:190;not null;index"`
	PositionX   float64 `gorm:"column:position_x;not null;default:0"`
	PositionY   float64 `gorm:"column:position_y;not null;default:0"`
	Width       float64 `gorm:"column:width;not null;default:0"`
	Height      float64 `gorm:"column:height;not null;default:0"`
	DataJSON    string  `gorm:"column:data_json;type:text;not null;default:'{}'"`
	CreatedByID string  `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtS  int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtS  int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ElementRecord) TableName() string {
	return "elements"
}

// ToElement materializes the domain element from the row.
func (r ElementRecord) ToElement() (canvas.Element, error) {
	element := canvas.Element{
		ID:          r.ElementID,
		SessionID:   r.SessionID,
		Position:    canvas.Position{X: r.PositionX, Y: r.PositionY},
		Size:        canvas.Size{Width: r.Width, Height: r.Height},
		CreatedByID: r.CreatedByID,
		CreatedAtS:  r.CreatedAtS,
		UpdatedAtS:  r.UpdatedAtS,
	}
	if r.DataJSON != "" {
		if err := json.Unmarshal([]byte(r.DataJSON), &element.Data); err != nil {
			return canvas.Element{}, fmt.Errorf("store: data for element %s: %w", r.ElementID, err)
		}
	}
	return element, nil
}

// NewElementRecord builds a row from the domain element.
func NewElementRecord(element canvas.Element) (ElementRecord, error) {
	data, err := json.Marshal(element.Data)
	if err != nil {
		return ElementRecord{}, err
	}
	return ElementRecord{
		ElementID:   element.ID,
		SessionID:   element.SessionID,
		PositionX:   element.Position.X,
		PositionY:   element.Position.Y,
		Width:       element.Size.Width,
		Height:      element.Size.Height,
		DataJSON:    string(data),
		CreatedByID: element.CreatedByID,
		CreatedAtS:  element.CreatedAtS,
		UpdatedAtS:  element.UpdatedAtS,
	}, nil
}

// SessionRecord is the persisted session row.
type SessionRecord struct {
	SessionID   string `gorm:"column:session_id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;size:320;not null"`
	Locked      bool   `gorm:"column:locked;not null;default:false"`
	ExpiresAtS  *int64 `gorm:"column:expires_at_s"`
	CreatedByID string `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtS  int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SessionRecord) TableName() string {
	return "sessions"
}

// ToSession materializes the domain session from the row.
func (r SessionRecord) ToSession() canvas.Session {
	return canvas.Session{
		ID:          r.SessionID,
		Name:        r.Name,
		Locked:      r.Locked,
		ExpiresAtS:  r.ExpiresAtS,
		CreatedByID: r.CreatedByID,
		CreatedAtS:  r.CreatedAtS,
	}
}

// ParticipantRecord binds a user to a role within one session. At most one
// creator row exists per session, written at session creation and never
// reassigned.
type ParticipantRecord struct {
	SessionID string `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role      string `gorm:"column:role;size:32;not null"`
	JoinedAtS int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ParticipantRecord) TableName() string {
	return "participants"
}

// ChangeRecord captures an append-only audit trail of applied mutations.
type ChangeRecord struct {
	ChangeID   string `gorm:"column:change_id;primaryKey;size:190;not null"`
	SessionID  string `gorm:"column:session_id;not null;index:idx_changes_session_time,priority:1"`
	Kind       string `gorm:"column:kind;size:32;not null"`
	ActorID    string `gorm:"column:actor_id;size:190;not null"`
	TargetID   string `gorm:"column:target_id;size:190;not null;default:''"`
	AppliedAtS int64  `gorm:"column:applied_at_s;not null;index:idx_changes_session_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "canvas_changes"
}
