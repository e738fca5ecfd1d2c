package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tesseralab/tessera/backend/internal/canvas"
	"github.com/tesseralab/tessera/backend/internal/realtime"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrSessionNotFound indicates the session row does not exist.
	ErrSessionNotFound = errors.New("store: session not found")
	// ErrSessionExpired indicates the session's expiry timestamp has passed.
	ErrSessionExpired = errors.New("store: session expired")
	// ErrNotParticipant indicates the user has no role in the session.
	ErrNotParticipant = errors.New("store: user is not a participant")
	// ErrCardNotFound indicates the card row does not exist.
	ErrCardNotFound = errors.New("store: card not found")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a dotted operation code for diagnostics.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "store.service.new"
	opCreateSession = "store.create_session"
	opGetSession    = "store.get_session"
	opJoinSession   = "store.join_session"
	opApplyEnvelope = "store.apply_envelope"
	opListCards     = "store.list_cards"
	opGetCard       = "store.get_card"
	opListElements  = "store.list_elements"
	opEmbeddings    = "store.embedded_vectors"
	opDeleteSession = "store.delete_session"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues unique identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the durable store dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the single writer of record. The synchronization engine's
// broadcast is a notification; anything that must survive a reload goes
// through here before or alongside the publish.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the durable store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateSession writes the session row and its creator participant in one
// transaction. The creator role is assigned here and never reassigned.
func (s *Service) CreateSession(ctx context.Context, name, creatorID string, expiresAtS *int64) (canvas.Session, error) {
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		return canvas.Session{}, newServiceError(opCreateSession, "id_generation_failed", err)
	}
	now := s.clock().UTC().Unix()
	record := SessionRecord{
		SessionID:   sessionID,
		Name:        name,
		ExpiresAtS:  expiresAtS,
		CreatedByID: creatorID,
		CreatedAtS:  now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return newServiceError(opCreateSession, "session_insert_failed", err)
		}
		participant := ParticipantRecord{
			SessionID: sessionID,
			UserID:    creatorID,
			Role:      string(canvas.RoleCreator),
			JoinedAtS: now,
		}
		if err := tx.Create(&participant).Error; err != nil {
			return newServiceError(opCreateSession, "participant_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateSession, "transaction_failed", txErr, zap.String("name", name))
		return canvas.Session{}, txErr
	}

	s.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("created_by", creatorID))
	return record.ToSession(), nil
}

// GetSession loads the session row.
func (s *Service) GetSession(ctx context.Context, sessionID string) (canvas.Session, error) {
	var record SessionRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return canvas.Session{}, ErrSessionNotFound
	}
	if err != nil {
		s.logError(opGetSession, "query_failed", err, zap.String("session_id", sessionID))
		return canvas.Session{}, newServiceError(opGetSession, "query_failed", err)
	}
	return record.ToSession(), nil
}

// JoinSession ensures a participant row for the user and returns it. Joining
// an expired session is rejected; the creator keeps the creator role.
func (s *Service) JoinSession(ctx context.Context, sessionID, userID string) (canvas.Participant, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return canvas.Participant{}, err
	}
	if session.ExpiresAtS != nil && *session.ExpiresAtS <= s.clock().UTC().Unix() {
		return canvas.Participant{}, ErrSessionExpired
	}

	var record ParticipantRecord
	err = s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = ParticipantRecord{
			SessionID: sessionID,
			UserID:    userID,
			Role:      string(canvas.RoleParticipant),
			JoinedAtS: s.clock().UTC().Unix(),
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			s.logError(opJoinSession, "participant_insert_failed", err,
				zap.String("session_id", sessionID), zap.String("user_id", userID))
			return canvas.Participant{}, newServiceError(opJoinSession, "participant_insert_failed", err)
		}
	} else if err != nil {
		s.logError(opJoinSession, "query_failed", err, zap.String("session_id", sessionID))
		return canvas.Participant{}, newServiceError(opJoinSession, "query_failed", err)
	}

	role, err := canvas.ParseRole(record.Role)
	if err != nil {
		return canvas.Participant{}, newServiceError(opJoinSession, "corrupt_role", err)
	}
	return canvas.Participant{SessionID: sessionID, UserID: userID, Role: role}, nil
}

// ParticipantRole returns the user's role in the session.
func (s *Service) ParticipantRole(ctx context.Context, sessionID, userID string) (canvas.Role, error) {
	var record ParticipantRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotParticipant
	}
	if err != nil {
		return "", newServiceError(opJoinSession, "query_failed", err)
	}
	return canvas.ParseRole(record.Role)
}

// ListCards returns every card in the session, most recently updated first.
// Used for initial page load and reconnect re-fetch.
func (s *Service) ListCards(ctx context.Context, sessionID string) ([]canvas.Card, error) {
	var records []CardRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("updated_at_s DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opListCards, "query_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opListCards, "query_failed", err)
	}
	cards := make([]canvas.Card, 0, len(records))
	for _, record := range records {
		card, err := record.ToCard()
		if err != nil {
			return nil, newServiceError(opListCards, "corrupt_row", err)
		}
		cards = append(cards, card)
	}
	return cards, nil
}

// GetCard loads a single card. Returns ErrCardNotFound for an unknown id.
func (s *Service) GetCard(ctx context.Context, sessionID, cardID string) (canvas.Card, error) {
	var record CardRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND card_id = ?", sessionID, cardID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return canvas.Card{}, ErrCardNotFound
	}
	if err != nil {
		s.logError(opGetCard, "query_failed", err, zap.String("session_id", sessionID), zap.String("card_id", cardID))
		return canvas.Card{}, newServiceError(opGetCard, "query_failed", err)
	}
	card, err := record.ToCard()
	if err != nil {
		return canvas.Card{}, newServiceError(opGetCard, "corrupt_row", err)
	}
	return card, nil
}

// ListElements returns every freeform element in the session.
func (s *Service) ListElements(ctx context.Context, sessionID string) ([]canvas.Element, error) {
	var records []ElementRecord
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("updated_at_s DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opListElements, "query_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opListElements, "query_failed", err)
	}
	elements := make([]canvas.Element, 0, len(records))
	for _, record := range records {
		element, err := record.ToElement()
		if err != nil {
			return nil, newServiceError(opListElements, "corrupt_row", err)
		}
		elements = append(elements, element)
	}
	return elements, nil
}

// EmbeddedVectors returns the id-to-embedding mapping for every card in the
// session that has been analyzed. Cards without an embedding are excluded;
// the clustering engine never sees them.
func (s *Service) EmbeddedVectors(ctx context.Context, sessionID string) (map[string][]float64, error) {
	cards, err := s.ListCards(ctx, sessionID)
	if err != nil {
		return nil, newServiceError(opEmbeddings, "list_failed", err)
	}
	vectors := make(map[string][]float64)
	for _, card := range cards {
		if len(card.Embedding) > 0 {
			vectors[card.ID] = card.Embedding
		}
	}
	return vectors, nil
}

// ApplyEnvelope persists the effect of one mutation envelope and appends an
// audit row, all in one transaction. Transient kinds (typing, bulk-sync,
// presence) are no-ops here. The apply is idempotent like its in-memory
// counterpart: re-adding an id, deleting an absent id, or reapplying a
// field overwrite converges on the same rows.
func (s *Service) ApplyEnvelope(ctx context.Context, envelope realtime.Envelope) error {
	if !envelope.Kind.Persisted() {
		return nil
	}
	if err := envelope.Validate(); err != nil {
		return newServiceError(opApplyEnvelope, "invalid_envelope", err)
	}

	appliedAt := s.clock().UTC().Unix()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.applyPersisted(tx, envelope, appliedAt); err != nil {
			return err
		}
		changeID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opApplyEnvelope, "id_generation_failed", err)
		}
		audit := ChangeRecord{
			ChangeID:   changeID,
			SessionID:  envelope.SessionID,
			Kind:       string(envelope.Kind),
			ActorID:    envelope.ActorID,
			TargetID:   envelope.CardID + envelope.ElementID,
			AppliedAtS: appliedAt,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return newServiceError(opApplyEnvelope, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opApplyEnvelope, "transaction_failed", txErr,
			zap.String("session_id", envelope.SessionID),
			zap.String("kind", string(envelope.Kind)))
	}
	return txErr
}

func (s *Service) applyPersisted(tx *gorm.DB, envelope realtime.Envelope, appliedAt int64) error {
	switch envelope.Kind {
	case realtime.KindAdd:
		if envelope.Card != nil {
			card := *envelope.Card
			if card.CreatedAtS == 0 {
				card.CreatedAtS = appliedAt
			}
			card.UpdatedAtS = appliedAt
			record, err := NewCardRecord(card)
			if err != nil {
				return newServiceError(opApplyEnvelope, "card_encode_failed", err)
			}
			return createIfAbsent(tx, &record, "card_id = ? AND session_id = ?", card.ID, card.SessionID)
		}
		if envelope.Element != nil {
			element := *envelope.Element
			if element.CreatedAtS == 0 {
				element.CreatedAtS = appliedAt
			}
			element.UpdatedAtS = appliedAt
			record, err := NewElementRecord(element)
			if err != nil {
				return newServiceError(opApplyEnvelope, "element_encode_failed", err)
			}
			return createIfAbsent(tx, &record, "element_id = ? AND session_id = ?", element.ID, element.SessionID)
		}
		return nil
	case realtime.KindDelete:
		if envelope.CardID != "" {
			return tx.Where("card_id = ? AND session_id = ?", envelope.CardID, envelope.SessionID).
				Delete(&CardRecord{}).Error
		}
		return tx.Where("element_id = ? AND session_id = ?", envelope.ElementID, envelope.SessionID).
			Delete(&ElementRecord{}).Error
	case realtime.KindMove:
		if envelope.CardID != "" {
			return s.patchCard(tx, envelope, appliedAt, func(card canvas.Cards) canvas.Cards {
				return canvas.MoveCard(card, envelope.CardID, *envelope.Position)
			})
		}
		return s.patchElement(tx, envelope, appliedAt, func(elements canvas.Elements) canvas.Elements {
			return canvas.MoveElement(elements, envelope.ElementID, *envelope.Position)
		})
	case realtime.KindResize:
		if envelope.CardID != "" {
			return s.patchCard(tx, envelope, appliedAt, func(cards canvas.Cards) canvas.Cards {
				return canvas.ResizeCard(cards, envelope.CardID, *envelope.Size)
			})
		}
		return s.patchElement(tx, envelope, appliedAt, func(elements canvas.Elements) canvas.Elements {
			return canvas.ResizeElement(elements, envelope.ElementID, *envelope.Size)
		})
	case realtime.KindRecolor:
		return s.patchCard(tx, envelope, appliedAt, func(cards canvas.Cards) canvas.Cards {
			return canvas.RecolorCard(cards, envelope.CardID, envelope.Color)
		})
	case realtime.KindUpdate:
		if envelope.CardID != "" {
			return s.patchCard(tx, envelope, appliedAt, func(cards canvas.Cards) canvas.Cards {
				return canvas.UpdateCardContent(cards, envelope.CardID, envelope.ContentJSON)
			})
		}
		if envelope.ElementData != nil {
			return s.patchElement(tx, envelope, appliedAt, func(elements canvas.Elements) canvas.Elements {
				return canvas.UpdateElementData(elements, envelope.ElementID, *envelope.ElementData)
			})
		}
		return nil
	case realtime.KindVote:
		return s.patchCard(tx, envelope, appliedAt, func(cards canvas.Cards) canvas.Cards {
			return canvas.VoteCard(cards, envelope.CardID, envelope.ActorID)
		})
	case realtime.KindReact:
		return s.patchCard(tx, envelope, appliedAt, func(cards canvas.Cards) canvas.Cards {
			return canvas.ReactCard(cards, envelope.CardID, envelope.Emoji, envelope.ActorID)
		})
	case realtime.KindBulkCluster:
		for _, patch := range envelope.Positions {
			err := tx.Model(&CardRecord{}).
				Where("card_id = ? AND session_id = ?", patch.ID, envelope.SessionID).
				Updates(map[string]interface{}{
					"position_x":   patch.X,
					"position_y":   patch.Y,
					"updated_at_s": appliedAt,
				}).Error
			if err != nil {
				return newServiceError(opApplyEnvelope, "bulk_position_failed", err)
			}
		}
		return nil
	case realtime.KindSessionRename:
		return tx.Model(&SessionRecord{}).
			Where("session_id = ?", envelope.SessionID).
			Update("name", envelope.Name).Error
	case realtime.KindSessionSettings:
		updates := map[string]interface{}{}
		if envelope.Locked != nil {
			updates["locked"] = *envelope.Locked
		}
		if envelope.ExpiresAtS != nil {
			updates["expires_at_s"] = *envelope.ExpiresAtS
		}
		return tx.Model(&SessionRecord{}).
			Where("session_id = ?", envelope.SessionID).
			Updates(updates).Error
	case realtime.KindTyping, realtime.KindBulkSync, realtime.KindUserJoin, realtime.KindUserRename:
		return nil
	default:
		return newServiceError(opApplyEnvelope, "unknown_kind", realtime.ErrUnknownKind)
	}
}

// patchCard loads the row, routes it through the same pure mutation core
// the in-memory collections use, and saves the result. A missing row is a
// transient state gap, not an error.
func (s *Service) patchCard(tx *gorm.DB, envelope realtime.Envelope, appliedAt int64, apply func(canvas.Cards) canvas.Cards) error {
	var record CardRecord
	err := tx.Where("card_id = ? AND session_id = ?", envelope.CardID, envelope.SessionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opApplyEnvelope, "card_select_failed", err)
	}
	card, err := record.ToCard()
	if err != nil {
		return newServiceError(opApplyEnvelope, "corrupt_row", err)
	}
	patched := apply(canvas.Cards{card.ID: card})[card.ID]
	patched.UpdatedAtS = appliedAt
	updated, err := NewCardRecord(patched)
	if err != nil {
		return newServiceError(opApplyEnvelope, "card_encode_failed", err)
	}
	updated.CreatedAtS = record.CreatedAtS
	if err := tx.Save(&updated).Error; err != nil {
		return newServiceError(opApplyEnvelope, "card_save_failed", err)
	}
	return nil
}

func (s *Service) patchElement(tx *gorm.DB, envelope realtime.Envelope, appliedAt int64, apply func(canvas.Elements) canvas.Elements) error {
	var record ElementRecord
	err := tx.Where("element_id = ? AND session_id = ?", envelope.ElementID, envelope.SessionID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return newServiceError(opApplyEnvelope, "element_select_failed", err)
	}
	element, err := record.ToElement()
	if err != nil {
		return newServiceError(opApplyEnvelope, "corrupt_row", err)
	}
	patched := apply(canvas.Elements{element.ID: element})[element.ID]
	patched.UpdatedAtS = appliedAt
	updated, err := NewElementRecord(patched)
	if err != nil {
		return newServiceError(opApplyEnvelope, "element_encode_failed", err)
	}
	updated.CreatedAtS = record.CreatedAtS
	if err := tx.Save(&updated).Error; err != nil {
		return newServiceError(opApplyEnvelope, "element_save_failed", err)
	}
	return nil
}

// DeleteSession removes the session and everything scoped to it.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&CardRecord{}, &ElementRecord{}, &ParticipantRecord{}, &ChangeRecord{}} {
			if err := tx.Where("session_id = ?", sessionID).Delete(model).Error; err != nil {
				return newServiceError(opDeleteSession, "cascade_failed", err)
			}
		}
		return tx.Where("session_id = ?", sessionID).Delete(&SessionRecord{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteSession, "transaction_failed", txErr, zap.String("session_id", sessionID))
	}
	return txErr
}

func createIfAbsent(tx *gorm.DB, record interface{}, query string, args ...interface{}) error {
	var count int64
	if err := tx.Model(record).Where(query, args...).Count(&count).Error; err != nil {
		return newServiceError(opApplyEnvelope, "presence_check_failed", err)
	}
	if count > 0 {
		return nil
	}
	if err := tx.Create(record).Error; err != nil {
		return newServiceError(opApplyEnvelope, "insert_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}
