package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tesseralab/tessera/backend/internal/auth"
	"github.com/tesseralab/tessera/backend/internal/canvas"
	"github.com/tesseralab/tessera/backend/internal/realtime"
	"github.com/tesseralab/tessera/backend/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// handleRealtime upgrades the request to a websocket and bridges the client
// onto the session's broadcast channel. Every inbound frame is one envelope;
// persisted kinds are written to the store before fan-out so a crash between
// the two never loses an acknowledged mutation.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	grant := grantFrom(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	originID := c.Query("client_id")
	if originID == "" {
		originID = uuid.NewString()
	}

	subscription, err := h.broadcaster.Subscribe(c.Request.Context(), grant.SessionID)
	if err != nil {
		h.logger.Error("failed to subscribe websocket client", zap.Error(err))
		return
	}
	defer subscription.Close()

	h.logger.Info("websocket client connected",
		zap.String("session_id", grant.SessionID),
		zap.String("user_id", grant.UserID),
		zap.String("origin_id", originID))

	// Writer pump. Outbound frames and peer joins are serialized here so the
	// read loop below is the only other goroutine touching the connection.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case payload := <-subscription.Broadcasts():
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case identity := <-subscription.PresenceJoins():
				join := realtime.Envelope{
					Kind:      realtime.KindUserJoin,
					OriginID:  realtimeSourceBackend,
					SessionID: grant.SessionID,
					ActorID:   identity,
				}
				payload, err := join.Encode()
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-subscription.Done():
				return
			}
		}
	}()

	// Announce this client to peers already on the channel. Their engines
	// answer with a bulk-sync snapshot, which reconciles any frames this
	// client missed while offline.
	if err := subscription.Track(originID); err != nil {
		h.logger.Warn("failed to announce websocket client", zap.Error(err))
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("websocket client disconnected",
				zap.String("origin_id", originID), zap.Error(err))
			break
		}

		envelope, err := realtime.DecodeEnvelope(payload)
		if err != nil {
			h.logger.Warn("rejected malformed envelope",
				zap.String("origin_id", originID), zap.Error(err))
			continue
		}
		// The connection's resolved identity is authoritative: a spoofed
		// origin tag would trip a peer's echo suppression.
		envelope.OriginID = originID
		envelope.SessionID = grant.SessionID

		allowed, err := h.authorizeEnvelope(c.Request.Context(), grant, envelope)
		if err != nil {
			h.logger.Error("envelope authorization failed", zap.Error(err))
			continue
		}
		if !allowed {
			h.logger.Info("rejected unauthorized envelope",
				zap.String("origin_id", originID),
				zap.String("kind", string(envelope.Kind)))
			continue
		}

		if envelope.Kind.Persisted() {
			if err := h.store.ApplyEnvelope(c.Request.Context(), envelope); err != nil {
				h.logger.Error("failed to persist envelope",
					zap.String("kind", string(envelope.Kind)), zap.Error(err))
				continue
			}
		}

		outbound, err := envelope.Encode()
		if err != nil {
			h.logger.Error("failed to re-encode envelope", zap.Error(err))
			continue
		}
		if err := subscription.Publish(outbound); err != nil {
			break
		}
	}

	subscription.Close()
	<-writerDone
}

// authorizeEnvelope applies the session permission model server-side. The
// ownership gates for vote and react consult the stored card when it exists;
// a vote racing ahead of its card's add frame is relayed unchecked, since
// order-tolerant peers may already hold the card.
func (h *httpHandler) authorizeEnvelope(ctx context.Context, grant auth.Grant, envelope realtime.Envelope) (bool, error) {
	session, err := h.store.GetSession(ctx, grant.SessionID)
	if err != nil {
		return false, err
	}

	switch envelope.Kind {
	case realtime.KindTyping, realtime.KindUserJoin, realtime.KindUserRename:
		return true, nil
	case realtime.KindVote:
		card, err := h.store.GetCard(ctx, grant.SessionID, envelope.CardID)
		if errors.Is(err, store.ErrCardNotFound) {
			return canvas.CanMutate(session, grant.Role), nil
		}
		if err != nil {
			return false, err
		}
		return canvas.CanVote(session, card, grant.UserID, grant.Role), nil
	case realtime.KindReact:
		card, err := h.store.GetCard(ctx, grant.SessionID, envelope.CardID)
		if errors.Is(err, store.ErrCardNotFound) {
			return canvas.CanMutate(session, grant.Role), nil
		}
		if err != nil {
			return false, err
		}
		return canvas.CanReact(session, card, grant.UserID, grant.Role), nil
	case realtime.KindSessionRename:
		return canvas.CanRenameSession(grant.Role), nil
	case realtime.KindSessionSettings:
		return canvas.CanConfigureSession(grant.Role), nil
	default:
		return canvas.CanMutate(session, grant.Role), nil
	}
}
