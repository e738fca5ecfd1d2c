package server

import (
	"bytes"
	contextpkg "context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tesseralab/tessera/backend/internal/auth"
	"github.com/tesseralab/tessera/backend/internal/canvas"
	"github.com/tesseralab/tessera/backend/internal/cluster"
	"github.com/tesseralab/tessera/backend/internal/database"
	"github.com/tesseralab/tessera/backend/internal/realtime"
	"github.com/tesseralab/tessera/backend/internal/store"
	"github.com/tesseralab/tessera/backend/internal/transport"
)

type routerFixture struct {
	handler http.Handler
	store   *store.Service
	tokens  *auth.TokenIssuer
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "router.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	service, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1755000000, 0) },
		IDProvider: store.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new store service: %v", err)
	}
	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
	})
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:  tokens,
		Store:         service,
		ClusterEngine: cluster.NewEngine(cluster.EngineConfig{Rand: rand.New(rand.NewSource(7))}),
		Broadcaster:   transport.NewBroadcaster(),
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}
	return routerFixture{handler: handler, store: service, tokens: tokens}
}

func (f routerFixture) createSession(t *testing.T, name, userID string) (canvas.Session, string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"name": name, "user_id": userID})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader(body))
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create session: got %d, body %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Session canvas.Session `json:"session"`
		Token   struct {
			AccessToken string `json:"access_token"`
		} `json:"token"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return response.Session, response.Token.AccessToken
}

func (f routerFixture) seedCard(t *testing.T, sessionID, cardID string, embedding []float64) {
	t.Helper()
	err := f.store.ApplyEnvelope(contextpkg.Background(), realtime.Envelope{
		Kind:     realtime.KindAdd,
		OriginID: "seed",
		Card: &canvas.Card{
			ID:          cardID,
			SessionID:   sessionID,
			ContentJSON: `{"text":"seeded"}`,
			Embedding:   embedding,
			CreatedByID: "seeder",
		},
	})
	if err != nil {
		t.Fatalf("seed card %s: %v", cardID, err)
	}
}

func TestCreateSessionIssuesCreatorToken(t *testing.T) {
	fixture := newRouterFixture(t)
	session, token := fixture.createSession(t, "retro board", "user-alpha")
	if session.ID == "" {
		t.Fatal("expected a generated session id")
	}
	grant, err := fixture.tokens.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate issued token: %v", err)
	}
	if grant.SessionID != session.ID || grant.UserID != "user-alpha" || grant.Role != canvas.RoleCreator {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestJoinSessionGrantsParticipantRole(t *testing.T) {
	fixture := newRouterFixture(t)
	session, _ := fixture.createSession(t, "retro board", "user-alpha")

	body, _ := json.Marshal(map[string]any{"user_id": "user-beta"})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/join", bytes.NewReader(body))
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("join: got %d, body %s", recorder.Code, recorder.Body.String())
	}
	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	if response.Role != string(canvas.RoleParticipant) {
		t.Fatalf("expected participant role, got %q", response.Role)
	}
	grant, err := fixture.tokens.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("validate join token: %v", err)
	}
	if grant.UserID != "user-beta" || grant.SessionID != session.ID {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestJoinUnknownSessionReturnsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	body, _ := json.Marshal(map[string]any{"user_id": "user-beta"})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/sessions/missing/join", bytes.NewReader(body))
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("got %d, want %d", recorder.Code, http.StatusNotFound)
	}
}

func TestListCardsRequiresToken(t *testing.T) {
	fixture := newRouterFixture(t)
	session, _ := fixture.createSession(t, "retro board", "user-alpha")

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/sessions/"+session.ID+"/cards", http.NoBody)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestTokenForAnotherSessionIsRejected(t *testing.T) {
	fixture := newRouterFixture(t)
	session, _ := fixture.createSession(t, "retro board", "user-alpha")
	_, foreignToken := fixture.createSession(t, "other board", "user-alpha")

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/sessions/"+session.ID+"/cards", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+foreignToken)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("got %d, want %d", recorder.Code, http.StatusForbidden)
	}
}

func TestListCardsReturnsSeededCards(t *testing.T) {
	fixture := newRouterFixture(t)
	session, token := fixture.createSession(t, "retro board", "user-alpha")
	fixture.seedCard(t, session.ID, "card-1", nil)
	fixture.seedCard(t, session.ID, "card-2", nil)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/sessions/"+session.ID+"/cards", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("got %d, body %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Cards []canvas.Card `json:"cards"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode cards response: %v", err)
	}
	if len(response.Cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(response.Cards))
	}
}

func TestClusterEndpointRejectsSparseSessions(t *testing.T) {
	fixture := newRouterFixture(t)
	session, token := fixture.createSession(t, "retro board", "user-alpha")
	fixture.seedCard(t, session.ID, "card-1", []float64{1, 0})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/cluster", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want %d", recorder.Code, http.StatusUnprocessableEntity)
	}
}

func TestClusterEndpointPersistsLayout(t *testing.T) {
	fixture := newRouterFixture(t)
	session, token := fixture.createSession(t, "retro board", "user-alpha")
	fixture.seedCard(t, session.ID, "card-a1", []float64{0.0, 0.1})
	fixture.seedCard(t, session.ID, "card-a2", []float64{0.1, 0.0})
	fixture.seedCard(t, session.ID, "card-b1", []float64{9.0, 9.1})
	fixture.seedCard(t, session.ID, "card-b2", []float64{9.1, 9.0})

	body, _ := json.Marshal(map[string]any{"cluster_count": 2})
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/cluster", bytes.NewReader(body))
	request.Header.Set("Authorization", "Bearer "+token)
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("got %d, body %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		ClusterCount int                    `json:"cluster_count"`
		Positions    []canvas.PositionPatch `json:"positions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode cluster response: %v", err)
	}
	if response.ClusterCount != 2 {
		t.Fatalf("expected 2 clusters, got %d", response.ClusterCount)
	}
	if len(response.Positions) != 4 {
		t.Fatalf("expected 4 positions, got %d", len(response.Positions))
	}

	cards, err := fixture.store.ListCards(contextpkg.Background(), session.ID)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	byID := make(map[string]canvas.Card, len(cards))
	for _, card := range cards {
		byID[card.ID] = card
	}
	for _, patch := range response.Positions {
		card, ok := byID[patch.ID]
		if !ok {
			t.Fatalf("layout referenced unknown card %s", patch.ID)
		}
		if card.Position.X != patch.X || card.Position.Y != patch.Y {
			t.Fatalf("card %s position not persisted: stored %+v, patch %+v", patch.ID, card.Position, patch)
		}
	}
}

func TestClusterEndpointForbiddenOnLockedSessionForParticipant(t *testing.T) {
	fixture := newRouterFixture(t)
	session, creatorToken := fixture.createSession(t, "retro board", "user-alpha")
	fixture.seedCard(t, session.ID, "card-1", []float64{0, 0.1})
	fixture.seedCard(t, session.ID, "card-2", []float64{9, 9.1})

	locked := true
	err := fixture.store.ApplyEnvelope(contextpkg.Background(), realtime.Envelope{
		Kind:      realtime.KindSessionSettings,
		OriginID:  "seed",
		SessionID: session.ID,
		Locked:    &locked,
	})
	if err != nil {
		t.Fatalf("lock session: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"user_id": "user-beta"})
	joinRecorder := httptest.NewRecorder()
	joinRequest := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/join", bytes.NewReader(body))
	fixture.handler.ServeHTTP(joinRecorder, joinRequest)
	var joined tokenResponsePayload
	if err := json.Unmarshal(joinRecorder.Body.Bytes(), &joined); err != nil {
		t.Fatalf("decode join response: %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/cluster", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+joined.AccessToken)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("participant on locked session: got %d, want %d", recorder.Code, http.StatusForbidden)
	}

	creatorRecorder := httptest.NewRecorder()
	creatorRequest := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/cluster", http.NoBody)
	creatorRequest.Header.Set("Authorization", "Bearer "+creatorToken)
	fixture.handler.ServeHTTP(creatorRecorder, creatorRequest)
	if creatorRecorder.Code != http.StatusOK {
		t.Fatalf("creator on locked session: got %d, body %s", creatorRecorder.Code, creatorRecorder.Body.String())
	}
}

func TestDeleteSessionRequiresCreatorRole(t *testing.T) {
	fixture := newRouterFixture(t)
	session, creatorToken := fixture.createSession(t, "retro board", "user-alpha")

	body, _ := json.Marshal(map[string]any{"user_id": "user-beta"})
	joinRecorder := httptest.NewRecorder()
	joinRequest := httptest.NewRequest(http.MethodPost, "/sessions/"+session.ID+"/join", bytes.NewReader(body))
	fixture.handler.ServeHTTP(joinRecorder, joinRequest)
	var joined tokenResponsePayload
	if err := json.Unmarshal(joinRecorder.Body.Bytes(), &joined); err != nil {
		t.Fatalf("decode join response: %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodDelete, "/sessions/"+session.ID, http.NoBody)
	request.Header.Set("Authorization", "Bearer "+joined.AccessToken)
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("participant delete: got %d, want %d", recorder.Code, http.StatusForbidden)
	}

	creatorRecorder := httptest.NewRecorder()
	creatorRequest := httptest.NewRequest(http.MethodDelete, "/sessions/"+session.ID, http.NoBody)
	creatorRequest.Header.Set("Authorization", "Bearer "+creatorToken)
	fixture.handler.ServeHTTP(creatorRecorder, creatorRequest)
	if creatorRecorder.Code != http.StatusNoContent {
		t.Fatalf("creator delete: got %d, want %d", creatorRecorder.Code, http.StatusNoContent)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sessions/abc/cards", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/sessions/abc/cards", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{})
	if !errors.Is(err, errMissingTokenManager) {
		t.Fatalf("expected missing token manager error, got %v", err)
	}
}

type stubTokenManager struct {
	validateErr error
}

func (s stubTokenManager) IssueParticipantToken(contextpkg.Context, canvas.Participant) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateToken(string) (auth.Grant, error) {
	return auth.Grant{}, s.validateErr
}
