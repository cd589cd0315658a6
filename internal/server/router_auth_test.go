package server

import (
	contextpkg "context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/parchmentlabs/roomkit/internal/auth"
)

func sessionCookie(t *testing.T, userID, displayName string) *http.Cookie {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "tauth",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSessionSecret))
	if err != nil {
		t.Fatalf("failed to sign session token: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func TestTokenExchangeIssuesRoomToken(t *testing.T) {
	fixture := newTestFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/auth/token", http.NoBody)
	request.AddCookie(sessionCookie(t, "user-1", "Ada Lovelace"))

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if response.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", response.TokenType)
	}
	if response.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected display name %q", response.DisplayName)
	}
	if response.Color == "" {
		t.Fatalf("expected a collaborator color")
	}
	if response.ViewOnly {
		t.Fatalf("expected writable token by default")
	}

	claims, err := fixture.issuer.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestTokenExchangeHonorsViewOnlyRequest(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/auth/token", jsonBody(t, tokenRequestPayload{ViewOnly: true}))
	request.Header.Set("Content-Type", "application/json")
	request.AddCookie(sessionCookie(t, "user-2", "Observer"))
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response tokenResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	claims, err := fixture.issuer.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if !claims.ViewOnly {
		t.Fatalf("expected a view-only token")
	}
}

func TestTokenExchangeRejectsMissingSession(t *testing.T) {
	fixture := newTestFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/auth/token", http.NoBody)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing session cookie, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestAcceptsQueryToken(t *testing.T) {
	fixture := newTestFixture(t)
	token := fixture.issueToken(t, "user-1", false)

	recorder := fixture.doJSON(t, http.MethodGet, "/rooms/room-1?access_token="+token, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected query token to authorize, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAuthorizeRequestRejectsMissingToken(t *testing.T) {
	fixture := newTestFixture(t)

	recorder := fixture.doJSON(t, http.MethodGet, "/rooms/room-1", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", recorder.Code)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/rooms/room-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubRoomTokenManager{validateErr: jwt.ErrTokenExpired},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
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
	request := httptest.NewRequest(http.MethodGet, "/rooms/room-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubRoomTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

type stubRoomTokenManager struct {
	validateErr error
}

func (s stubRoomTokenManager) IssueRoomToken(contextpkg.Context, string, string, bool) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubRoomTokenManager) ValidateToken(string) (auth.RoomClaims, error) {
	return auth.RoomClaims{}, s.validateErr
}
