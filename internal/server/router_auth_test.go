package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubTokenManager struct {
	validateErr error
	subject     string
}

func (s stubTokenManager) IssueToken(_ context.Context, _, subject string) (string, int64, error) {
	return "stub-token-" + subject, 3600, nil
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.subject, nil
}

func TestTokenRequestRejectsWrongSharedKey(t *testing.T) {
	harness := newTestHarness(t)

	status, _ := harness.request(t, http.MethodPost, "/auth/token", "", map[string]string{
		"access_key": "guessed-key",
		"subject":    "user-1",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong shared key, got %d", status)
	}
}

func TestTokenRequestRejectsBlankSubject(t *testing.T) {
	harness := newTestHarness(t)

	status, _ := harness.request(t, http.MethodPost, "/auth/token", "", map[string]string{
		"access_key": testSharedKey,
		"subject":    "   ",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank subject, got %d", status)
	}
}

func TestTokenRequestResolvesRealmPrefixedSubjects(t *testing.T) {
	harness := newTestHarness(t)

	token := harness.issueToken(t, "sso:user-9")
	status, _ := harness.request(t, http.MethodGet, "/entities/article", token, nil)
	if status != http.StatusOK {
		t.Fatalf("expected issued token to authorize listing, got %d", status)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/entities/article", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: jwt.ErrTokenExpired},
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
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestAcceptsQueryParameterToken(t *testing.T) {
	harness := newTestHarness(t)

	token := harness.issueToken(t, "user-1")
	status, _ := harness.request(t, http.MethodGet, "/entities/article?access_token="+token, "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected query token to authorize listing, got %d", status)
	}
}

func TestAuthorizeRequestRejectsMissingToken(t *testing.T) {
	harness := newTestHarness(t)

	status, _ := harness.request(t, http.MethodGet, "/entities/article", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", status)
	}
}
