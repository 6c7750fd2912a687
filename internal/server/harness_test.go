package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/undertow/internal/auth"
	"github.com/MarcoPoloResearchLab/undertow/internal/backend"
	"github.com/MarcoPoloResearchLab/undertow/internal/owners"
)

const (
	testSharedKey = "deploy-key"
	testSecret    = "test-signing-secret"
)

type testHarness struct {
	server   *httptest.Server
	entities *backend.EntityStore
	feed     *backend.Dispatcher
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&backend.EntityRow{}, &backend.CounterRow{}, &owners.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		SharedKey:     testSharedKey,
		Issuer:        "undertow-auth",
		Audience:      "undertow-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	ownerService, err := owners.NewService(owners.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build owner service: %v", err)
	}

	dispatcher := backend.NewDispatcher(0)
	entities, err := backend.NewEntityStore(backend.EntityStoreConfig{
		Database: db,
		Feed:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build entity store: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Owners:       ownerService,
		Entities:     entities,
		Feed:         dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testHarness{server: server, entities: entities, feed: dispatcher}
}

func (h *testHarness) issueToken(t *testing.T, subject string) string {
	t.Helper()
	body := map[string]string{
		"access_key": testSharedKey,
		"subject":    subject,
	}
	status, payload := h.request(t, http.MethodPost, "/auth/token", "", body)
	if status != http.StatusOK {
		t.Fatalf("token request failed with status %d: %s", status, payload)
	}
	var response struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(payload, &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if response.AccessToken == "" {
		t.Fatalf("expected non-empty access token")
	}
	return response.AccessToken
}

func (h *testHarness) request(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := h.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return response.StatusCode, payload
}
