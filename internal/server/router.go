package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/backend"
	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
	"github.com/MarcoPoloResearchLab/undertow/internal/owners"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	ownerIDContextKey = "undertow_owner_id"

	defaultPageSize = 20
	maxPageSize     = 200
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingOwnerService  = errors.New("owner service dependency required")
	errMissingEntityStore   = errors.New("entity store dependency required")
	errMissingDispatcher    = errors.New("feed dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates backend access tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, sharedKey, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenManager TokenManager
	Owners       *owners.Service
	Entities     *backend.EntityStore
	Feed         *backend.Dispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the auth, CRUD, counter, and
// change feed endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Owners == nil {
		return nil, errMissingOwnerService
	}
	if deps.Entities == nil {
		return nil, errMissingEntityStore
	}
	if deps.Feed == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		owners:   deps.Owners,
		entities: deps.Entities,
		feed:     deps.Feed,
		logger:   logger,
	}

	router.POST("/auth/token", handler.handleTokenRequest)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/entities/:type", handler.handleList)
	protected.POST("/entities/:type", handler.handleInsert)
	protected.PATCH("/entities/:type/:id", handler.handleUpdate)
	protected.DELETE("/entities/:type/:id", handler.handleDelete)
	protected.PUT("/counters/:type/:id/:metric", handler.handleSetCounter)
	protected.GET("/feed/:type", handler.handleFeedStream)
	protected.GET("/feed/:type/ws", handler.handleFeedSocket)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	owners   *owners.Service
	entities *backend.EntityStore
	feed     *backend.Dispatcher
	logger   *zap.Logger
}

type tokenRequestPayload struct {
	AccessKey   string `json:"access_key"`
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenRequest(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Subject) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	ownerID, err := h.owners.ResolveOwnerID(owners.Credential{
		Subject:     request.Subject,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		h.logger.Warn("owner resolution failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.AccessKey, ownerID)
	if err != nil {
		h.logger.Warn("token issuance refused", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type recordPayload struct {
	ID               string         `json:"id"`
	UpdatedAtSeconds int64          `json:"updated_at_s"`
	Fields           map[string]any `json:"fields"`
}

type listResponsePayload struct {
	Records []recordPayload `json:"records"`
	Total   int64           `json:"total"`
	HasMore bool            `json:"has_more"`
}

func recordToPayload(record collection.Record) recordPayload {
	return recordPayload{
		ID:               record.ID,
		UpdatedAtSeconds: record.UpdatedAt,
		Fields:           record.Fields,
	}
}

func (h *httpHandler) handleList(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "page_size", defaultPageSize)
	if page <= 0 || pageSize <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	filter := collection.Filter{
		Column: strings.TrimSpace(c.Query("filter_column")),
		Value:  c.Query("filter_value"),
	}

	offset := (page - 1) * pageSize
	records, total, err := h.entities.FetchPage(c.Request.Context(), entityType, filter, offset, pageSize)
	if err != nil {
		h.logger.Error("entity page fetch failed", zap.Error(err), zap.String("entity_type", entityType.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}

	response := listResponsePayload{
		Records: make([]recordPayload, 0, len(records)),
		Total:   total,
		HasMore: int64(page*pageSize) < total,
	}
	for _, record := range records {
		response.Records = append(response.Records, recordToPayload(record))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleInsert(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	var payload map[string]any
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.entities.Insert(c.Request.Context(), c.GetString(ownerIDContextKey), entityType, payload)
	if err != nil {
		h.writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordToPayload(record))
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record, err := h.entities.Update(c.Request.Context(), c.GetString(ownerIDContextKey), entityType, c.Param("id"), patch)
	if err != nil {
		h.writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToPayload(record))
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	if err := h.entities.Delete(c.Request.Context(), c.GetString(ownerIDContextKey), entityType, c.Param("id")); err != nil {
		h.writeRequestError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type counterRequestPayload struct {
	Value int64 `json:"value"`
}

func (h *httpHandler) handleSetCounter(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	var payload counterRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	metric := strings.TrimSpace(c.Param("metric"))
	if metric == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_metric"})
		return
	}

	if err := h.entities.SetCounter(c.Request.Context(), entityType, c.Param("id"), metric, payload.Value); err != nil {
		h.writeRequestError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine client churn, not a signal worth warning on.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerIDContextKey, subject)
	c.Next()
}

// bearerToken extracts the access token from the Authorization header, or
// from the access_token query parameter for transports that cannot set
// headers, such as browser EventSource and WebSocket clients.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

func (h *httpHandler) entityTypeParam(c *gin.Context) (collection.EntityType, bool) {
	entityType, err := collection.NewEntityType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return "", false
	}
	return entityType, true
}

func (h *httpHandler) writeRequestError(c *gin.Context, err error) {
	code := collection.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case collection.CodeUniqueViolation:
		status = http.StatusConflict
	case collection.CodePermissionDenied:
		status = http.StatusForbidden
	case collection.CodeNotFound:
		status = http.StatusNotFound
	case collection.CodeWriteRejected:
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("entity request failed", zap.Error(err))
	}
	c.JSON(status, gin.H{"error": string(code)})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return value
}
