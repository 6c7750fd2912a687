package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
)

const defaultRequestTimeout = 15 * time.Second

var errMissingAPIBaseURL = errors.New("transport: api base url is required")

// APIClientConfig configures the HTTP request client.
type APIClientConfig struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// APIClient talks to the backend's request endpoints. It implements both the
// page fetcher and the writer contracts the sync engine consumes.
type APIClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewAPIClient validates the configuration and constructs an APIClient.
func NewAPIClient(cfg APIClientConfig) (*APIClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &APIClient{
		baseURL:     base,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
	}, nil
}

type recordEnvelope struct {
	ID               string         `json:"id"`
	UpdatedAtSeconds int64          `json:"updated_at_s"`
	Fields           map[string]any `json:"fields"`
}

func (e recordEnvelope) record() collection.Record {
	return collection.Record{
		ID:        e.ID,
		UpdatedAt: e.UpdatedAtSeconds,
		Fields:    e.Fields,
	}
}

type listEnvelope struct {
	Records []recordEnvelope `json:"records"`
	Total   int64            `json:"total"`
	HasMore bool             `json:"has_more"`
}

// FetchPage retrieves one window of the collection via the listing endpoint.
// The endpoint is page oriented, so the offset must be aligned to the limit.
func (c *APIClient) FetchPage(ctx context.Context, entityType collection.EntityType, filter collection.Filter, offset, limit int) ([]collection.Record, int64, error) {
	if limit <= 0 {
		return nil, 0, fmt.Errorf("transport: page limit must be positive, got %d", limit)
	}
	page := offset/limit + 1

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(limit))
	if !filter.IsZero() {
		query.Set("filter_column", filter.Column)
		query.Set("filter_value", filter.Value)
	}

	endpoint := c.baseURL + "/entities/" + url.PathEscape(entityType.String()) + "?" + query.Encode()
	var envelope listEnvelope
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &envelope); err != nil {
		return nil, 0, err
	}

	records := make([]collection.Record, 0, len(envelope.Records))
	for _, item := range envelope.Records {
		records = append(records, item.record())
	}
	return records, envelope.Total, nil
}

// Insert creates an entity through the request API.
func (c *APIClient) Insert(ctx context.Context, entityType collection.EntityType, payload map[string]any) (collection.Record, error) {
	endpoint := c.baseURL + "/entities/" + url.PathEscape(entityType.String())
	var envelope recordEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &envelope); err != nil {
		return collection.Record{}, err
	}
	return envelope.record(), nil
}

// Update patches an entity through the request API, returning the canonical
// row state the server settled on.
func (c *APIClient) Update(ctx context.Context, entityType collection.EntityType, id string, patch collection.Patch) (collection.Record, error) {
	endpoint := c.baseURL + "/entities/" + url.PathEscape(entityType.String()) + "/" + url.PathEscape(id)
	var envelope recordEnvelope
	if err := c.do(ctx, http.MethodPatch, endpoint, map[string]any(patch), &envelope); err != nil {
		return collection.Record{}, err
	}
	return envelope.record(), nil
}

// Delete removes an entity through the request API.
func (c *APIClient) Delete(ctx context.Context, entityType collection.EntityType, id string) error {
	endpoint := c.baseURL + "/entities/" + url.PathEscape(entityType.String()) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func (c *APIClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode >= http.StatusBadRequest {
		return requestErrorFromResponse(response.StatusCode, payload)
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// requestErrorFromResponse rebuilds the typed request error the server
// flattened into its HTTP response, so engine-side classification still works.
func requestErrorFromResponse(status int, payload []byte) error {
	var envelope errorEnvelope
	_ = json.Unmarshal(payload, &envelope)
	code := collection.ErrorCode(envelope.Error)
	base := fmt.Errorf("transport: request failed with status %d", status)

	switch code {
	case collection.CodeUniqueViolation, collection.CodePermissionDenied, collection.CodeNotFound, collection.CodeWriteRejected:
		return collection.NewRequestError(code, base)
	}
	switch status {
	case http.StatusConflict:
		return collection.NewRequestError(collection.CodeUniqueViolation, base)
	case http.StatusForbidden:
		return collection.NewRequestError(collection.CodePermissionDenied, base)
	case http.StatusNotFound:
		return collection.NewRequestError(collection.CodeNotFound, base)
	}
	return collection.NewRequestError(collection.CodeWriteRejected, base)
}
