package transport

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
)

const defaultDialTimeout = 10 * time.Second

var (
	errMissingBaseURL = errors.New("transport: base url is required")
	errBadBaseURL     = errors.New("transport: base url must be http or https")
)

// wireFrame mirrors the change notification shape the feed endpoints emit.
type wireFrame struct {
	Operation  string         `json:"operation"`
	EntityType string         `json:"entity_type"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

// SocketConfig configures the websocket feed client.
type SocketConfig struct {
	BaseURL     string
	AccessToken string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// SocketClient dials the backend's websocket feed endpoints and adapts them
// to the collection transport contract. One client serves any number of
// subscriptions; each subscription holds its own connection.
type SocketClient struct {
	baseURL     *url.URL
	accessToken string
	dialTimeout time.Duration
	logger      *zap.Logger
}

// NewSocketClient validates the configuration and constructs a SocketClient.
func NewSocketClient(cfg SocketConfig) (*SocketClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errBadBaseURL
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketClient{
		baseURL:     parsed,
		accessToken: cfg.AccessToken,
		dialTimeout: dialTimeout,
		logger:      logger,
	}, nil
}

// EntityFeed returns the transport for row change notifications.
func (c *SocketClient) EntityFeed() collection.Transport {
	return &socketTransport{client: c}
}

// CounterFeed returns the transport for one aggregate metric's notifications.
func (c *SocketClient) CounterFeed(metric string) collection.Transport {
	return &socketTransport{client: c, metric: metric}
}

type socketTransport struct {
	client *SocketClient
	metric string
}

func (t *socketTransport) Subscribe(entityType collection.EntityType, filter collection.Filter, sink collection.FeedSink) (func(), error) {
	endpoint := *t.client.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + "/feed/" + entityType.String() + "/ws"
	query := endpoint.Query()
	if t.client.accessToken != "" {
		query.Set("access_token", t.client.accessToken)
	}
	if t.metric != "" {
		query.Set("metric", t.metric)
	}
	if !filter.IsZero() {
		query.Set("filter_column", filter.Column)
		query.Set("filter_value", filter.Value)
	}
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: t.client.dialTimeout}
	conn, _, err := dialer.Dial(endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	subscription := &socketSubscription{
		conn:   conn,
		sink:   sink,
		logger: t.client.logger,
	}
	go subscription.readLoop()
	return subscription.cancel, nil
}

type socketSubscription struct {
	conn     *websocket.Conn
	sink     collection.FeedSink
	logger   *zap.Logger
	closeOne sync.Once
	mu       sync.Mutex
	closed   bool
}

func (s *socketSubscription) cancel() {
	s.closeOne.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *socketSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *socketSubscription) readLoop() {
	for {
		var frame wireFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			s.logger.Warn("feed socket read failed", zap.Error(err))
			s.sink.Fail(err)
			return
		}
		s.sink.Deliver(collection.FeedMessage{
			Operation:  frame.Operation,
			EntityType: frame.EntityType,
			Before:     frame.Before,
			After:      frame.After,
		})
	}
}
