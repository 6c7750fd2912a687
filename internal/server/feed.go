package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
)

const (
	feedEventChange    = "change"
	feedEventHeartbeat = "heartbeat"

	heartbeatInterval = 25 * time.Second
	socketWriteWait   = 10 * time.Second
	streamBufferSize  = 64
)

// feedFrame is the wire shape of one change notification on the SSE and
// websocket feeds.
type feedFrame struct {
	Operation  string         `json:"operation"`
	EntityType string         `json:"entity_type"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
}

func frameFromMessage(message collection.FeedMessage) feedFrame {
	return feedFrame{
		Operation:  message.Operation,
		EntityType: message.EntityType,
		Before:     message.Before,
		After:      message.After,
	}
}

// streamSink bridges dispatcher deliveries onto a channel the HTTP handler
// can select on. Slow consumers lose frames rather than stalling the feed.
type streamSink struct {
	frames   chan collection.FeedMessage
	failures chan error
}

func newStreamSink() *streamSink {
	return &streamSink{
		frames:   make(chan collection.FeedMessage, streamBufferSize),
		failures: make(chan error, 1),
	}
}

func (s *streamSink) Deliver(message collection.FeedMessage) {
	select {
	case s.frames <- message:
	default:
	}
}

func (s *streamSink) Fail(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

func (h *httpHandler) feedTransport(c *gin.Context) collection.Transport {
	metric := strings.TrimSpace(c.Query("metric"))
	if metric != "" {
		return h.feed.CounterFeed(metric)
	}
	return h.feed.EntityFeed()
}

func feedFilter(c *gin.Context) collection.Filter {
	return collection.Filter{
		Column: strings.TrimSpace(c.Query("filter_column")),
		Value:  c.Query("filter_value"),
	}
}

func (h *httpHandler) handleFeedStream(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	sink := newStreamSink()
	cancel, err := h.feedTransport(c).Subscribe(entityType, feedFilter(c), sink)
	if err != nil {
		h.logger.Error("feed subscription failed", zap.Error(err), zap.String("entity_type", entityType.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-sink.failures:
			return
		case message := <-sink.frames:
			c.SSEvent(feedEventChange, frameFromMessage(message))
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent(feedEventHeartbeat, gin.H{"time": time.Now().UTC().Unix()})
			c.Writer.Flush()
		}
	}
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

func (h *httpHandler) handleFeedSocket(c *gin.Context) {
	entityType, ok := h.entityTypeParam(c)
	if !ok {
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sink := newStreamSink()
	cancel, err := h.feedTransport(c).Subscribe(entityType, feedFilter(c), sink)
	if err != nil {
		h.logger.Error("feed subscription failed", zap.Error(err), zap.String("entity_type", entityType.String()))
		return
	}
	defer cancel()

	// Drain the client side so close frames are processed.
	readerClosed := make(chan struct{})
	go func() {
		defer close(readerClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-readerClosed:
			return
		case <-sink.failures:
			return
		case message := <-sink.frames:
			conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteJSON(frameFromMessage(message)); err != nil {
				return
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
