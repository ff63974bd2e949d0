package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 30 * time.Second
	socketWriteTimeout  = 10 * time.Second
	defaultSocketSchema = "global"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware and the session token.
	CheckOrigin: func(*http.Request) bool { return true },
}

type socketHello struct {
	Socket string `json:"socket"`
}

type schemaFrame struct {
	schema  string
	payload []byte
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	claims := sessionFrom(c)
	schemas := c.QueryArray("schema")
	if len(schemas) == 0 {
		schemas = []string{defaultSocketSchema}
	}
	allowed := make([]string, 0, len(schemas))
	seen := make(map[string]struct{}, len(schemas))
	for _, schema := range schemas {
		if _, dup := seen[schema]; dup {
			continue
		}
		seen[schema] = struct{}{}
		if h.store.AllowsSchema(schema) && claims.AllowsSchema(schema) {
			allowed = append(allowed, schema)
		}
	}
	if len(allowed) == 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden_schema"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	socketID := uuid.NewString()
	logger := h.logger.With(zap.String("socket", socketID), zap.String("user_id", claims.UserID))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frames := make(chan schemaFrame)
	var forwarders sync.WaitGroup
	for _, schema := range allowed {
		stream, cleanup := h.changes.Subscribe(ctx, schema)
		defer cleanup()
		forwarders.Add(1)
		go func(schema string, stream <-chan []byte) {
			defer forwarders.Done()
			for payload := range stream {
				select {
				case frames <- schemaFrame{schema: schema, payload: payload}:
				case <-ctx.Done():
					return
				}
			}
		}(schema, stream)
	}
	defer func() {
		cancel()
		forwarders.Wait()
	}()

	h.metrics.socketOpened()
	defer h.metrics.socketClosed()

	ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := ws.WriteJSON(socketHello{Socket: socketID}); err != nil {
		logger.Info("socket hello failed", zap.Error(err))
		return
	}
	logger.Info("socket opened", zap.Strings("schemas", allowed))

	// Inbound frames are ignored; reading drives control frame handling and close detection.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("socket closed")
			return
		case frame := <-frames:
			ws.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
				logger.Info("socket write failed", zap.String("schema", frame.schema), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
				logger.Info("socket ping failed", zap.Error(err))
				return
			}
		}
	}
}
