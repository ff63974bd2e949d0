package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultReconnectTimeout = 2 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadTimeout      = 90 * time.Second
)

// NotificationHandler receives the raw frames pushed by a server.
type NotificationHandler interface {
	HandleNotification(address string, payload []byte)
	Revalidate(address string)
}

// SocketConfig wires a SocketClient.
type SocketConfig struct {
	Address          string
	Token            string
	Schemas          []string
	Handler          NotificationHandler
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
	ReconnectTimeout time.Duration
	ReadTimeout      time.Duration
}

// SocketClient keeps a websocket to the server open and feeds its frames to a handler.
// Every successful reconnect revalidates the address, since changes may have been missed.
type SocketClient struct {
	address          string
	token            string
	schemas          []string
	handler          NotificationHandler
	dialer           *websocket.Dialer
	logger           *zap.Logger
	reconnectTimeout time.Duration
	readTimeout      time.Duration
}

// NewSocketClient validates cfg and returns a client.
func NewSocketClient(cfg SocketConfig) (*SocketClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("socket address is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("socket handler is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reconnect := cfg.ReconnectTimeout
	if reconnect <= 0 {
		reconnect = defaultReconnectTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	return &SocketClient{
		address:          cfg.Address,
		token:            cfg.Token,
		schemas:          append([]string(nil), cfg.Schemas...),
		handler:          cfg.Handler,
		dialer:           dialer,
		logger:           logger,
		reconnectTimeout: reconnect,
		readTimeout:      readTimeout,
	}, nil
}

// Run connects and reads until ctx ends, reconnecting after failures.
func (c *SocketClient) Run(ctx context.Context) error {
	target, err := c.socketURL()
	if err != nil {
		return err
	}
	connected := false
	for {
		ws, err := c.connect(ctx, target)
		if err != nil {
			c.logger.Info("socket connect failed",
				zap.String("address", c.address),
				zap.Error(err))
		} else {
			if connected {
				c.handler.Revalidate(c.address)
			}
			connected = true
			c.read(ctx, ws)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectTimeout):
		}
	}
}

func (c *SocketClient) connect(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	ws, response, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: socket refused", ErrUnauthorized)
		}
		return nil, err
	}
	return ws, nil
}

func (c *SocketClient) read(ctx context.Context, ws *websocket.Conn) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-readCtx.Done()
		ws.Close()
	}()
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	for {
		ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Info("socket closed", zap.String("address", c.address), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handler.HandleNotification(c.address, message)
	}
}

func (c *SocketClient) socketURL() (string, error) {
	parsed, err := url.Parse(strings.TrimRight(c.address, "/") + "/srv/socket")
	if err != nil {
		return "", fmt.Errorf("invalid socket address: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http", "":
		parsed.Scheme = "ws"
	}
	query := parsed.Query()
	for _, schema := range c.schemas {
		query.Add("schema", schema)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
