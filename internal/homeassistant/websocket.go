package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by WebSocket requests made while the
// connection is down.
var ErrNotConnected = errors.New("websocket not connected")

// requestTimeout bounds the wait for a result message.
const requestTimeout = 10 * time.Second

// WSClient manages a WebSocket connection to Home Assistant.
type WSClient struct {
	baseURL string
	token   string
	conn    *websocket.Conn
	connMu  sync.Mutex
	msgID   atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	logger *slog.Logger
}

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsResponse wraps the result with success/error info for the response channel.
type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// NewWSClient creates a new WebSocket client for Home Assistant.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		pending: make(map[int64]chan wsResponse),
		logger:  logger,
	}
}

// websocketURL converts the HA base URL to its WebSocket endpoint.
func websocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	return u.String(), nil
}

// Connect establishes the WebSocket connection and authenticates.
func (c *WSClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return err
	}

	c.logger.Info("connecting to Home Assistant WebSocket", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	c.logger.Info("WebSocket authenticated")

	c.conn = conn
	go c.readLoop(conn)
	return nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	authMsg := map[string]string{
		"type":         "auth",
		"access_token": token,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}
}

// Connected reports whether the WebSocket is up.
func (c *WSClient) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Reconnect closes the existing connection (if any) and re-establishes
// the WebSocket. It is called from the connwatch OnReady callback when
// Home Assistant becomes reachable again.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.logger.Info("reconnecting WebSocket")

	// Ignore errors; the old connection may already be dead.
	c.Close()

	return c.Connect(ctx)
}

// FireEvent fires a custom event on the HA event bus.
func (c *WSClient) FireEvent(ctx context.Context, eventType string, data any) error {
	id := c.msgID.Add(1)
	msg := map[string]any{
		"id":         id,
		"type":       "fire_event",
		"event_type": eventType,
		"event_data": data,
	}

	if _, err := c.sendAndWait(ctx, id, msg); err != nil {
		return fmt.Errorf("fire %s: %w", eventType, err)
	}
	return nil
}

// sendAndWait sends a message and waits for the response.
func (c *WSClient) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return nil, ErrNotConnected
	}
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// readLoop reads messages from conn until it fails, then marks the
// client disconnected. Reconnection is driven by connwatch.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
				return
			}
			c.logger.Warn("WebSocket read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- wsResponse{
					Success: msg.Success,
					Result:  msg.Result,
					Error:   msg.Error,
				}
			}
			c.pendingMu.Unlock()

		case "pong":
			// Ping/pong keepalive, ignore

		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}
