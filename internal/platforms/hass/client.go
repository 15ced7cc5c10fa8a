// Package hass bridges Home Assistant entities onto Matter endpoints. It
// speaks the Home Assistant WebSocket API: token auth, a get_states snapshot
// on connect, then a state_changed subscription that keeps reachability and
// state in sync.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is the Home Assistant API surface the platform consumes. Split out
// so tests can substitute a fake hub.
type Client interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetStates() ([]*EntityState, error)
	CallService(domain, service string, data map[string]interface{}) error
	OnStateChanged(handler StateHandler)
}

// wsClient implements Client over gorilla/websocket. A single receive
// goroutine routes correlated responses to waiting callers through the
// pending map and fans events out to the state handler.
type wsClient struct {
	url    string
	token  string
	logger *zap.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool

	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan message

	handlerMu sync.RWMutex
	handler   StateHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a Home Assistant WebSocket client.
func NewClient(url, token string, logger *zap.Logger) Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsClient{
		url:     url,
		token:   token,
		logger:  logger,
		pending: make(map[int]chan message),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnStateChanged installs the state_changed handler. Must be set before
// Connect.
func (c *wsClient) OnStateChanged(handler StateHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = handler
}

// Connect dials the hub, authenticates and subscribes to state_changed
// events.
func (c *wsClient) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true

	go c.receive()
	c.connMu.Unlock()

	if err := c.subscribeEvents(); err != nil {
		c.logger.Warn("State change subscription failed", zap.Error(err))
	}

	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))
	return nil
}

func (c *wsClient) authenticate(conn *websocket.Conn) error {
	var required message
	if err := conn.ReadJSON(&required); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if required.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", required.Type)
	}

	if err := conn.WriteJSON(authMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp message
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", resp.Type)
	}
}

// Disconnect closes the connection and stops reconnection attempts.
func (c *wsClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected reports the connection state.
func (c *wsClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *wsClient) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// request sends a correlated request and waits for its response.
func (c *wsClient) request(msgID int, msg interface{}) (*message, error) {
	c.connMu.RLock()
	conn := c.conn
	connected := c.connected
	c.connMu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("not connected")
	}

	respChan := make(chan message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("hub error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for response")
	case <-c.ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

func (c *wsClient) receive() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.logger.Error("Read failed", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *wsClient) handleEvent(msg *message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var data stateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Bad state_changed payload", zap.Error(err))
		return
	}

	c.handlerMu.RLock()
	handler := c.handler
	c.handlerMu.RUnlock()
	if handler != nil {
		handler(data.EntityID, data.OldState, data.NewState)
	}
}

func (c *wsClient) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	reconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")
	if reconnect {
		go c.attemptReconnect()
	}
}

func (c *wsClient) attemptReconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		select {
		case <-c.ctx.Done():
			return backoff.Permanent(c.ctx.Err())
		default:
		}
		c.logger.Info("Reconnecting to Home Assistant")
		return c.Connect()
	}, policy)
	if err != nil {
		c.logger.Error("Reconnection abandoned", zap.Error(err))
		return
	}
	c.logger.Info("Reconnected")
}

func (c *wsClient) subscribeEvents() error {
	id := c.nextMsgID()
	_, err := c.request(id, &subscribeEventsRequest{
		ID:        id,
		Type:      "subscribe_events",
		EventType: "state_changed",
	})
	return err
}

// GetStates fetches a snapshot of all entity states.
func (c *wsClient) GetStates() ([]*EntityState, error) {
	id := c.nextMsgID()
	resp, err := c.request(id, &getStatesRequest{ID: id, Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*EntityState
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("unmarshal states: %w", err)
	}
	return states, nil
}

// CallService invokes a Home Assistant service.
func (c *wsClient) CallService(domain, service string, data map[string]interface{}) error {
	id := c.nextMsgID()
	_, err := c.request(id, &callServiceRequest{
		ID:          id,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	return err
}
