// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway maintains the websocket connection to the chat surface:
// inbound turn submissions and cancellations, outbound message operations.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/groupsio/switchboard/internal/events"
	"github.com/groupsio/switchboard/internal/logging"
)

// Envelope frames every message in both directions.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	TS      string          `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TurnRequest is an inbound request to run one generation turn.
type TurnRequest struct {
	ThreadKey string            `json:"thread_key"`
	Prompt    string            `json:"prompt"`
	UserID    string            `json:"user_id,omitempty"`
	ChannelID string            `json:"channel_id,omitempty"`
	WorkDir   string            `json:"work_dir,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
}

// Handler receives inbound gateway traffic. Callbacks run on the reader
// goroutine and must hand off long work.
type Handler interface {
	HandleTurn(req TurnRequest)
	HandleCancel(threadKey string)
}

// Config configures the gateway client.
type Config struct {
	URL        string
	Token      string
	AckTimeout time.Duration
	MaxBackoff time.Duration
}

// Client is a reconnecting websocket client with request/response
// correlation over the envelope's id field.
type Client struct {
	cfg     Config
	handler Handler
	bus     *events.Bus

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Envelope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a gateway client. The handler may be nil at construction
// and installed later with SetHandler; Run starts the connection.
func NewClient(cfg Config, handler Handler, bus *events.Bus) *Client {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		bus:     bus,
		pending: make(map[string]chan Envelope),
		done:    make(chan struct{}),
	}
}

// SetHandler installs the inbound handler. Must be called before Run.
func (c *Client) SetHandler(handler Handler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Run connects and keeps the connection alive until ctx is cancelled,
// redialling with exponential backoff after every drop.
func (c *Client) Run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer close(c.done)

	for {
		conn, err := c.dial()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		logging.Info().Str("url", c.cfg.URL).Msg("gateway connected")
		c.bus.Publish(events.Event{Type: events.EventGatewayConnected})

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.failPending(fmt.Errorf("gateway connection lost"))
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return nil
		default:
		}
		logging.Warn().Msg("gateway connection lost, reconnecting")
		c.bus.Publish(events.Event{Type: events.EventGatewayDegraded})
	}
}

// Close tears the connection down and stops reconnection.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	<-c.done
}

func (c *Client) dial() (*websocket.Conn, error) {
	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(c.ctx, c.cfg.URL, headers)
		if err != nil {
			logging.Debug().Err(err).Str("url", c.cfg.URL).Msg("gateway dial failed")
		}
		return err
	}, backoff.WithContext(policy, c.ctx))
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Debug().Err(err).Msg("malformed gateway envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	if env.ReplyTo != "" {
		c.mu.Lock()
		ch, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
		return
	}

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	switch env.Type {
	case "turn.submit":
		if handler == nil {
			return
		}
		var req TurnRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			logging.Warn().Err(err).Msg("malformed turn.submit payload")
			return
		}
		handler.HandleTurn(req)

	case "turn.cancel":
		if handler == nil {
			return
		}
		var p struct {
			ThreadKey string `json:"thread_key"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			logging.Warn().Err(err).Msg("malformed turn.cancel payload")
			return
		}
		handler.HandleCancel(p.ThreadKey)

	case "ping":
		_ = c.Send("pong", nil)

	default:
		logging.Debug().Str("type", env.Type).Msg("ignoring unknown gateway message")
	}
}

// Send writes a fire-and-forget envelope.
func (c *Client) Send(msgType string, payload any) error {
	return c.write(Envelope{Type: msgType}, payload)
}

// Request writes an envelope and waits for the correlated reply or the ack
// timeout.
func (c *Client) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	id := uuid.New().String()
	ch := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(Envelope{Type: msgType, ID: id}, payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		if env.Type == "error" {
			var p struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(env.Payload, &p)
			return nil, fmt.Errorf("gateway %s: %s", msgType, p.Error)
		}
		return env.Payload, nil
	case <-ctx.Done():
		c.dropPending(id)
		return nil, ctx.Err()
	case <-timer.C:
		c.dropPending(id)
		return nil, fmt.Errorf("gateway %s: ack timeout", msgType)
	}
}

func (c *Client) write(env Envelope, payload any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = data
	}
	env.V = 1
	env.TS = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("gateway not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPending drains all in-flight requests. Caller holds the lock.
func (c *Client) failPending(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		errPayload, _ := json.Marshal(struct {
			Error string `json:"error"`
		}{err.Error()})
		ch <- Envelope{Type: "error", ReplyTo: id, Payload: errPayload}
	}
}
