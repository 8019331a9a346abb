// Package signal provides the relay transports carrying call signaling
// messages between the two endpoints: a WebSocket relay client and a Redis
// pub/sub channel, both implementing domain.SignalChannel.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"duet/callkit/internal/domain"
)

const (
	pingInterval = 25 * time.Second
	writeWait    = 5 * time.Second
)

// envelope is the generic WebSocket message exchanged with the relay.
type envelope struct {
	Method   string         `json:"method"`
	Identity string         `json:"identity,omitempty"`
	Signal   *domain.Signal `json:"signal,omitempty"`
}

// Client is the WebSocket implementation of domain.SignalChannel. The relay
// delivers every signal whose receiver matches the identity announced in the
// subscribe message; the client filters again locally as a belt-and-braces
// check.
type Client struct {
	url      string
	identity string

	conn *websocket.Conn
	mu   sync.Mutex // guards writes to conn

	subs      *subscribers
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a signaling client for the given relay URL and local
// identity. Call Connect before Send or Subscribe.
func NewClient(relayURL, identity string) *Client {
	return &Client{
		url:      relayURL,
		identity: identity,
		subs:     newSubscribers(),
		closed:   make(chan struct{}),
	}
}

// Connect dials the relay, announces the local identity and starts the read
// and ping loops.
func (c *Client) Connect() error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}

	log.Info().Str("url", u.String()).Msg("connecting to signal relay")

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	if err := c.writeJSON(envelope{Method: "subscribe", Identity: c.identity}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	go c.readLoop()
	go c.pingLoop()

	return nil
}

// Send relays one signal to its receiver. Fire and forget: a failure is a
// TransportError and the relay offers no delivery acknowledgement.
func (c *Client) Send(ctx context.Context, sig domain.Signal) error {
	select {
	case <-ctx.Done():
		return &domain.TransportError{Err: ctx.Err()}
	case <-c.closed:
		return &domain.TransportError{Err: fmt.Errorf("signal channel closed")}
	default:
	}
	if err := c.writeJSON(envelope{Method: "signal", Signal: &sig}); err != nil {
		return &domain.TransportError{Err: err}
	}
	return nil
}

// Subscribe returns the stream of inbound signals addressed to the local
// identity. The stream closes when the connection goes away or cancel is
// called.
func (c *Client) Subscribe() (<-chan domain.Signal, func()) {
	return c.subs.add()
}

// Close shuts down the connection and all subscriptions. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.conn != nil {
			c.conn.Close()
		}
		c.subs.closeAll()
	})
	return nil
}

func (c *Client) writeJSON(env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Warn().Err(err).Msg("signal relay read error")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Msg("malformed relay message, dropping")
			continue
		}
		if env.Method != "signal" || env.Signal == nil {
			continue
		}
		if env.Signal.Receiver != c.identity {
			log.Debug().
				Str("receiver", env.Signal.Receiver).
				Msg("signal for another identity, dropping")
			continue
		}
		c.subs.deliver(*env.Signal)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(writeWait),
			)
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					log.Warn().Err(err).Msg("signal relay ping error")
				}
				return
			}
		}
	}
}
