package signaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veska-im/callkit/internal/util"
)

const registerTimeout = 10 * time.Second

// Client is one user's connection to the signaling relay. Outbound writes are
// serialized by a mutex; inbound envelopes are delivered to a single handler
// from a dedicated read goroutine.
//
// The transport is best-effort: Send does not retry, and a dropped connection
// is reported via the close handler rather than reconnected transparently.
type Client struct {
	conn   *websocket.Conn
	selfID string

	writeMu sync.Mutex

	mu        sync.RWMutex
	onMessage func(Envelope)
	onClose   func(error)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the relay at url, registers as userID (empty to let the
// relay assign one), and starts the read loop. The returned client's SelfID
// is the confirmed registration id.
func Dial(ctx context.Context, url, userID string) (*Client, error) {
	if userID != "" {
		url = fmt.Sprintf("%s?user=%s", url, userID)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to signaling relay: %w", err)
	}

	// The relay's first frame is the registration confirmation.
	if err := conn.SetReadDeadline(time.Now().Add(registerTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set registration deadline: %w", err)
	}
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read registration: %w", err)
	}
	if env.Type != MsgRegistered {
		conn.Close()
		return nil, fmt.Errorf("unexpected first message from relay: %s", env.Type)
	}
	var reg RegisteredPayload
	if err := env.DecodePayload(&reg); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}

	c := &Client{
		conn:   conn,
		selfID: reg.ID,
		done:   make(chan struct{}),
	}
	go c.readLoop()

	util.LogDebug("signaling client registered as %s", c.selfID)
	return c, nil
}

// SelfID returns the id this client is registered under.
func (c *Client) SelfID() string {
	return c.selfID
}

// OnMessage registers the single inbound handler. Must be set before the
// first message of interest arrives; later calls replace the handler.
func (c *Client) OnMessage(fn func(Envelope)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnClose registers a callback invoked once when the read loop ends,
// carrying the read error that ended it.
func (c *Client) OnClose(fn func(error)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Send writes an envelope addressed to env.To. Best-effort: an error means
// the local write failed; delivery to the target is not acknowledged.
func (c *Client) Send(env Envelope) error {
	select {
	case <-c.done:
		return fmt.Errorf("signaling client closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s to %s: %w", env.Type, env.To, err)
	}
	return nil
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// readLoop delivers inbound envelopes to the registered handler until the
// connection drops. Relay error envelopes are logged, not dispatched.
func (c *Client) readLoop() {
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.closeOnce.Do(func() { close(c.done) })
			c.conn.Close()

			c.mu.RLock()
			closeFn := c.onClose
			c.mu.RUnlock()
			if closeFn != nil {
				closeFn(err)
			}
			return
		}

		if env.Type == MsgError {
			var p ErrorPayload
			if err := env.DecodePayload(&p); err == nil {
				util.LogWarning("signaling relay error: %s", p.Reason)
			}
			continue
		}

		c.mu.RLock()
		handler := c.onMessage
		c.mu.RUnlock()
		if handler != nil {
			handler(env)
		} else {
			util.LogDebug("dropping %s from %s: no handler registered", env.Type, env.From)
		}
	}
}
