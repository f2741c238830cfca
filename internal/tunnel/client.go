package tunnel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/stream"
)

const (
	dialTimeout     = 15 * time.Second
	registerTimeout = 10 * time.Second
	reconnectBase   = time.Second
	reconnectCap    = 30 * time.Second
	protocolVersion = "1"
)

// Options configures the relay client.
type Options struct {
	RelayURL string // ws:// or wss:// endpoint of the relay's desktop socket
	DeviceID string
	Streamer *stream.Streamer
	Handler  http.Handler // serves http_request fallback frames; may be nil
	Log      zerolog.Logger
}

// Client maintains a persistent registered connection to the relay,
// reconnecting with capped exponential backoff whenever the link drops.
type Client struct {
	opts      Options
	connected atomic.Bool
}

func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

// SetHandler installs the http_request fallback handler. Must be set before
// Run; the API server is built after the client, so this breaks the cycle.
func (c *Client) SetHandler(h http.Handler) {
	c.opts.Handler = h
}

// IsConnected reports whether a registered session is currently up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Run connects and serves sessions until ctx is cancelled. Each session's
// exit triggers a backoff and reconnect; the backoff resets after a session
// that survived long enough to be considered healthy.
func (c *Client) Run(ctx context.Context) error {
	log := c.opts.Log
	backoff := reconnectBase

	for {
		start := time.Now()
		err := c.runOnce(ctx)
		c.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) > time.Minute {
			backoff = reconnectBase
		}
		log.Warn().Err(err).Dur("retry_in", backoff).Msg("relay connection lost")
		metrics.TunnelReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.opts.RelayURL, nil)
	cancel()
	if err != nil {
		return err
	}

	if err := c.register(conn); err != nil {
		conn.Close()
		return err
	}
	c.connected.Store(true)
	c.opts.Log.Info().Str("relay", c.opts.RelayURL).Str("device_id", c.opts.DeviceID).Msg("registered with relay")

	sess := NewSession(conn, c.opts.Streamer, c.opts.Handler, c.opts.Log)
	return sess.Run(ctx)
}

// register announces the device ID and waits for the relay's ack.
func (c *Client) register(conn *websocket.Conn) error {
	reg, _ := json.Marshal(Message{
		Type:      TypeRegister,
		DeviceID:  c.opts.DeviceID,
		Protocol:  protocolVersion,
		Timestamp: time.Now().UnixMilli(),
	})
	conn.SetWriteDeadline(time.Now().Add(registerTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, reg); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == TypeRegistered {
			return nil
		}
	}
}
