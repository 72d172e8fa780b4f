// Package wsclient is the client side of the signaling channel.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var ErrBackpressure = errors.New("signaling send buffer full")

const writeWait = 5 * time.Second

type Options struct {
	URL        string
	Username   string
	PingPeriod time.Duration
	SendBuffer int
	Dialer     *websocket.Dialer
}

// Client is a core.Signaler over one websocket. It is not reusable: when Run
// returns the channel is gone and a new Client must be dialed.
type Client struct {
	conn       *websocket.Conn
	send       chan []byte
	pingPeriod time.Duration
	logger     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Dial connects to the relay and registers the display name.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if opts.Username != "" {
		q := u.Query()
		q.Set("username", opts.Username)
		u.RawQuery = q.Encode()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c := &Client{
		conn:       conn,
		send:       make(chan []byte, opts.SendBuffer),
		pingPeriod: opts.PingPeriod,
		logger:     log.With().Str("module", "wsclient").Str("relay", u.Host).Logger(),
	}
	c.logger.Info().Msg("connected")

	if opts.Username != "" {
		if err := c.Send(protocol.Register{Username: opts.Username}); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Send queues msg for the write pump.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode("", msg)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrNotConnected
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	c.logger.Debug().Str("type", string(msg.Kind())).Msg("outbound")
	return nil
}

// Run pumps the socket until it fails or ctx is done. Every decoded message is
// passed to deliver from the read goroutine.
func (c *Client) Run(ctx context.Context, deliver func(protocol.Delivery)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.readPump(deliver)
	})
	g.Go(func() error { return c.writePump(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})
	err := g.Wait()
	c.logger.Info().Err(err).Msg("disconnected")
	return err
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (c *Client) readPump(deliver func(protocol.Delivery)) error {
	defer c.Close()
	pongWait := c.pingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		d, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad message from relay")
			continue
		}
		c.logger.Debug().Str("type", string(d.Msg.Kind())).Str("from", string(d.From)).Msg("inbound")
		deliver(d)
	}
}

func (c *Client) writePump(ctx context.Context) error {
	ping := time.NewTicker(c.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-c.send:
			if !ok {
				return nil
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
