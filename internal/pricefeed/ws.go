package pricefeed

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSConfig configures a websocket price feed.
type WSConfig struct {
	URL             string
	Symbol          string
	RateLimitPerSec float64
	Burst           int
	DialAttempts    uint
	DialDelay       time.Duration
}

// WSClient streams prices from a websocket endpoint, reconnecting with
// backoff when the connection drops.
type WSClient struct {
	*dispatcher
	cfg WSConfig
}

// NewWSClient creates a client that forwards cfg.Symbol ticks to sink.
func NewWSClient(cfg WSConfig, sink Sink) *WSClient {
	if cfg.DialAttempts == 0 {
		cfg.DialAttempts = 10
	}
	if cfg.DialDelay <= 0 {
		cfg.DialDelay = 500 * time.Millisecond
	}
	return &WSClient{
		dispatcher: newDispatcher(cfg.Symbol, sink, cfg.RateLimitPerSec, cfg.Burst),
		cfg:        cfg,
	}
}

// Run connects, subscribes and reads until ctx is cancelled. It returns an
// error only when every dial attempt fails.
func (c *WSClient) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.read(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Str("url", c.cfg.URL).Msg("pricefeed: connection lost, reconnecting")
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	var conn *websocket.Conn
	err := retry.Do(
		func() error {
			cn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
			if err != nil {
				return err
			}
			conn = cn
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.DialAttempts),
		retry.Delay(c.cfg.DialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Str("url", c.cfg.URL).Msg("pricefeed: dial failed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("pricefeed dial %s: %w", c.cfg.URL, err)
	}

	sub := map[string]interface{}{
		"method": "subscribe",
		"params": map[string]interface{}{
			"channel": "price",
			"symbol":  []string{c.cfg.Symbol},
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pricefeed subscribe: %w", err)
	}

	log.Info().Str("url", c.cfg.URL).Str("symbol", c.cfg.Symbol).Msg("pricefeed connected")
	return conn, nil
}

func (c *WSClient) read(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("pricefeed: ws read error")
			}
			return
		}
		c.dispatch(ctx, msg)
	}
}
