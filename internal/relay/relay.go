// Package relay connects to the chat relay over a websocket. Inbound text
// frames carry {"message", "info"} payloads; every answer goes back on the same
// connection with the message echoed.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/itpcc/deka-supremecourt/internal/deka"
)

// Config describes the relay endpoint.
type Config struct {
	URL          string
	Token        string
	ReadLimit    int64
	WriteTimeout time.Duration
}

// Enqueuer accepts requests decoded from the relay. dispatcher.Dispatcher
// implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req deka.Request) error
}

// Client is one relay connection. It never reconnects.
type Client struct {
	conn   *websocket.Conn
	cfg    Config
	ids    deka.IDGenerator
	clock  deka.Clock
	logger *zap.Logger
}

// Dial opens the relay connection with a bearer token.
func Dial(
	ctx context.Context,
	cfg Config,
	ids deka.IDGenerator,
	clock deka.Clock,
	logger *zap.Logger,
) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", cfg.URL, err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	logger.Info("relay connected", zap.String("url", cfg.URL))

	return &Client{
		conn:   conn,
		cfg:    cfg,
		ids:    ids,
		clock:  clock,
		logger: logger.Named("relay"),
	}, nil
}

// Run reads frames until ctx ends or the relay closes the connection.
// Canceling ctx closes the connection, so the caller should only cancel it
// after the last response was delivered. Frames that do not decode are
// logged and skipped.
func (c *Client) Run(ctx context.Context, enq Enqueuer) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read relay: %w", err)
		}

		req, ok := c.decode(typ, data)
		if !ok {
			continue
		}
		if err := enq.Enqueue(ctx, req); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("enqueue relay request failed", zap.String("request_id", req.ID), zap.Error(err))
			if err := c.Deliver(ctx, deka.Failed(req, err)); err != nil {
				c.logger.Error("deliver rejected request failed", zap.String("request_id", req.ID), zap.Error(err))
			}
		}
	}
}

func (c *Client) decode(typ websocket.MessageType, data []byte) (deka.Request, bool) {
	if typ == websocket.MessageBinary && !utf8.Valid(data) {
		c.logger.Debug("skipping non-text frame", zap.Int("bytes", len(data)))
		return deka.Request{}, false
	}

	var payload deka.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.logger.Warn("skipping undecodable payload", zap.Error(err))
		return deka.Request{}, false
	}
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Error("request id generation failed", zap.Error(err))
		return deka.Request{}, false
	}
	req := deka.Request{
		ID:       id,
		Origin:   deka.OriginRelay,
		Envelope: payload.Message,
		Query:    payload.Info,
		Received: c.clock.Now(),
	}
	c.logger.Debug("relay request", zap.String("request_id", id), zap.String("query", req.Query.String()))
	return req, true
}

// Deliver implements deka.Sink by writing resp as one text frame.
func (c *Client) Deliver(ctx context.Context, resp deka.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response %s: %w", resp.RequestID, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write relay response %s: %w", resp.RequestID, err)
	}
	return nil
}

// Close performs the closing handshake.
func (c *Client) Close() error {
	if err := c.conn.Close(websocket.StatusNormalClosure, "shutting down"); err != nil {
		return fmt.Errorf("close relay: %w", err)
	}
	return nil
}
