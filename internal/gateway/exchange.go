// Package gateway implements the exchange protocol against the local
// agent gateway: a challenge/auth handshake, a single chat submission
// and the event stream that carries the reply.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client performs one exchange per call. Each exchange opens its own
// transport, drives a fresh Machine over it and closes the transport on
// every terminal path; connections are never pooled or reused.
type Client struct {
	logger   *slog.Logger
	endpoint Endpoint
	agentID  string
	clientID string
}

func NewClient(logger *slog.Logger, endpoint Endpoint, agentID string) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:   logger.With(slog.String("component", "gateway")),
		endpoint: endpoint,
		agentID:  agentID,
		clientID: "larkgate",
	}
}

// Exchange submits one request and blocks until the machine reaches a
// terminal state or ctx is canceled. There is no timeout on the stream
// phase itself; cancellation closes the transport, which surfaces as a
// transport failure.
func (c *Client) Exchange(ctx context.Context, req ExchangeRequest) (ExchangeReply, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint.URL, nil)
	if err != nil {
		return ExchangeReply{}, fmt.Errorf("gateway dial %s: %w", c.endpoint.URL, err)
	}

	var closeOnce sync.Once
	closeConn := func() {
		closeOnce.Do(func() {
			if err := conn.Close(); err != nil {
				c.logger.Debug("gateway close", slog.Any("error", err))
			}
		})
	}
	// The machine decides when to close; this is the safety net for an
	// early return path.
	defer closeConn()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-watchDone:
		}
	}()

	machine := NewMachine(MachineConfig{
		ClientID: c.clientID,
		AgentID:  c.agentID,
		Token:    c.endpoint.Token,
		AuthID:   uuid.NewString(),
		SubmitID: uuid.NewString(),
		Request:  req,
	})

	for {
		_, data, err := conn.ReadMessage()

		var effects []Effect
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			effects = machine.FailTransport(err)
		} else {
			var frame Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.logger.Debug("gateway frame malformed", slog.Any("error", err))
				continue
			}
			effects = machine.Step(&frame)
		}

		for len(effects) > 0 {
			eff := effects[0]
			effects = effects[1:]

			switch eff.Kind {
			case EffectSend:
				if err := conn.WriteJSON(eff.Frame); err != nil {
					effects = append(effects, machine.FailTransport(err)...)
				}
			case EffectClose:
				closeConn()
			case EffectFinish:
				c.logger.Debug("exchange finished",
					slog.String("session_key", req.SessionKey),
					slog.Int("reply_chars", len(eff.Reply.Text)),
					slog.Int("media_refs", len(eff.Reply.MediaRefs)),
				)
				return eff.Reply, nil
			case EffectFail:
				return ExchangeReply{}, errors.New(eff.Err)
			}
		}
	}
}
