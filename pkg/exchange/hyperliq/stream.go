package hyperliq

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"mts-core/pkg/exchange"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	readTimeout   = 60 * time.Second
	pingInterval  = 20 * time.Second
)

// Stream subscribes to the venue's user event websocket and converts its
// messages into normalized adapter events. Delivery is at-least-once: after
// a reconnect the venue replays recent events, and consumers deduplicate on
// fill id.
type Stream struct {
	cfg Config
}

// NewStream builds a stream for the configured account.
func NewStream(cfg Config) *Stream {
	return &Stream{cfg: cfg}
}

type wsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Tid    string  `json:"tid"`
		Oid    string  `json:"oid"`
		Cloid  string  `json:"cloid"`
		Coin   string  `json:"coin"`
		Side   string  `json:"side"`
		Sz     float64 `json:"sz"`
		Px     float64 `json:"px"`
		Fee    float64 `json:"fee"`
		Time   int64   `json:"time"`
		Status string  `json:"status"`
		Reason string  `json:"reason"`
	} `json:"data"`
}

// Events connects and streams until the context ends, reconnecting with
// backoff on failure. The returned channel closes only when ctx is done.
func (s *Stream) Events(ctx context.Context) (<-chan exchange.Event, error) {
	out := make(chan exchange.Event, 128)
	go s.run(ctx, out)
	return out, nil
}

func (s *Stream) run(ctx context.Context, out chan<- exchange.Event) {
	defer close(out)
	backoff := reconnectBase

	for ctx.Err() == nil {
		if err := s.connectAndRead(ctx, out); err != nil && ctx.Err() == nil {
			log.Printf("[hyperliq] stream disconnected: %v, reconnecting in %s", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase
	}
}

func (s *Stream) connectAndRead(ctx context.Context, out chan<- exchange.Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]string{
			"type": "userEvents",
			"user": s.cfg.WalletAddress,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Printf("[hyperliq] stream connected, subscribed for %s", s.cfg.WalletAddress)

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ctx, conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok := parseMessage(raw)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func parseMessage(raw []byte) (exchange.Event, bool) {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[hyperliq] unparseable stream message: %v", err)
		return exchange.Event{}, false
	}

	switch msg.Channel {
	case "fill":
		side := exchange.SideBuy
		if msg.Data.Side == "sell" || msg.Data.Side == "S" {
			side = exchange.SideSell
		}
		return exchange.Event{
			Kind: exchange.EventFill,
			Fill: exchange.Fill{
				FillID:          msg.Data.Tid,
				ExchangeOrderID: msg.Data.Oid,
				ClientOrderID:   msg.Data.Cloid,
				Instrument:      msg.Data.Coin,
				Side:            side,
				Qty:             msg.Data.Sz,
				Price:           msg.Data.Px,
				Fee:             msg.Data.Fee,
				Time:            time.UnixMilli(msg.Data.Time).UTC(),
			},
		}, true
	case "orderUpdate":
		return exchange.Event{
			Kind: exchange.EventAck,
			Ack: exchange.OrderResult{
				ExchangeOrderID: msg.Data.Oid,
				ClientOrderID:   msg.Data.Cloid,
				Status:          mapOrderStatus(msg.Data.Status),
				Reason:          msg.Data.Reason,
			},
		}, true
	default:
		// Heartbeats and subscription confirmations.
		return exchange.Event{}, false
	}
}
