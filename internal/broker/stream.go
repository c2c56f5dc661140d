package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/tradeengine/internal/models"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	streamPingInterval     = 50 * time.Second
	streamReadTimeout      = 90 * time.Second
	streamMaxReconnectWait = 30 * time.Second
	streamWriteTimeout     = 10 * time.Second
	tickBufferSize         = 256
)

// tickMessage is the wire shape of one tick_price callback delivered over
// the stream.
type tickMessage struct {
	ContractKey string  `json:"contract_key"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
}

// TickStream maintains a websocket connection to the broker's market-data
// feed, re-subscribing to all tracked contract keys on reconnect. It
// auto-reconnects with exponential backoff (1s -> 30s max) and treats a
// silent server (no message within streamReadTimeout) as a dead connection.
type TickStream struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	ticks chan models.Price

	log *logrus.Entry
}

// NewTickStream constructs a stream dialing url on Run.
func NewTickStream(url string, log *logrus.Entry) *TickStream {
	return &TickStream{
		url:        url,
		subscribed: make(map[string]bool),
		ticks:      make(chan models.Price, tickBufferSize),
		log:        log,
	}
}

// Ticks returns the channel of decoded tick_price observations.
func (s *TickStream) Ticks() <-chan models.Price { return s.ticks }

// Run connects and maintains the connection until ctx is cancelled.
func (s *TickStream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.WithError(err).WithField("backoff", backoff).Warn("tick stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamMaxReconnectWait {
			backoff = streamMaxReconnectWait
		}
	}
}

// Subscribe adds contractKey to the tracked set and, if connected, sends the
// subscription message immediately.
func (s *TickStream) Subscribe(contractKey string) error {
	s.subscribedMu.Lock()
	s.subscribed[contractKey] = true
	s.subscribedMu.Unlock()

	s.connMu.Lock()
	connected := s.conn != nil
	s.connMu.Unlock()
	if !connected {
		// resubscribeAll sends it once the connection is up.
		return nil
	}
	return s.writeJSON(map[string]any{"operation": "subscribe", "contract_key": contractKey})
}

// Unsubscribe removes contractKey from the tracked set.
func (s *TickStream) Unsubscribe(contractKey string) error {
	s.subscribedMu.Lock()
	delete(s.subscribed, contractKey)
	s.subscribedMu.Unlock()
	return s.writeJSON(map[string]any{"operation": "unsubscribe", "contract_key": contractKey})
}

// Close releases the underlying connection.
func (s *TickStream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *TickStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout)) // nolint:errcheck
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(raw)
	}
}

func (s *TickStream) resubscribeAll() error {
	s.subscribedMu.RLock()
	keys := make([]string, 0, len(s.subscribed))
	for k := range s.subscribed {
		keys = append(keys, k)
	}
	s.subscribedMu.RUnlock()

	for _, k := range keys {
		if err := s.writeJSON(map[string]any{"operation": "subscribe", "contract_key": k}); err != nil {
			return err
		}
	}
	return nil
}

func (s *TickStream) dispatch(raw []byte) {
	var msg tickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.WithError(err).Debug("ignoring non-tick stream message")
		return
	}
	now := time.Now()
	p := models.Price{
		ContractKey: msg.ContractKey,
		T:           now,
		Bid:         decimal.NewFromFloat(msg.Bid),
		Ask:         decimal.NewFromFloat(msg.Ask),
		BidAt:       now,
		AskAt:       now,
	}
	p.Mid = p.Bid.Add(p.Ask).Div(decimal.NewFromInt(2))
	p.MidAt = now

	select {
	case s.ticks <- p:
	default:
		s.log.WithField("contract_key", msg.ContractKey).Warn("tick channel full, dropping observation")
	}
}

func (s *TickStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.log.WithError(err).Warn("tick stream ping failed")
				return
			}
		}
	}
}

func (s *TickStream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("tick stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) // nolint:errcheck
	return s.conn.WriteJSON(v)
}

func (s *TickStream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("tick stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)) // nolint:errcheck
	return s.conn.WriteMessage(msgType, data)
}
