package mt5

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/logger"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

const reconnectDelay = 5 * time.Second

// tickStream keeps a last-quote cache fed by the gateway's websocket
// feed. It reconnects on its own and re-subscribes every symbol after a
// reconnect; readers only ever see the cache.
type tickStream struct {
	url   string
	token string
	log   *logger.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	quotes map[string]types.Quote
	subs   map[string]bool

	reconnect chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
}

func newTickStream(url, token string, log *logger.Logger) *tickStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &tickStream{
		url:       url,
		token:     token,
		log:       log,
		quotes:    make(map[string]types.Quote),
		subs:      make(map[string]bool),
		reconnect: make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *tickStream) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.supervise()
	s.triggerReconnect()
}

func (s *tickStream) stop() {
	s.cancel()
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
}

// quote returns the cached tick if it is younger than maxAge.
func (s *tickStream) quote(symbol string, maxAge time.Duration) (types.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	if !ok || time.Since(q.Time) > maxAge {
		return types.Quote{}, false
	}
	return q, true
}

// ensureSubscribed registers interest in a symbol, subscribing on the
// live connection when there is one.
func (s *tickStream) ensureSubscribed(symbol string) {
	s.mu.Lock()
	if s.subs[symbol] {
		s.mu.Unlock()
		return
	}
	s.subs[symbol] = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.sendSubscribe(conn, []string{symbol})
	}
}

func (s *tickStream) supervise() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.reconnect:
			if err := s.connect(); err != nil {
				s.log.Warning("tick stream connect failed: %v", err)
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(reconnectDelay):
					s.triggerReconnect()
				}
			}
		}
	}
}

func (s *tickStream) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := dialer.Dial(s.url, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	symbols := make([]string, 0, len(s.subs))
	for sym := range s.subs {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	if len(symbols) > 0 {
		s.sendSubscribe(conn, symbols)
	}
	s.log.Debug("tick stream connected, %d symbols subscribed", len(symbols))

	go s.readLoop(conn)
	return nil
}

func (s *tickStream) sendSubscribe(conn *websocket.Conn, symbols []string) {
	msg := map[string]interface{}{"op": "subscribe", "symbols": symbols}
	if err := conn.WriteJSON(msg); err != nil {
		s.log.Warning("tick stream subscribe failed: %v", err)
	}
}

func (s *tickStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warning("tick stream read error: %v", err)
				s.scheduleReconnect()
			}
			return
		}
		s.handleTick(message)
	}
}

func (s *tickStream) handleTick(message []byte) {
	var tick struct {
		Symbol string  `json:"symbol"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Time   int64   `json:"time_msc"`
	}
	if err := json.Unmarshal(message, &tick); err != nil || tick.Symbol == "" {
		return
	}

	at := time.UnixMilli(tick.Time)
	if tick.Time == 0 {
		at = time.Now()
	}

	s.mu.Lock()
	s.quotes[tick.Symbol] = types.Quote{
		Symbol: tick.Symbol,
		Bid:    tick.Bid,
		Ask:    tick.Ask,
		Time:   at,
	}
	s.mu.Unlock()
}

func (s *tickStream) scheduleReconnect() {
	select {
	case <-s.ctx.Done():
	case <-time.After(reconnectDelay):
		s.triggerReconnect()
	}
}

func (s *tickStream) triggerReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}
