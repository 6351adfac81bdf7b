package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	"SignalDesk/pkg/backoff"
	applogger "SignalDesk/pkg/logger"

	"github.com/gorilla/websocket"
)

const streamSource = "finnhub-ws"

// StreamConfig configures the push adapter.
type StreamConfig struct {
	URL          string
	APIKey       string
	PingInterval time.Duration
	Backoff      backoff.Policy
}

type subscription struct {
	key models.Key
	h   drepo.TickHandler
}

// Stream is a PushAdapter backed by the Finnhub trade WebSocket.
type Stream struct {
	cfg    StreamConfig
	l      *applogger.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]subscription
	onDenied drepo.DenialHandler

	writeMu   sync.Mutex
	connected atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStream creates a push adapter. Call Start to connect.
func NewStream(cfg StreamConfig, l *applogger.Logger) *Stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Stream{
		cfg:    cfg,
		l:      l,
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]subscription),
	}
}

func (s *Stream) Name() string { return "finnhub-ws" }

// IsConnected indicates status.
func (s *Stream) IsConnected() bool { return s.connected.Load() }

// OnDenied registers the handler for upstream subscription refusals.
func (s *Stream) OnDenied(h drepo.DenialHandler) {
	s.mu.Lock()
	s.onDenied = h
	s.mu.Unlock()
}

// Start dials once synchronously and then keeps the connection alive in the
// background, reconnecting with backoff. A failed first dial is returned but
// reconnection still proceeds.
func (s *Stream) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("finnhub stream: %w: empty url", models.ErrAdapterConnect)
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	conn, err := s.dial(runCtx)
	go s.run(runCtx, conn)
	return err
}

// Subscribe tracks key and sends a subscribe frame when connected. Tracked
// keys are re-sent after every reconnect.
func (s *Stream) Subscribe(ctx context.Context, key models.Key, onTick drepo.TickHandler) error {
	s.mu.Lock()
	s.subs[key.String()] = subscription{key: key, h: onTick}
	s.mu.Unlock()

	if !s.IsConnected() {
		return nil
	}
	if err := s.send(map[string]string{"type": "subscribe", "symbol": key.String()}); err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	s.l.Debug("finnhub: subscribed", applogger.String("symbol", key.String()))
	return nil
}

// Unsubscribe stops delivery for key.
func (s *Stream) Unsubscribe(ctx context.Context, key models.Key) error {
	s.mu.Lock()
	_, ok := s.subs[key.String()]
	delete(s.subs, key.String())
	s.mu.Unlock()

	if !ok || !s.IsConnected() {
		return nil
	}
	if err := s.send(map[string]string{"type": "unsubscribe", "symbol": key.String()}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close stops the reconnect loop and closes the connection.
func (s *Stream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if s.done != nil {
		<-s.done
	}
	s.connected.Store(false)
	return err
}

func (s *Stream) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("finnhub stream: %w: %v", models.ErrAdapterConnect, err)
	}
	if s.cfg.APIKey != "" {
		q := u.Query()
		q.Set("token", s.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	conn, _, err := s.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("finnhub connect: %w: %v", models.ErrAdapterConnect, err)
	}
	return conn, nil
}

func (s *Stream) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	attempt := 0
	for {
		if conn == nil {
			attempt++
			if !s.cfg.Backoff.Wait(ctx, attempt) {
				if ctx.Err() == nil {
					s.l.Error("finnhub: reconnect attempts exhausted, staying disconnected",
						applogger.Int("attempts", attempt-1))
				}
				return
			}
			c, err := s.dial(ctx)
			if err != nil {
				s.l.Warn("finnhub: reconnect failed", applogger.Int("attempt", attempt), applogger.Error(err))
				continue
			}
			conn = c
		}

		attempt = 0
		s.attach(conn)
		s.l.Info("finnhub: connected")
		err := s.readLoop(ctx, conn)
		s.detach()
		conn = nil
		if ctx.Err() != nil {
			return
		}
		s.l.Warn("finnhub: connection lost", applogger.Error(err))
	}
}

func (s *Stream) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	keys := make([]string, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	s.connected.Store(true)

	for _, k := range keys {
		if err := s.send(map[string]string{"type": "subscribe", "symbol": k}); err != nil {
			s.l.Warn("finnhub: resubscribe failed", applogger.String("symbol", k), applogger.Error(err))
		}
	}
}

func (s *Stream) detach() {
	s.connected.Store(false)
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Stream) send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("finnhub not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

type fhTrade struct {
	S string  `json:"s"`
	P float64 `json:"p"`
	V float64 `json:"v"`
	T int64   `json:"t"` // ms
}

type fhMessage struct {
	Type      string    `json:"type"`
	Data      []fhTrade `json:"data"`
	Msg       string    `json:"msg"`
	Symbol    string    `json:"symbol"`
	Alternate string    `json:"alternate"`
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	// ping loop; also unblocks ReadMessage on shutdown
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				s.writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				s.writeMu.Unlock()
				if err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("finnhub read: %w", err)
		}
		var m fhMessage
		if err := json.Unmarshal(b, &m); err != nil {
			// ignore non-json frames
			continue
		}
		switch m.Type {
		case "trade":
			s.dispatch(m.Data)
		case "error":
			s.denied(m)
		}
	}
}

func (s *Stream) dispatch(trades []fhTrade) {
	for _, d := range trades {
		s.mu.Lock()
		sub, ok := s.subs[d.S]
		s.mu.Unlock()
		if !ok || sub.h == nil {
			continue
		}
		var ts time.Time
		if d.T > 0 {
			ts = time.UnixMilli(d.T).UTC()
		}
		sub.h(sub.key, models.RawTick{Price: d.P, Time: ts, Source: streamSource})
	}
}

func (s *Stream) denied(m fhMessage) {
	if m.Symbol == "" {
		s.l.Warn("finnhub: error frame", applogger.String("msg", m.Msg))
		return
	}
	s.mu.Lock()
	sub, ok := s.subs[m.Symbol]
	delete(s.subs, m.Symbol)
	h := s.onDenied
	s.mu.Unlock()

	key := models.ParseKey(m.Symbol)
	if ok {
		key = sub.key
	}
	s.l.Warn("finnhub: subscription denied",
		applogger.String("symbol", m.Symbol),
		applogger.String("alternate", m.Alternate),
		applogger.String("msg", m.Msg))
	if h != nil {
		h(key, m.Alternate)
	}
}
