package polymarket

// ws.go — user-channel websocket stream: fills and cancels for this wallet's
// orders, delivered in venue order. Reconnects with exponential backoff and
// resubscribes to the accumulated market set.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyladder/internal/domain"
)

const (
	defaultWSBase = "wss://ws-subscriptions-clob.polymarket.com/ws"

	wsPingInterval   = 10 * time.Second
	wsReadTimeout    = 40 * time.Second
	wsMaxBackoff     = 30 * time.Second
	wsInitialBackoff = time.Second

	streamBufferSize = 512
)

// wsSubscribeMsg es el mensaje de suscripción del canal user.
type wsSubscribeMsg struct {
	Auth    wsAuth   `json:"auth"`
	Type    string   `json:"type"`
	Markets []string `json:"markets"`
}

type wsAuth struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// wsOrderMsg es un mensaje de orden del canal user.
type wsOrderMsg struct {
	EventType    string      `json:"event_type"`
	ID           string      `json:"id"`
	Market       string      `json:"market"`
	AssetID      string      `json:"asset_id"`
	Side         string      `json:"side"`
	OriginalSize json.Number `json:"original_size"`
	SizeMatched  json.Number `json:"size_matched"`
	Price        json.Number `json:"price"`
	Status       string      `json:"status"`
	Type         string      `json:"type"` // PLACEMENT | UPDATE | CANCELLATION
	Timestamp    json.Number `json:"timestamp"`
}

// UserStream implementa ports.EventStream sobre el canal user del CLOB WSS.
type UserStream struct {
	auth   *AuthClient
	wsBase string
	events chan domain.OrderEvent

	mu      sync.Mutex
	markets []string
	conn    *websocket.Conn
	started bool
}

// NewUserStream crea el stream. wsBase vacío usa el endpoint de producción.
func NewUserStream(auth *AuthClient, wsBase string) *UserStream {
	if wsBase == "" {
		wsBase = defaultWSBase
	}
	return &UserStream{
		auth:   auth,
		wsBase: wsBase,
		events: make(chan domain.OrderEvent, streamBufferSize),
	}
}

// Events devuelve el canal compartido de eventos.
func (s *UserStream) Events() <-chan domain.OrderEvent { return s.events }

// Subscribe añade mercados al set y resuscribe si la conexión está viva.
func (s *UserStream) Subscribe(conditionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.markets))
	for _, m := range s.markets {
		known[m] = true
	}
	for _, id := range conditionIDs {
		if !known[id] {
			s.markets = append(s.markets, id)
		}
	}

	if s.conn == nil {
		// Not connected yet: Start's dial loop picks the set up.
		return nil
	}
	return s.sendSubscribeLocked(s.conn)
}

// Start lanza el loop de conexión. Debe llamarse una única vez; el stream
// vive hasta que el contexto se cancela.
func (s *UserStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("ws: stream already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("ws: creds: %w", err)
	}

	go s.runLoop(ctx)
	return nil
}

// runLoop mantiene la conexión viva: dial, subscribe, read, backoff, repeat.
func (s *UserStream) runLoop(ctx context.Context) {
	defer close(s.events)

	backoff := wsInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}

		slog.Warn("ws: connection lost, reconnecting",
			"err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (s *UserStream) runConnection(ctx context.Context) error {
	url := s.wsBase + "/user"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	err = s.sendSubscribeLocked(conn)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	slog.Info("ws: user stream connected")

	// Keepalive pings; Polymarket cierra conexiones mudas.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go s.pingLoop(pingCtx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			return err
		}
		s.handleMessage(raw)
	}
}

func (s *UserStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

func (s *UserStream) sendSubscribeLocked(conn *websocket.Conn) error {
	apiKey, secret, passphrase, ok := s.auth.Creds()
	if !ok {
		return fmt.Errorf("credentials not derived")
	}
	msg := wsSubscribeMsg{
		Auth:    wsAuth{APIKey: apiKey, Secret: secret, Passphrase: passphrase},
		Type:    "user",
		Markets: append([]string(nil), s.markets...),
	}
	return conn.WriteJSON(msg)
}

// handleMessage parsea un frame. El canal user envía arrays u objetos según
// el tipo de evento; los PONG y mensajes de trade se ignoran.
func (s *UserStream) handleMessage(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "PONG" {
		return
	}

	var msgs []wsOrderMsg
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			slog.Debug("ws: unparseable frame", "err", err)
			return
		}
	} else {
		var one wsOrderMsg
		if err := json.Unmarshal(raw, &one); err != nil {
			slog.Debug("ws: unparseable frame", "err", err)
			return
		}
		msgs = []wsOrderMsg{one}
	}

	for _, m := range msgs {
		if m.EventType != "order" {
			continue
		}
		ev, ok := mapOrderMsg(m)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		default:
			slog.Warn("ws: event buffer full, dropping", "order", ev.VenueID)
		}
	}
}

// mapOrderMsg convierte un mensaje de orden en un domain.OrderEvent.
// Los PLACEMENT sin matching no producen evento.
func mapOrderMsg(m wsOrderMsg) (domain.OrderEvent, bool) {
	matched, _ := m.SizeMatched.Float64()
	original, _ := m.OriginalSize.Float64()

	ev := domain.OrderEvent{
		VenueID:      m.ID,
		ConditionID:  m.Market,
		FilledQty:    matched,
		RemainingQty: original - matched,
		Timestamp:    parseTradeTimestamp(m.Timestamp),
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	switch {
	case m.Type == "CANCELLATION" || strings.Contains(strings.ToUpper(m.Status), "CANCEL"):
		ev.Status = domain.EventCancelled
	case matched >= original && original > 0:
		ev.Status = domain.EventFilled
	case matched > 0:
		ev.Status = domain.EventPartial
	default:
		// PLACEMENT ack sin fills: nada que procesar.
		return domain.OrderEvent{}, false
	}
	return ev, true
}
