package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/referral-distributor/internal/logging"
	"github.com/referral-distributor/internal/metrics"
)

// EventKind identifies a ledger notification
type EventKind string

const (
	// EventDefinitionSaved is a new parameterized contract deployment
	EventDefinitionSaved EventKind = "definition_saved"
	// EventAAResponse is a contract's response to a trigger
	EventAAResponse EventKind = "aa_response"
)

// Event is a ledger notification delivered by EventStream
type Event struct {
	Kind       EventKind   `json:"kind"`
	Address    string      `json:"address"`
	Definition *Definition `json:"definition,omitempty"`
	Response   *AAResponse `json:"response,omitempty"`
}

// EventStreamConfig configures the notification stream
type EventStreamConfig struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	BufferSize        int
}

// DefaultEventStreamConfig returns the default stream configuration
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      10 * time.Second,
		BufferSize:        1000,
	}
}

// EventStream subscribes to contract notifications over a websocket.
// Watched addresses are resubscribed after every reconnect.
type EventStream struct {
	endpoint string
	config   EventStreamConfig
	events   chan Event

	conn      *websocket.Conn
	connMu    sync.Mutex
	closed    atomic.Bool
	requestID atomic.Uint64

	watched   map[string]struct{}
	watchedMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEventStream connects to the notification endpoint
func NewEventStream(ctx context.Context, endpoint string, config *EventStreamConfig) (*EventStream, error) {
	cfg := DefaultEventStreamConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}

	s := &EventStream{
		endpoint: endpoint,
		config:   cfg,
		events:   make(chan Event, cfg.BufferSize),
		watched:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// Events returns the notification channel. It is closed by Close.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

func (s *EventStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	// pongs keep a quiet connection alive between reads
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

type subscribeRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      uint64            `json:"id"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params"`
}

// Watch subscribes to notifications about the addresses. Addresses already
// watched are ignored.
func (s *EventStream) Watch(addresses ...string) error {
	if s.closed.Load() {
		return fmt.Errorf("event stream closed")
	}

	var fresh []string
	s.watchedMu.Lock()
	for _, a := range addresses {
		if _, ok := s.watched[a]; ok {
			continue
		}
		s.watched[a] = struct{}{}
		fresh = append(fresh, a)
	}
	s.watchedMu.Unlock()

	for _, a := range fresh {
		if err := s.subscribe(a); err != nil {
			return err
		}
	}
	return nil
}

func (s *EventStream) subscribe(address string) error {
	req := subscribeRequest{
		JSONRPC: "2.0",
		ID:      s.requestID.Add(1),
		Method:  "watch",
		Params:  map[string]string{"address": address},
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		// resubscribed once the connection is back
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// Close stops the stream and closes the events channel
func (s *EventStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.events)
	return nil
}

func (s *EventStream) readLoop() {
	defer s.wg.Done()
	logger := logging.WithField("component", "event_stream")
	delay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			if !s.reconnect(delay) {
				delay *= 2
				if delay > s.config.MaxReconnectDelay {
					delay = s.config.MaxReconnectDelay
				}
				continue
			}
			delay = s.config.ReconnectDelay
			continue
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			logger.WithError(err).Warn("Event stream read failed, reconnecting")
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.Close()
				s.conn = nil
			}
			s.connMu.Unlock()
			continue
		}

		s.handleMessage(message)
	}
}

// reconnect waits for delay and dials again. It reports whether the stream
// is connected afterwards.
func (s *EventStream) reconnect(delay time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-time.After(delay):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.connect(ctx); err != nil {
		logging.WithField("component", "event_stream").WithError(err).Warn("Event stream reconnect failed")
		return false
	}

	s.watchedMu.Lock()
	addresses := make([]string, 0, len(s.watched))
	for a := range s.watched {
		addresses = append(addresses, a)
	}
	s.watchedMu.Unlock()

	for _, a := range addresses {
		if err := s.subscribe(a); err != nil {
			logging.WithFields(map[string]interface{}{
				"component": "event_stream",
				"address":   a,
			}).WithError(err).Warn("Resubscribe failed")
		}
	}
	logging.WithField("component", "event_stream").Infof("Event stream reconnected, %d addresses resubscribed", len(addresses))
	return true
}

type eventNotification struct {
	Method string `json:"method"`
	Params *Event `json:"params"`
}

func (s *EventStream) handleMessage(message []byte) {
	var notif eventNotification
	if err := json.Unmarshal(message, &notif); err != nil || notif.Method != "event" || notif.Params == nil {
		return
	}
	event := *notif.Params
	if event.Kind != EventDefinitionSaved && event.Kind != EventAAResponse {
		return
	}
	metrics.EventsTotal.WithLabelValues(string(event.Kind)).Inc()

	select {
	case s.events <- event:
	case <-s.done:
	}
}

func (s *EventStream) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				_ = s.conn.WriteMessage(websocket.PingMessage, nil)
			}
			s.connMu.Unlock()
		}
	}
}
