// Package notify carries registration outcomes to the presentation layer.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"checkin/internal/attendance"
)

// Outcome types.
const (
	TypeInfo    = "info"
	TypeError   = "error"
	TypeSuccess = "success"
	TypeReset   = "reset"
	TypePartial = "partial"
)

// Notifier receives outcomes. Calls are fire-and-forget and must not block.
type Notifier interface {
	Info(msg string)
	Error(msg string)
	Success(kind attendance.Kind, name string)
	// Reset asks the presentation to clear and refocus the entry field.
	Reset()
}

// Outcome is the serialized form of a notification.
type Outcome struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Kind    attendance.Kind `json:"kind,omitempty"`
	Name    string          `json:"name,omitempty"`
	At      time.Time       `json:"at"`
}

// SuccessText is the message shown for a recorded event.
func SuccessText(kind attendance.Kind, name string) string {
	return fmt.Sprintf("%s registrada: %s", kind, name)
}

// Hub fans outcomes out to subscribers. Slow subscribers lose outcomes
// rather than stall the registrar.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Outcome]struct{}
	now  func() time.Time
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Outcome]struct{}), now: time.Now}
}

// Subscribe returns a channel of outcomes and a function that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Outcome, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Outcome, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) publish(o Outcome) {
	o.At = h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- o:
		default:
		}
	}
}

func (h *Hub) Info(msg string)  { h.publish(Outcome{Type: TypeInfo, Message: msg}) }
func (h *Hub) Error(msg string) { h.publish(Outcome{Type: TypeError, Message: msg}) }
func (h *Hub) Reset()           { h.publish(Outcome{Type: TypeReset}) }

func (h *Hub) Success(kind attendance.Kind, name string) {
	h.publish(Outcome{Type: TypeSuccess, Message: SuccessText(kind, name), Kind: kind, Name: name})
}

// Partial hands an incomplete scanner read to the presentation so it can
// pre-fill the entry field. It is never submitted.
func (h *Hub) Partial(digits string) { h.publish(Outcome{Type: TypePartial, Message: digits}) }

// Log writes outcomes to a logger.
type Log struct {
	L zerolog.Logger
}

func (l Log) Info(msg string)  { l.L.Info().Str("outcome", TypeInfo).Msg(msg) }
func (l Log) Error(msg string) { l.L.Warn().Str("outcome", TypeError).Msg(msg) }
func (l Log) Reset()           {}

func (l Log) Success(kind attendance.Kind, name string) {
	l.L.Info().Str("outcome", TypeSuccess).Str("kind", string(kind)).Str("name", name).Msg("registered")
}

// Multi forwards every outcome to each notifier in order.
type Multi []Notifier

func (m Multi) Info(msg string) {
	for _, n := range m {
		n.Info(msg)
	}
}

func (m Multi) Error(msg string) {
	for _, n := range m {
		n.Error(msg)
	}
}

func (m Multi) Success(kind attendance.Kind, name string) {
	for _, n := range m {
		n.Success(kind, name)
	}
}

func (m Multi) Reset() {
	for _, n := range m {
		n.Reset()
	}
}
