// Package notify rate-limits user-facing status notifications (toasts).
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

const DefaultCooldown = 5 * time.Second

type Notification struct {
	Message  string
	Severity Severity
	At       time.Time
}

// Notifier is what components use to surface a status message.
type Notifier interface {
	Notify(message string, severity Severity) bool
}

// Sink receives the notifications that survive throttling.
type Sink interface {
	Show(n Notification)
}

type SinkFunc func(Notification)

func (f SinkFunc) Show(n Notification) { f(n) }

// Throttle suppresses a notification when the previously shown one had the same severity
// and was shown less than the cooldown ago. The cooldown is shared by all messages.
type Throttle struct {
	cooldown time.Duration
	now      func() time.Time
	sinks    []Sink

	mu       sync.Mutex
	last     Severity
	lastAt   time.Time
	hasShown bool
}

var _ Notifier = &Throttle{}

type ThrottleOption func(*Throttle)

func WithCooldown(d time.Duration) ThrottleOption {
	return func(t *Throttle) {
		if d >= 0 {
			t.cooldown = d
		}
	}
}

func WithClock(now func() time.Time) ThrottleOption {
	return func(t *Throttle) {
		if now != nil {
			t.now = now
		}
	}
}

func WithSink(s Sink) ThrottleOption {
	return func(t *Throttle) {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
}

func NewThrottle(opts ...ThrottleOption) *Throttle {
	t := &Throttle{
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Notify shows the message unless it is throttled, and reports whether it was shown.
func (t *Throttle) Notify(message string, severity Severity) bool {
	if t == nil {
		return false
	}
	now := t.now()

	t.mu.Lock()
	if t.hasShown && severity == t.last && now.Sub(t.lastAt) < t.cooldown {
		t.mu.Unlock()
		log.Debug().Str("component", "notify").Str("severity", string(severity)).Str("message", message).Msg("notification suppressed")
		return false
	}
	t.last = severity
	t.lastAt = now
	t.hasShown = true
	sinks := append([]Sink(nil), t.sinks...)
	t.mu.Unlock()

	n := Notification{Message: message, Severity: severity, At: now}
	for _, s := range sinks {
		s.Show(n)
	}
	return true
}
