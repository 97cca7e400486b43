package notify

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes shown notifications to the global logger.
type LogSink struct{}

func (LogSink) Show(n Notification) {
	var ev *zerolog.Event
	switch n.Severity {
	case SeverityError:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("component", "notify").Str("severity", string(n.Severity)).Msg(n.Message)
}

// Recorder keeps every shown notification; useful for UIs that render a toast history.
type Recorder struct {
	ch chan Notification
}

func NewRecorder(buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{ch: make(chan Notification, buffer)}
}

// Show never blocks; when the buffer is full the notification is dropped.
func (r *Recorder) Show(n Notification) {
	select {
	case r.ch <- n:
	default:
		log.Warn().Str("component", "notify").Str("message", n.Message).Msg("notification buffer full, dropping")
	}
}

func (r *Recorder) C() <-chan Notification {
	return r.ch
}
