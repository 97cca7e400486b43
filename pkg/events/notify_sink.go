package events

import (
	"github.com/go-go-golems/agentdeck/pkg/notify"
)

// NotificationSink forwards shown notifications onto the state bus.
type NotificationSink struct {
	Sink     Sink
	ClientID string
}

var _ notify.Sink = NotificationSink{}

func (s NotificationSink) Show(n notify.Notification) {
	if s.Sink == nil {
		return
	}
	_ = s.Sink.Publish(StateEvent{
		Kind:      KindNotification,
		ClientID:  s.ClientID,
		Timestamp: n.At.UnixMilli(),
		Notification: &Notification{
			Message:  n.Message,
			Severity: string(n.Severity),
		},
	})
}
