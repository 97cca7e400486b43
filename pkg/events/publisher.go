package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Publisher writes state events to one watermill topic.
type Publisher struct {
	pub   message.Publisher
	topic string
}

var _ Sink = &Publisher{}

func NewPublisher(pub message.Publisher, topic string) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("events: publisher is nil")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{pub: pub, topic: topic}, nil
}

func (p *Publisher) Topic() string {
	return p.topic
}

func (p *Publisher) Publish(e StateEvent) error {
	b, err := e.Marshal()
	if err != nil {
		return errors.Wrap(err, "encode state event")
	}
	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("kind", string(e.Kind))
	msg.Metadata.Set("client_id", e.ClientID)
	if e.Channel != "" {
		msg.Metadata.Set("channel", e.Channel)
	}
	if err := p.pub.Publish(p.topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "events").Str("topic", p.topic).Str("kind", string(e.Kind)).Msg("publish state event failed")
		return errors.Wrap(err, "publish state event")
	}
	return nil
}

// NewInMemoryPubSub returns the in-process transport used when no broker is configured.
// Publishing never blocks on slow subscribers.
func NewInMemoryPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logger)
}
