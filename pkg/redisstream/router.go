package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/events"
)

// Transport is the publisher/subscriber pair backing the state bus.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client redis.UniversalClient
}

// Build returns a Redis Streams transport when enabled, otherwise an in-process gochannel.
func Build(s Settings) (*Transport, error) {
	logger := events.NewWatermillLogger(log.Logger)
	if !s.Enabled {
		ps := events.NewInMemoryPubSub(logger)
		return &Transport{Publisher: ps, Subscriber: ps}, nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis state bus: empty address")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := newPublisher(client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := newSubscriber(client, s.Group, s.Consumer, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}
	log.Info().Str("component", "redisstream").Str("addr", s.Addr).Str("group", s.Group).Msg("state bus on redis streams")
	return &Transport{Publisher: pub, Subscriber: sub, client: client}, nil
}

func newPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis publisher")
	}
	return pub, nil
}

func newSubscriber(client redis.UniversalClient, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if it doesn't exist,
// so a new watcher does not replay the whole history.
func (t *Transport) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if t.client == nil {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (t *Transport) Close() error {
	var first error
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil {
			first = err
		}
	}
	// gochannel is its own subscriber; closing it twice is harmless.
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil && first == nil {
			first = err
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
