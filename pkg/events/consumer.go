package events

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// Consumer subscribes to the state topic and hands decoded events to a callback, in the
// order the subscriber delivers them. Messages that do not decode are acked and skipped.
type Consumer struct {
	subscriber message.Subscriber
	topic      string
	clientID   string
	onEvent    func(StateEvent)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

// NewConsumer filters by clientID when it is non-empty.
func NewConsumer(subscriber message.Subscriber, topic, clientID string, onEvent func(StateEvent)) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Consumer{
		subscriber: subscriber,
		topic:      topic,
		clientID:   clientID,
		onEvent:    onEvent,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ch, err := c.subscriber.Subscribe(ctx, c.topic)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.consume(runCtx, ch, done)
	return nil
}

func (c *Consumer) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.running = false
	c.mu.Unlock()
}

// Done is closed when the consume loop has exited; nil before Start.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Consumer) Close() {
	if c == nil {
		return
	}
	c.Stop()
	if c.subscriber != nil {
		if err := c.subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("component", "events").Str("topic", c.topic).Msg("consumer: subscriber close failed")
		}
	}
}

func (c *Consumer) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Debug().Str("component", "events").Str("topic", c.topic).Msg("consumer: started")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := Unmarshal(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "events").Str("message_id", msg.UUID).Msg("consumer: failed to decode state event")
				msg.Ack()
				continue
			}
			if c.clientID == "" || ev.ClientID == c.clientID {
				if c.onEvent != nil {
					c.onEvent(ev)
				}
			}
			msg.Ack()
		}
	}
}
