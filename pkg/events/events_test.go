package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

type collected struct {
	mu  sync.Mutex
	evs []StateEvent
}

func (c *collected) add(e StateEvent) {
	c.mu.Lock()
	c.evs = append(c.evs, e)
	c.mu.Unlock()
}

func (c *collected) all() []StateEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StateEvent(nil), c.evs...)
}

func TestPublisherConsumerRoundTrip(t *testing.T) {
	ps := NewInMemoryPubSub(NewWatermillLogger(zerolog.Nop()))
	pub, err := NewPublisher(ps, "")
	require.NoError(t, err)
	require.Equal(t, DefaultTopic, pub.Topic())

	got := &collected{}
	c := NewConsumer(ps, DefaultTopic, "abc-123", got.add)
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	msg := &protocol.UserMessage{Role: protocol.RoleAssistant, Content: "Hi", Timestamp: 7}
	require.NoError(t, pub.Publish(StateEvent{Kind: KindMessage, ClientID: "abc-123", Channel: "control", Timestamp: 7, Message: msg}))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, time.Millisecond)

	// Other clients are filtered out, undecodable payloads are skipped.
	require.NoError(t, pub.Publish(StateEvent{Kind: KindReset, ClientID: "someone-else"}))
	require.NoError(t, ps.Publish(DefaultTopic, message.NewMessage(watermill.NewUUID(), []byte("not json"))))
	busy := true
	require.NoError(t, pub.Publish(StateEvent{Kind: KindGate, ClientID: "abc-123", Channel: "control", GateBusy: &busy}))
	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, time.Millisecond)

	evs := got.all()
	require.Equal(t, msg, evs[0].Message)
	require.Equal(t, "control", evs[0].Channel)
	require.Equal(t, KindGate, evs[1].Kind)
	require.True(t, *evs[1].GateBusy)
}

func TestUnmarshalRequiresKind(t *testing.T) {
	_, err := Unmarshal([]byte(`{"client_id":"x"}`))
	require.Error(t, err)
	_, err = Unmarshal([]byte(`{`))
	require.Error(t, err)
	e, err := Unmarshal([]byte(`{"kind":"reset","client_id":"x"}`))
	require.NoError(t, err)
	require.Equal(t, KindReset, e.Kind)
}

func TestNotificationSinkPublishes(t *testing.T) {
	got := &collected{}
	sink := NotificationSink{
		Sink:     SinkFunc(func(e StateEvent) error { got.add(e); return nil }),
		ClientID: "abc-123",
	}
	th := notify.NewThrottle(notify.WithSink(sink))
	require.True(t, th.Notify("Connected to server", notify.SeveritySuccess))

	evs := got.all()
	require.Len(t, evs, 1)
	require.Equal(t, KindNotification, evs[0].Kind)
	require.Equal(t, &Notification{Message: "Connected to server", Severity: "success"}, evs[0].Notification)
}

func TestFanoutReturnsFirstError(t *testing.T) {
	var calls int
	fail := SinkFunc(func(StateEvent) error { calls++; return errTest })
	ok := SinkFunc(func(StateEvent) error { calls++; return nil })
	err := Fanout{fail, nil, ok}.Publish(StateEvent{Kind: KindReset})
	require.Equal(t, errTest, err)
	require.Equal(t, 2, calls)
}

var errTest = errors.New("sink failed")

func TestQueueKeepsOrderAndNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	got := &collected{}
	slow := SinkFunc(func(e StateEvent) error {
		<-release
		got.add(e)
		return nil
	})
	q, err := NewQueue(slow, 2)
	require.NoError(t, err)

	start := time.Now()
	// The first event is picked up by the worker, two fill the buffer, the rest overflow.
	var dropped int
	for i := 0; i < 6; i++ {
		if err := q.Publish(StateEvent{Kind: KindTrace, Timestamp: int64(i)}); errors.Is(err, ErrQueueFull) {
			dropped++
		}
	}
	require.Less(t, time.Since(start), time.Second)
	require.GreaterOrEqual(t, dropped, 3)

	close(release)
	require.NoError(t, q.Close())
	require.True(t, errors.Is(q.Publish(StateEvent{Kind: KindReset}), ErrQueueClosed))

	evs := got.all()
	require.Equal(t, 6-dropped, len(evs))
	for i := 1; i < len(evs); i++ {
		require.Less(t, evs[i-1].Timestamp, evs[i].Timestamp)
	}
}
