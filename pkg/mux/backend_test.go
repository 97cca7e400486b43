package mux

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentdeck/pkg/channel"
	"github.com/go-go-golems/agentdeck/pkg/events"
	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/probe"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// fakeBackend accepts channel websockets and lets a test script the server side.
type fakeBackend struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	accepted chan *serverConn
}

type serverConn struct {
	path    string
	ws      *websocket.Conn
	inbound chan protocol.OutboundMessage
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	b := &fakeBackend{accepted: make(chan *serverConn, 8)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{path: r.URL.Path, ws: ws, inbound: make(chan protocol.OutboundMessage, 16)}
	b.accepted <- sc
	defer close(sc.inbound)
	defer func() { _ = ws.Close() }()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var m protocol.OutboundMessage
		if json.Unmarshal(data, &m) == nil {
			sc.inbound <- m
		}
	}
}

func (b *fakeBackend) dialer(t *testing.T) channel.Dialer {
	t.Helper()
	d, err := channel.NewWebSocketDialer(b.srv.URL, time.Second)
	require.NoError(t, err)
	return d
}

func (b *fakeBackend) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-b.accepted:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("no channel connected")
		return nil
	}
}

func (sc *serverConn) send(t *testing.T, env protocol.Envelope) {
	t.Helper()
	b, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, sc.ws.WriteMessage(websocket.TextMessage, b))
}

func (sc *serverConn) sendRaw(t *testing.T, raw string) {
	t.Helper()
	require.NoError(t, sc.ws.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (sc *serverConn) next(t *testing.T) protocol.OutboundMessage {
	t.Helper()
	select {
	case m, ok := <-sc.inbound:
		require.True(t, ok, "connection closed")
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from client")
		return protocol.OutboundMessage{}
	}
}

// idleScheduler never fires, so tests see no background reconnects.
type idleScheduler struct{}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (idleScheduler) AfterFunc(time.Duration, func()) channel.Timer { return idleTimer{} }

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(msg string, sev notify.Severity) bool {
	r.mu.Lock()
	r.notes = append(r.notes, notify.Notification{Message: msg, Severity: sev})
	r.mu.Unlock()
	return true
}

func (r *recordingNotifier) Has(msg string, sev notify.Severity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if n.Message == msg && n.Severity == sev {
			return true
		}
	}
	return false
}

type recordingSink struct {
	mu  sync.Mutex
	evs []events.StateEvent
}

func (s *recordingSink) Publish(e events.StateEvent) error {
	s.mu.Lock()
	s.evs = append(s.evs, e)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Kinds(channel string) []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Kind
	for _, e := range s.evs {
		if e.Channel == channel && e.Kind != events.KindConnection {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (s *recordingSink) Count(channel string, kind events.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.evs {
		if e.Channel == channel && e.Kind == kind {
			n++
		}
	}
	return n
}

// indexOf returns the position of the first event matching fn, or -1.
func (s *recordingSink) indexOf(fn func(events.StateEvent) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.evs {
		if fn(e) {
			return i
		}
	}
	return -1
}

// stallingSink holds the first event matching stall until release is closed.
type stallingSink struct {
	recordingSink
	stall   func(events.StateEvent) bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallingSink(stall func(events.StateEvent) bool) *stallingSink {
	return &stallingSink{stall: stall, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *stallingSink) Publish(e events.StateEvent) error {
	stalled := false
	if s.stall(e) {
		s.once.Do(func() { stalled = true })
	}
	if stalled {
		close(s.entered)
		<-s.release
	}
	return s.recordingSink.Publish(e)
}

type fakeProcessor struct {
	mu      sync.Mutex
	prompts []string
	resp    probe.ProcessResponse
	err     error
}

func (p *fakeProcessor) Process(_ context.Context, clientID, prompt string) (probe.ProcessResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, clientID+":"+prompt)
	return p.resp, p.err
}

type fixedStatus probe.Result

func (f fixedStatus) Latest() probe.Result { return probe.Result(f) }

type fixture struct {
	backend *fakeBackend
	mux     *Multiplexer
	notes   *recordingNotifier
	sink    *recordingSink
}

const clientID = "abc-123"

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		backend: newFakeBackend(t),
		notes:   &recordingNotifier{},
		sink:    &recordingSink{},
	}
	cfg := Config{
		ClientID:  clientID,
		Dialer:    f.backend.dialer(t),
		Scheduler: idleScheduler{},
		Notifier:  f.notes,
		Events:    f.sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	f.mux = m
	t.Cleanup(func() { _ = m.Close() })
	return f
}

func (f *fixture) snapshot(t *testing.T, key protocol.ChannelKey) ChannelSnapshot {
	t.Helper()
	s, err := f.mux.Snapshot(key)
	require.NoError(t, err)
	return s
}

func (f *fixture) waitOpen(t *testing.T, key protocol.ChannelKey) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.snapshot(t, key).Channel.State == channel.StateOpen
	}, 2*time.Second, time.Millisecond)
}
