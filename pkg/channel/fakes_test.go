package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu         sync.Mutex
	writes     [][]byte
	closes     int
	failWrites error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.inbound:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	if mt != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	if c.failWrites != nil {
		err := c.failWrites
		c.mu.Unlock()
		return err
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) FailWrites(err error) {
	c.mu.Lock()
	c.failWrites = err
	c.mu.Unlock()
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out queued results; with none queued it fails, or blocks when block is set.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	block   bool
	release chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{release: make(chan struct{})}
}

func (d *fakeDialer) Queue(c *fakeConn) {
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Dial(ctx context.Context, _ protocol.ChannelKey) (Conn, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	d.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.release:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type manualTimer struct {
	delay   time.Duration
	fn      func()
	mu      sync.Mutex
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *manualTimer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *manualScheduler) Timer(i int) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[i]
}

// Fire runs timer i even if it was stopped, to mimic a timer racing its cancellation.
func (s *manualScheduler) Fire(i int) {
	s.Timer(i).fn()
}

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

func (r *recordingNotifier) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Message)
	}
	return out
}

type foreground struct {
	mu      sync.Mutex
	visible bool
}

func (f *foreground) Get() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *foreground) Set(v bool) {
	f.mu.Lock()
	f.visible = v
	f.mu.Unlock()
}
