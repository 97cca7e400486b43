package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

var (
	ErrAlreadyConnecting = errors.New("connect attempt already outstanding")
	ErrNotConnected      = errors.New("channel is not connected")
	ErrTornDown          = errors.New("channel supervisor torn down")
	ErrConnectFailure    = errors.New("connect failure")
	ErrTransport         = errors.New("transport error")
	ErrUnexpectedClose   = errors.New("unexpected close")
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryDelay   = 3 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionState is what a connection badge renders. An empty LastError means no error.
type ConnectionState struct {
	IsConnected bool   `json:"isConnected"`
	LastError   string `json:"lastError,omitempty"`
}

type Snapshot struct {
	Key          protocol.ChannelKey
	State        State
	Connection   ConnectionState
	Attempts     int
	RetryPending bool
	Parked       bool
}

type Config struct {
	Key    protocol.ChannelKey
	Dialer Dialer

	MaxAttempts      int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// InitialContent is sent once, as the first outbound frame after the first successful open.
	InitialContent string

	// Foreground reports whether the host is visible. Retries are deferred while it returns false.
	Foreground func() bool
	Scheduler  Scheduler
	Notifier   notify.Notifier
	Now        func() time.Time

	// OnFrame receives every inbound payload in transport order, from the connection's reader goroutine.
	OnFrame func(key protocol.ChannelKey, payload []byte)
	// OnStateChange is called after each transition, outside the supervisor lock.
	OnStateChange func(Snapshot)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Foreground == nil {
		c.Foreground = func() bool { return true }
	}
	if c.Scheduler == nil {
		c.Scheduler = WallClock()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Supervisor keeps exactly one channel connected, retrying a bounded number of times.
//
// Idle -> Connecting -> Open -> Closed; Closed re-enters Connecting through a scheduled retry
// or ends in Failed once MaxAttempts retries have been used. Every connection attempt gets a
// generation number and callbacks from superseded attempts are dropped.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	conn        Conn
	lastError   string
	attempts    int
	gen         uint64
	dialCancel  context.CancelFunc
	retry       Timer
	parked      bool
	alive       bool
	initialSent bool

	wg sync.WaitGroup
}

func NewSupervisor(cfg Config) (*Supervisor, error) {
	if err := cfg.Key.Validate(); err != nil {
		return nil, err
	}
	if cfg.Dialer == nil {
		return nil, errors.New("channel supervisor: dialer is nil")
	}
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg: cfg,
		logger: log.With().
			Str("component", "channel").
			Str("client_id", cfg.Key.ClientID).
			Str("channel", cfg.Key.String()).
			Logger(),
		state: StateIdle,
		alive: true,
	}, nil
}

func (s *Supervisor) Key() protocol.ChannelKey {
	return s.cfg.Key
}

// Open starts a connection attempt. It returns ErrAlreadyConnecting while a handshake or a
// scheduled retry is outstanding and is a no-op when the channel is already open.
// Opening a Failed channel is the manual recovery path and starts with a fresh attempt budget.
func (s *Supervisor) Open() error {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return ErrTornDown
	}
	switch s.state {
	case StateConnecting:
		s.mu.Unlock()
		return ErrAlreadyConnecting
	case StateOpen:
		s.mu.Unlock()
		return nil
	case StateFailed:
		s.attempts = 0
	}
	if s.retry != nil {
		s.mu.Unlock()
		return ErrAlreadyConnecting
	}
	s.parked = false
	s.connectLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(snap)
	return nil
}

func (s *Supervisor) connectLocked() {
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	s.dialCancel = cancel
	s.state = StateConnecting
	s.logger.Debug().Uint64("gen", gen).Int("attempt", s.attempts).Msg("connecting")

	s.wg.Add(1)
	go s.run(ctx, gen)
}

func (s *Supervisor) run(ctx context.Context, gen uint64) {
	defer s.wg.Done()

	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.Key)
	if err != nil {
		// A failed dial only records the error; the close transition decides what the user sees,
		// so the ceiling notification is not throttled away by a per-attempt one.
		s.handleError(gen, errors.Wrap(ErrConnectFailure, err.Error()), "Failed to connect to server", false)
		s.handleClose(gen, err)
		return
	}
	if !s.handleOpen(gen, conn) {
		_ = conn.Close()
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.handleError(gen, errors.Wrap(ErrTransport, err.Error()), "Connection error: "+err.Error(), true)
			}
			s.handleClose(gen, err)
			return
		}
		if !s.current(gen) {
			return
		}
		if s.cfg.OnFrame != nil {
			s.cfg.OnFrame(s.cfg.Key, data)
		}
	}
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && gen == s.gen
}

func (s *Supervisor) handleOpen(gen uint64, conn Conn) bool {
	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return false
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.conn = conn
	s.attempts = 0
	s.lastError = ""
	s.state = StateOpen

	if !s.initialSent && s.cfg.InitialContent != "" {
		b, err := protocol.NewOutboundMessage(s.cfg.InitialContent, s.cfg.Now()).Marshal()
		if err == nil {
			err = s.writeLocked(b)
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to send initial content")
		} else {
			s.initialSent = true
			s.logger.Debug().Msg("sent initial content")
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("connected")
	s.notify("Connected to "+s.peerName(), notify.SeveritySuccess)
	s.publish(snap)
	return true
}

// handleError records a transport or handshake error without changing state. announce
// surfaces it as an error notification.
func (s *Supervisor) handleError(gen uint64, err error, text string, announce bool) {
	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastError = text
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("channel error")
	if announce {
		s.notify("Error connecting to "+s.peerName(), notify.SeverityError)
	}
	s.publish(snap)
}

func (s *Supervisor) handleClose(gen uint64, cause error) {
	s.mu.Lock()
	if !s.alive || gen != s.gen {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == StateOpen
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateClosed

	var failure string
	switch {
	case s.attempts >= s.cfg.MaxAttempts:
		s.state = StateFailed
		failure = fmt.Sprintf("Failed to connect to server after %d attempts", s.cfg.MaxAttempts)
		s.lastError = failure
	case !s.cfg.Foreground():
		s.parked = true
		s.logger.Info().Msg("host in background, deferring reconnect")
	default:
		s.scheduleRetryLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	ev := s.logger.Info()
	if wasOpen {
		ev = s.logger.Warn().Err(errors.Wrap(ErrUnexpectedClose, errString(cause)))
	}
	ev.Str("state", snap.State.String()).Int("attempts", snap.Attempts).Msg("channel closed")

	if wasOpen {
		s.notify("Disconnected from "+s.peerName(), notify.SeverityError)
	}
	if failure != "" {
		s.logger.Error().Int("max_attempts", s.cfg.MaxAttempts).Msg("giving up on channel")
		s.notify(failure, notify.SeverityError)
	}
	s.publish(snap)
}

func (s *Supervisor) scheduleRetryLocked() {
	s.attempts++
	attempt := s.attempts
	s.logger.Info().Int("attempt", attempt).Dur("delay", s.cfg.RetryDelay).Msg("scheduling reconnect")
	s.retry = s.cfg.Scheduler.AfterFunc(s.cfg.RetryDelay, func() {
		s.fireRetry(attempt)
	})
}

func (s *Supervisor) fireRetry(attempt int) {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	if s.state != StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Foreground() {
		// The attempt never happened; it is consumed when the host comes back.
		s.attempts--
		s.parked = true
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Info().Int("attempt", attempt).Msg("host in background at retry time, deferring reconnect")
		s.publish(snap)
		return
	}
	s.connectLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// Foregrounded resumes a reconnect that was deferred while the host was in the background.
func (s *Supervisor) Foregrounded() {
	s.mu.Lock()
	if !s.alive || !s.parked || s.state != StateClosed || !s.cfg.Foreground() {
		s.mu.Unlock()
		return
	}
	s.parked = false
	s.attempts++
	s.logger.Info().Int("attempt", s.attempts).Msg("host in foreground, reconnecting")
	s.connectLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publish(snap)
}

// Send transmits one outbound frame. There is no queuing: a channel that is not open rejects it.
func (s *Supervisor) Send(msg protocol.OutboundMessage) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.alive || s.state != StateOpen || s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if err := s.writeLocked(b); err != nil {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.publish(snap)
		return err
	}
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) writeLocked(b []byte) error {
	_ = s.conn.SetWriteDeadline(s.cfg.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.lastError = "Connection error: " + err.Error()
		// The reader observes the closed connection and drives the close transition.
		_ = s.conn.Close()
		return errors.Wrap(ErrTransport, err.Error())
	}
	return nil
}

// Teardown cancels any pending retry or handshake and closes the live connection.
// It is idempotent; once it returns no callback of this supervisor changes state again.
func (s *Supervisor) Teardown() {
	s.mu.Lock()
	if !s.alive {
		s.mu.Unlock()
		return
	}
	s.alive = false
	s.gen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	conn := s.conn
	s.conn = nil
	s.parked = false
	s.state = StateClosed
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if conn != nil {
		_ = conn.SetWriteDeadline(s.cfg.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	s.logger.Debug().Msg("torn down")
	s.publish(snap)
}

// Wait blocks until the handshake and reader goroutines have exited. Call it after Teardown,
// never from inside OnFrame.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Supervisor) State() State {
	return s.Snapshot().State
}

func (s *Supervisor) ConnectionState() ConnectionState {
	return s.Snapshot().Connection
}

// Attempts is the number of retries scheduled since the last successful open.
func (s *Supervisor) Attempts() int {
	return s.Snapshot().Attempts
}

func (s *Supervisor) snapshotLocked() Snapshot {
	return Snapshot{
		Key:   s.cfg.Key,
		State: s.state,
		Connection: ConnectionState{
			IsConnected: s.state == StateOpen,
			LastError:   s.lastError,
		},
		Attempts:     s.attempts,
		RetryPending: s.retry != nil,
		Parked:       s.parked,
	}
}

func (s *Supervisor) publish(snap Snapshot) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(snap)
	}
}

func (s *Supervisor) notify(msg string, sev notify.Severity) {
	if s.cfg.Notifier != nil {
		s.cfg.Notifier.Notify(msg, sev)
	}
}

func (s *Supervisor) peerName() string {
	if s.cfg.Key.IsControl() {
		return "server"
	}
	return s.cfg.Key.Agent.DisplayName()
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return err.Error()
}
