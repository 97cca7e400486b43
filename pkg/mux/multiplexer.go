// Package mux owns every channel of one client: the supervisors, the per-channel logs and
// request gates, and the request API a UI drives.
package mux

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentdeck/pkg/channel"
	"github.com/go-go-golems/agentdeck/pkg/dispatch"
	"github.com/go-go-golems/agentdeck/pkg/events"
	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/probe"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

var (
	ErrGateBusy       = errors.New("request already in flight")
	ErrEmptyContent   = errors.New("empty message")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrClosed         = errors.New("multiplexer closed")
)

const sendFailedMessage = "Failed to send message"

// Processor submits a control-channel prompt out of band; *probe.Client implements it.
type Processor interface {
	Process(ctx context.Context, clientID, prompt string) (probe.ProcessResponse, error)
}

// StatusSource exposes the latest polled backend status; *probe.Poller implements it.
type StatusSource interface {
	Latest() probe.Result
}

type Config struct {
	ClientID string
	Dialer   channel.Dialer

	MaxAttempts      int
	RetryDelay       time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	Scheduler  channel.Scheduler
	Foreground func() bool
	Notifier   notify.Notifier
	// Processor, when set, carries control-channel prompts instead of the socket.
	Processor Processor
	Status    StatusSource
	// Events receives every state change in the order it was applied. It is called without the
	// multiplexer lock; a slow sink delays later events but never blocks other callers.
	Events events.Sink
	Now    func() time.Time
}

type channelState struct {
	sup          *channel.Supervisor
	gate         RequestGate
	conversation []protocol.UserMessage
	traces       []protocol.AgentTrace
	comms        []protocol.InternalComm
}

type Multiplexer struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	mu       sync.Mutex
	channels map[protocol.ChannelKey]*channelState
	closed   bool
	// pending holds events applied under mu and not yet handed to cfg.Events.
	pending  []events.StateEvent
	flushing bool
}

func New(cfg Config) (*Multiplexer, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("multiplexer: empty client id")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("multiplexer: dialer is nil")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Multiplexer{
		cfg:      cfg,
		channels: map[protocol.ChannelKey]*channelState{},
		logger:   log.With().Str("component", "mux").Str("client_id", cfg.ClientID).Logger(),
	}
	d, err := dispatch.New((*logTarget)(m), cfg.Notifier, cfg.Now)
	if err != nil {
		return nil, err
	}
	m.dispatcher = d
	return m, nil
}

func (m *Multiplexer) ClientID() string {
	return m.cfg.ClientID
}

// OpenControl opens (or re-opens) the shared control channel.
func (m *Multiplexer) OpenControl() error {
	return m.open(protocol.ControlKey(m.cfg.ClientID), "")
}

// OpenAgent opens the channel to one agent. initialContent is sent as the first frame once the
// channel first connects; it is ignored when the channel already exists.
func (m *Multiplexer) OpenAgent(agent protocol.AgentID, initialContent string) error {
	if !agent.Valid() {
		return errors.Wrapf(protocol.ErrUnknownAgent, "%q", string(agent))
	}
	return m.open(protocol.AgentKey(m.cfg.ClientID, agent), initialContent)
}

func (m *Multiplexer) open(key protocol.ChannelKey, initialContent string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cs, ok := m.channels[key]
	if !ok {
		sup, err := channel.NewSupervisor(channel.Config{
			Key:              key,
			Dialer:           m.cfg.Dialer,
			MaxAttempts:      m.cfg.MaxAttempts,
			RetryDelay:       m.cfg.RetryDelay,
			HandshakeTimeout: m.cfg.HandshakeTimeout,
			WriteTimeout:     m.cfg.WriteTimeout,
			InitialContent:   initialContent,
			Foreground:       m.cfg.Foreground,
			Scheduler:        m.cfg.Scheduler,
			Notifier:         m.cfg.Notifier,
			Now:              m.cfg.Now,
			OnFrame:          m.onFrame,
			OnStateChange:    m.onStateChange,
		})
		if err != nil {
			m.mu.Unlock()
			return err
		}
		cs = &channelState{sup: sup}
		m.channels[key] = cs
		m.logger.Debug().Str("channel", key.String()).Msg("channel registered")
	}
	m.mu.Unlock()

	// Open may call back into onStateChange; it must run without m.mu.
	return cs.sup.Open()
}

// CloseChannel tears the channel down and forgets its logs and gate.
func (m *Multiplexer) CloseChannel(key protocol.ChannelKey) error {
	m.mu.Lock()
	cs, ok := m.channels[key]
	if ok {
		delete(m.channels, key)
	}
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrUnknownChannel, key.String())
	}
	cs.sup.Teardown()
	cs.sup.Wait()
	m.logger.Debug().Str("channel", key.String()).Msg("channel closed")
	return nil
}

// Close tears down every channel and waits for their goroutines. It is idempotent.
func (m *Multiplexer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sups := make([]*channel.Supervisor, 0, len(m.channels))
	for _, cs := range m.channels {
		sups = append(sups, cs.sup)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, sup := range sups {
		sup := sup
		g.Go(func() error {
			sup.Teardown()
			sup.Wait()
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info().Int("channels", len(sups)).Msg("multiplexer closed")
	return err
}

// Foregrounded resumes reconnects that were deferred while the host was in the background.
func (m *Multiplexer) Foregrounded() {
	for _, sup := range m.supervisors() {
		sup.Foregrounded()
	}
}

// Submit sends one user message on a channel. The gate is checked first: a busy gate rejects
// the call with ErrGateBusy and leaves every log untouched. Otherwise the message is echoed
// into the conversation before it is sent; the echo stays even when the send fails, in which
// case the gate is released and the error returned.
func (m *Multiplexer) Submit(ctx context.Context, key protocol.ChannelKey, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	now := m.cfg.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	cs, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrUnknownChannel, key.String())
	}
	if !cs.gate.TryAcquire() {
		m.mu.Unlock()
		return ErrGateBusy
	}
	echo := protocol.UserMessage{Role: protocol.RoleUser, Content: content, Timestamp: now.UnixMilli()}
	cs.conversation = append(cs.conversation, echo)
	m.emitLocked(key, events.StateEvent{Kind: events.KindMessage, Message: &echo})
	m.emitGateLocked(key, true)
	sup := cs.sup
	m.mu.Unlock()
	m.flush()

	if err := m.send(ctx, key, sup, content, now); err != nil {
		(*logTarget)(m).ReleaseGate(key)
		m.logger.Warn().Err(err).Str("channel", key.String()).Msg("send failed")
		if m.cfg.Notifier != nil {
			m.cfg.Notifier.Notify(sendFailedMessage, notify.SeverityError)
		}
		return err
	}
	m.logger.Debug().Str("channel", key.String()).Int("length", len(content)).Msg("message submitted")
	return nil
}

func (m *Multiplexer) send(ctx context.Context, key protocol.ChannelKey, sup *channel.Supervisor, content string, now time.Time) error {
	if key.IsControl() && m.cfg.Processor != nil {
		if sup.State() != channel.StateOpen {
			return channel.ErrNotConnected
		}
		resp, err := m.cfg.Processor.Process(ctx, m.cfg.ClientID, content)
		if err != nil {
			return errors.Wrap(err, "submit prompt")
		}
		if resp.Failed() {
			m.dispatcher.FailRequest(key, resp.Message)
		}
		return nil
	}
	return sup.Send(protocol.NewOutboundMessage(content, now))
}

// ResetConversation clears the conversation, trace and comm logs of every channel.
// Connections and gates are left alone.
func (m *Multiplexer) ResetConversation() {
	m.mu.Lock()
	for _, cs := range m.channels {
		cs.conversation = nil
		cs.traces = nil
		cs.comms = nil
	}
	m.emitLocked(protocol.ChannelKey{}, events.StateEvent{Kind: events.KindReset})
	m.mu.Unlock()
	m.flush()
	m.logger.Info().Msg("conversation reset")
}

type ChannelStatus struct {
	Key        protocol.ChannelKey
	State      channel.State
	Connection channel.ConnectionState
	GateBusy   bool
}

type Status struct {
	Probe    probe.Result
	Channels []ChannelStatus
}

// Connected reports whether the control channel is open.
func (s Status) Connected() bool {
	for _, c := range s.Channels {
		if c.Key.IsControl() {
			return c.Connection.IsConnected
		}
	}
	return false
}

// Status merges the last polled probe result with the connection state of every channel.
// It performs no I/O.
func (m *Multiplexer) Status() Status {
	st := Status{Probe: probe.Fallback()}
	if m.cfg.Status != nil {
		st.Probe = m.cfg.Status.Latest()
	}

	m.mu.Lock()
	keys := m.keysLocked()
	type entry struct {
		sup  *channel.Supervisor
		busy bool
	}
	entries := make([]entry, 0, len(keys))
	for _, k := range keys {
		cs := m.channels[k]
		entries = append(entries, entry{sup: cs.sup, busy: cs.gate.Busy()})
	}
	m.mu.Unlock()

	for i, e := range entries {
		snap := e.sup.Snapshot()
		st.Channels = append(st.Channels, ChannelStatus{
			Key:        keys[i],
			State:      snap.State,
			Connection: snap.Connection,
			GateBusy:   e.busy,
		})
	}
	return st
}

// ChannelSnapshot is a copy of everything the multiplexer holds for one channel.
type ChannelSnapshot struct {
	Key          protocol.ChannelKey
	Channel      channel.Snapshot
	GateBusy     bool
	Conversation []protocol.UserMessage
	Traces       []protocol.AgentTrace
	Comms        []protocol.InternalComm
}

func (m *Multiplexer) Snapshot(key protocol.ChannelKey) (ChannelSnapshot, error) {
	m.mu.Lock()
	cs, ok := m.channels[key]
	if !ok {
		m.mu.Unlock()
		return ChannelSnapshot{}, errors.Wrap(ErrUnknownChannel, key.String())
	}
	snap := ChannelSnapshot{
		Key:          key,
		GateBusy:     cs.gate.Busy(),
		Conversation: append([]protocol.UserMessage(nil), cs.conversation...),
		Traces:       append([]protocol.AgentTrace(nil), cs.traces...),
		Comms:        append([]protocol.InternalComm(nil), cs.comms...),
	}
	sup := cs.sup
	m.mu.Unlock()

	snap.Channel = sup.Snapshot()
	return snap, nil
}

// Keys lists the open channels, control first and agents in their fixed order.
func (m *Multiplexer) Keys() []protocol.ChannelKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keysLocked()
}

func (m *Multiplexer) keysLocked() []protocol.ChannelKey {
	var keys []protocol.ChannelKey
	control := protocol.ControlKey(m.cfg.ClientID)
	if _, ok := m.channels[control]; ok {
		keys = append(keys, control)
	}
	for _, a := range protocol.Agents() {
		k := protocol.AgentKey(m.cfg.ClientID, a)
		if _, ok := m.channels[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *Multiplexer) supervisors() []*channel.Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*channel.Supervisor, 0, len(m.channels))
	for _, cs := range m.channels {
		out = append(out, cs.sup)
	}
	return out
}

func (m *Multiplexer) onFrame(key protocol.ChannelKey, payload []byte) {
	_, _ = m.dispatcher.Dispatch(key, payload)
}

func (m *Multiplexer) onStateChange(snap channel.Snapshot) {
	m.mu.Lock()
	defer m.flush()
	defer m.mu.Unlock()
	if _, ok := m.channels[snap.Key]; !ok {
		// Teardown of a channel CloseChannel already forgot.
		return
	}
	m.emitLocked(snap.Key, events.StateEvent{
		Kind: events.KindConnection,
		Connection: &events.Connection{
			State:       snap.State.String(),
			IsConnected: snap.Connection.IsConnected,
			LastError:   snap.Connection.LastError,
			Attempts:    snap.Attempts,
			Parked:      snap.Parked,
		},
	})
}

func (m *Multiplexer) emitGateLocked(key protocol.ChannelKey, busy bool) {
	m.emitLocked(key, events.StateEvent{Kind: events.KindGate, GateBusy: &busy})
}

func (m *Multiplexer) emitLocked(key protocol.ChannelKey, ev events.StateEvent) {
	if m.cfg.Events == nil {
		return
	}
	ev.ClientID = m.cfg.ClientID
	if key.ClientID != "" {
		ev.Channel = key.String()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = m.cfg.Now().UnixMilli()
	}
	m.pending = append(m.pending, ev)
}

// flush hands pending events to the sink outside the lock. Only one caller delivers at a
// time; others leave their events to it, so the apply order is kept and nobody waits on a
// publish they did not start.
func (m *Multiplexer) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, ev := range batch {
			if err := m.cfg.Events.Publish(ev); err != nil {
				m.logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("state event not delivered")
			}
		}
		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

// logTarget is the multiplexer as seen by the frame dispatcher.
type logTarget Multiplexer

var _ dispatch.Target = &logTarget{}

func (t *logTarget) withChannel(key protocol.ChannelKey, f func(m *Multiplexer, cs *channelState)) {
	m := (*Multiplexer)(t)
	m.mu.Lock()
	defer m.flush()
	defer m.mu.Unlock()
	cs, ok := m.channels[key]
	if !ok {
		m.logger.Debug().Str("channel", key.String()).Msg("dropping update for closed channel")
		return
	}
	f(m, cs)
}

func (t *logTarget) AppendMessage(key protocol.ChannelKey, msg protocol.UserMessage) {
	t.withChannel(key, func(m *Multiplexer, cs *channelState) {
		cs.conversation = append(cs.conversation, msg)
		m.emitLocked(key, events.StateEvent{Kind: events.KindMessage, Timestamp: msg.Timestamp, Message: &msg})
	})
}

func (t *logTarget) AppendTrace(key protocol.ChannelKey, tr protocol.AgentTrace) {
	t.withChannel(key, func(m *Multiplexer, cs *channelState) {
		cs.traces = append(cs.traces, tr)
		m.emitLocked(key, events.StateEvent{Kind: events.KindTrace, Timestamp: tr.Timestamp, Trace: &tr})
	})
}

func (t *logTarget) AppendComm(key protocol.ChannelKey, c protocol.InternalComm) {
	t.withChannel(key, func(m *Multiplexer, cs *channelState) {
		cs.comms = append(cs.comms, c)
		m.emitLocked(key, events.StateEvent{Kind: events.KindComm, Timestamp: c.Timestamp, Comm: &c})
	})
}

func (t *logTarget) ReleaseGate(key protocol.ChannelKey) {
	t.withChannel(key, func(m *Multiplexer, cs *channelState) {
		if cs.gate.Release() {
			m.emitGateLocked(key, false)
		}
	})
}
