package cmds

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/channel"
	"github.com/go-go-golems/agentdeck/pkg/events"
	"github.com/go-go-golems/agentdeck/pkg/identity"
	"github.com/go-go-golems/agentdeck/pkg/mux"
	"github.com/go-go-golems/agentdeck/pkg/notify"
	"github.com/go-go-golems/agentdeck/pkg/probe"
	"github.com/go-go-golems/agentdeck/pkg/redisstream"
	"github.com/go-go-golems/agentdeck/pkg/ui"
)

// resolveClientID reads or creates the persisted client id.
func resolveClientID(ctx context.Context, s identity.StoreSettings) (string, error) {
	store, closer, err := identity.OpenStore(s)
	if err != nil {
		return "", errors.Wrap(err, "open identity store")
	}
	defer func() { _ = closer.Close() }()
	r, err := identity.NewResolver(store)
	if err != nil {
		return "", err
	}
	return r.Get(ctx)
}

// session is everything a chat run needs, wired together.
type session struct {
	clientID  string
	mux       *mux.Multiplexer
	probe     *probe.Client
	poller    *probe.Poller
	terminal  *ui.Terminal
	transport *redisstream.Transport
	busQueue  *events.Queue
}

type sessionOptions struct {
	// useProcess routes control-channel prompts through POST /process.
	useProcess bool
}

func openSession(ctx context.Context, s *AgentdeckSettings, w io.Writer, opts sessionOptions) (*session, error) {
	clientID, err := resolveClientID(ctx, s.Identity)
	if err != nil {
		return nil, err
	}
	logger := log.With().Str("component", "agentdeck").Str("client_id", clientID).Logger()

	uiOpts := ui.Options{Width: 100}
	if f, ok := w.(*os.File); ok {
		uiOpts = ui.DetectOptions(f)
	}
	terminal, err := ui.NewTerminal(w, uiOpts)
	if err != nil {
		return nil, err
	}

	transport, err := redisstream.Build(s.Redis)
	if err != nil {
		return nil, errors.Wrap(err, "build state bus")
	}
	bus, err := events.NewPublisher(transport.Publisher, events.DefaultTopic)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	// A broker round-trip must not hold up frame handling, so the bus sits behind a queue.
	busQueue, err := events.NewQueue(bus, events.DefaultQueueSize)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	sink := events.Fanout{terminal, busQueue}

	throttle := notify.NewThrottle(
		notify.WithCooldown(s.NotifyCooldown()),
		notify.WithSink(notify.LogSink{}),
		notify.WithSink(events.NotificationSink{Sink: sink, ClientID: clientID}),
	)

	client, err := probe.NewClient(s.APIURL)
	if err != nil {
		_ = busQueue.Close()
		_ = transport.Close()
		return nil, err
	}
	poller := probe.NewPoller(client,
		probe.WithInterval(s.ProbeInterval()),
		probe.WithOnChange(func(r probe.Result) {
			_ = sink.Publish(events.StateEvent{
				Kind:     events.KindStatus,
				ClientID: clientID,
				Status: &events.Status{
					Status:               r.Status,
					ServiceInstalled:     r.ServiceInstalled,
					CredentialConfigured: r.CredentialConfigured,
				},
			})
		}),
	)

	dialer, err := channel.NewWebSocketDialer(s.ServerURL, s.HandshakeTimeout())
	if err != nil {
		_ = busQueue.Close()
		_ = transport.Close()
		return nil, err
	}

	cfg := mux.Config{
		ClientID:         clientID,
		Dialer:           dialer,
		MaxAttempts:      s.MaxAttempts,
		RetryDelay:       s.RetryDelay(),
		HandshakeTimeout: s.HandshakeTimeout(),
		Notifier:         throttle,
		Status:           poller,
		Events:           sink,
	}
	if opts.useProcess {
		cfg.Processor = client
	}
	m, err := mux.New(cfg)
	if err != nil {
		_ = busQueue.Close()
		_ = transport.Close()
		return nil, err
	}

	logger.Info().Str("server", s.ServerURL).Str("api", s.APIURL).Bool("redis", s.Redis.Enabled).Msg("session ready")
	return &session{
		clientID:  clientID,
		mux:       m,
		probe:     client,
		poller:    poller,
		terminal:  terminal,
		transport: transport,
		busQueue:  busQueue,
	}, nil
}

func (s *session) Close() error {
	err := s.mux.Close()
	_ = s.busQueue.Close()
	if terr := s.transport.Close(); terr != nil && err == nil {
		err = terr
	}
	return err
}
