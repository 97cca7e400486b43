package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	input "github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentdeck/pkg/channel"
	"github.com/go-go-golems/agentdeck/pkg/mux"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

type ChatCommand struct {
	*cmds.CommandDescription
}

type ChatSettings struct {
	Agent   string `glazed:"agent"`
	Context string `glazed:"context"`
	Process bool   `glazed:"process"`
}

var _ cmds.WriterCommand = (*ChatCommand)(nil)

func NewChatCommand() (*ChatCommand, error) {
	secs, err := sections()
	if err != nil {
		return nil, err
	}
	return &ChatCommand{
		CommandDescription: cmds.NewCommandDescription(
			"chat",
			cmds.WithShort("Chat with the agent backend over its websocket channels"),
			cmds.WithLong(`Opens the shared control channel and, with --agent, a direct channel to one agent.
Lines typed on stdin are sent to the current channel. Commands:
  /agent <name> [context]  open an agent channel and switch to it
  /control                 switch back to the control channel
  /reconnect               reopen the current channel after it failed
  /reset                   clear every conversation log
  /status                  show backend and connection status
  /copy                    copy the last reply to the clipboard
  /quit                    leave`),
			cmds.WithFlags(
				fields.New("agent", fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Open a direct channel to this agent (task_manager, research, creative)")),
				fields.New("context", fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Initial context sent as the first message of the agent channel")),
				fields.New("process", fields.TypeBool,
					fields.WithDefault(true),
					fields.WithHelp("Send control-channel prompts through POST /process")),
			),
			cmds.WithSections(secs...),
		),
	}, nil
}

func (c *ChatCommand) RunIntoWriter(ctx context.Context, parsedLayers *values.Values, w io.Writer) error {
	cs := &ChatSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, cs); err != nil {
		return err
	}
	s, err := decodeSettings(parsedLayers)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, s, w, sessionOptions{useProcess: cs.Process})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Warn().Err(err).Str("component", "agentdeck").Msg("session close failed")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := sess.poller.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	key := protocol.ControlKey(sess.clientID)
	if err := sess.mux.OpenControl(); err != nil {
		return errors.Wrap(err, "open control channel")
	}
	if cs.Agent != "" {
		agent, err := protocol.ParseAgentID(cs.Agent)
		if err != nil {
			return err
		}
		if err := sess.mux.OpenAgent(agent, cs.Context); err != nil {
			return errors.Wrap(err, "open agent channel")
		}
		key = protocol.AgentKey(sess.clientID, agent)
	}
	sess.terminal.Println(fmt.Sprintf("client %s, talking to %s (/quit to leave)", sess.clientID, key))

	eg.Go(func() error {
		defer cancel()
		return readLoop(ctx, sess, key, os.Stdin, w)
	})
	return eg.Wait()
}

func readLoop(ctx context.Context, sess *session, key protocol.ChannelKey, in io.Reader, w io.Writer) error {
	prompt := &input.UI{Writer: w, Reader: in}
	for ctx.Err() == nil {
		line, err := prompt.Ask("", &input.Options{HideOrder: true})
		if err != nil {
			// EOF and ^C both end the session.
			log.Debug().Err(err).Str("component", "agentdeck").Msg("input closed")
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			next, quit := runSlashCommand(ctx, sess, key, line)
			if quit {
				return nil
			}
			key = next
			continue
		}

		err = sess.mux.Submit(ctx, key, line)
		switch {
		case err == nil:
		case errors.Is(err, mux.ErrGateBusy):
			sess.terminal.Println("still waiting for the previous reply, message not sent")
		case errors.Is(err, channel.ErrNotConnected):
			sess.terminal.Println("not connected; try /reconnect")
		default:
			log.Debug().Err(err).Str("component", "agentdeck").Str("channel", key.String()).Msg("submit failed")
		}
	}
	return nil
}

// runSlashCommand executes one chat command and returns the channel to use next.
func runSlashCommand(ctx context.Context, sess *session, key protocol.ChannelKey, line string) (protocol.ChannelKey, bool) {
	parts := strings.Fields(line)
	cmd, args := parts[0], parts[1:]
	t := sess.terminal

	switch cmd {
	case "/quit", "/exit":
		return key, true
	case "/reset":
		sess.mux.ResetConversation()
	case "/status":
		printStatus(ctx, sess)
	case "/copy":
		last, ok := t.LastAssistant(key.String())
		if !ok {
			t.Println("nothing to copy yet")
			break
		}
		if err := clipboard.WriteAll(last); err != nil {
			t.Println("copy failed: " + err.Error())
			break
		}
		t.Println("copied last reply to clipboard")
	case "/control":
		return protocol.ControlKey(sess.clientID), false
	case "/agent":
		if len(args) == 0 {
			t.Println("usage: /agent <task_manager|research|creative> [initial context]")
			break
		}
		agent, err := protocol.ParseAgentID(args[0])
		if err != nil {
			t.Println(err.Error())
			break
		}
		if err := sess.mux.OpenAgent(agent, strings.Join(args[1:], " ")); err != nil && !errors.Is(err, channel.ErrAlreadyConnecting) {
			t.Println("open failed: " + err.Error())
			break
		}
		return protocol.AgentKey(sess.clientID, agent), false
	case "/reconnect":
		var err error
		if key.IsControl() {
			err = sess.mux.OpenControl()
		} else {
			err = sess.mux.OpenAgent(key.Agent, "")
		}
		if err != nil {
			t.Println("reconnect: " + err.Error())
		}
	default:
		t.Println("unknown command " + cmd)
	}
	return key, false
}

func printStatus(ctx context.Context, sess *session) {
	t := sess.terminal
	st := sess.mux.Status()
	t.Println(fmt.Sprintf("backend: %s (service installed: %t, credential configured: %t)",
		st.Probe.Status, st.Probe.ServiceInstalled, st.Probe.CredentialConfigured))
	if h, err := sess.probe.Health(ctx); err == nil {
		t.Println("health: " + h.Status)
	} else {
		t.Println("health: unreachable")
	}
	for _, c := range st.Channels {
		line := fmt.Sprintf("%s: %s", c.Key, c.State)
		if c.Connection.LastError != "" {
			line += " (" + c.Connection.LastError + ")"
		}
		if c.GateBusy {
			line += ", waiting for reply"
		}
		t.Println(line)
	}
}
