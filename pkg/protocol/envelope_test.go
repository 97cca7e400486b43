package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDecodeKnownFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Envelope
	}{
		{
			name: "assistant message",
			raw:  `{"type":"user_message","role":"assistant","content":"Hi there","timestamp":42}`,
			want: UserMessage{Role: RoleAssistant, Content: "Hi there", Timestamp: 42},
		},
		{
			name: "trace",
			raw:  `{"type":"agent_trace","agent":"Research","content":"looking","timestamp":7}`,
			want: AgentTrace{Agent: TraceResearch, Content: "looking", Timestamp: 7},
		},
		{
			name: "internal comm",
			raw:  `{"type":"internal_comm","from":"TaskManager","to":"Creative","content":"draft","timestamp":9}`,
			want: InternalComm{From: "TaskManager", To: "Creative", Content: "draft", Timestamp: 9},
		},
		{
			name: "error",
			raw:  `{"type":"error","message":"boom"}`,
			want: ErrorFrame{Message: "boom"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeFailsClosed(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`{"content":"no type"}`,
		`{"type":"direct_agent_message","content":"x"}`,
		`{"type":"user_message","role":"system","content":"x"}`,
		`{"type":"user_message","role":"assistant","content":12}`,
		`{"type":"agent_trace","agent":"Ghost","content":"x"}`,
		`{"type":7}`,
		`[1,2,3]`,
	}
	for _, raw := range bad {
		env, err := Decode([]byte(raw))
		require.Nil(t, env, raw)
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrParseFailure), raw)
	}
}

func TestIsTerminal(t *testing.T) {
	require.True(t, IsTerminal(UserMessage{Role: RoleAssistant}))
	require.True(t, IsTerminal(ErrorFrame{Message: "x"}))
	require.False(t, IsTerminal(UserMessage{Role: RoleUser}))
	require.False(t, IsTerminal(AgentTrace{Agent: TraceTaskManager}))
	require.False(t, IsTerminal(InternalComm{}))
}

func TestOutboundMessageShape(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	b, err := NewOutboundMessage("hello", now).Marshal()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, "user_message", got["type"])
	require.Equal(t, "hello", got["content"])
	require.Equal(t, "user", got["role"])
	require.EqualValues(t, 1700000000123, got["timestamp"])
}

func TestEncodeRoundTripsThroughDecode(t *testing.T) {
	b, err := Encode(ErrorFrame{Message: "boom"})
	require.NoError(t, err)
	env, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, ErrorFrame{Message: "boom"}, env)
}
