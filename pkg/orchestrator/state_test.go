package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateStrings(t *testing.T) {
	require.Equal(t, "Idle", StateIdle.String())
	require.Equal(t, "Dictating", StateDictating.String())
	require.Equal(t, "Transcribing", StateTranscribing.String())
	require.Equal(t, "ConversationOpening", StateConversationOpening.String())
	require.Equal(t, "ConversationActive", StateConversationActive.String())
	require.Equal(t, "ConversationClosing", StateConversationClosing.String())
}

func TestInConversation(t *testing.T) {
	require.False(t, StateIdle.InConversation())
	require.False(t, StateDictating.InConversation())
	require.False(t, StateTranscribing.InConversation())
	require.True(t, StateConversationOpening.InConversation())
	require.True(t, StateConversationActive.InConversation())
	require.True(t, StateConversationClosing.InConversation())
}

func TestConfigModeGates(t *testing.T) {
	var cfg Config
	require.False(t, cfg.DictationEnabled())
	require.False(t, cfg.ConversationEnabled())

	cfg.SttAPIKey = "a"
	require.True(t, cfg.DictationEnabled())
	cfg.LiveAPIKey = "b"
	require.True(t, cfg.ConversationEnabled())
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	require.Equal(t, KindConfig, KindOf(ErrConfigMissingKey))
	require.Equal(t, KindAudioDevice, KindOf(errors.New("audio: open capture device: busy")))
	require.Equal(t, KindAuth, KindOf(errors.New("stt: request rejected (status 401): bad key")))
	require.Equal(t, KindNetwork, KindOf(errors.New("live: transport: unexpected EOF")))
	require.Equal(t, KindNetwork, KindOf(errors.New("live: dial: connection refused")))
	require.Equal(t, KindProtocol, KindOf(errors.New("something inscrutable")))
	require.Equal(t, ErrorKind(""), KindOf(nil))
}
