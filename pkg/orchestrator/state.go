package orchestrator

// StateKind identifies the router's current mode. Exactly one is active at
// any time; the router goroutine is the only mutator.
type StateKind int

const (
	StateIdle StateKind = iota
	StateDictating
	StateTranscribing
	StateConversationOpening
	StateConversationActive
	StateConversationClosing
)

func (s StateKind) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDictating:
		return "Dictating"
	case StateTranscribing:
		return "Transcribing"
	case StateConversationOpening:
		return "ConversationOpening"
	case StateConversationActive:
		return "ConversationActive"
	case StateConversationClosing:
		return "ConversationClosing"
	default:
		return "Unknown"
	}
}

// InConversation reports whether the state is any of the Conversation*
// variants. Dictation and conversation are mutually exclusive.
func (s StateKind) InConversation() bool {
	return s == StateConversationOpening || s == StateConversationActive || s == StateConversationClosing
}

// TurnPhase tracks where a live conversation turn stands, derived from
// downlink event ordering and capture-side level heuristics.
type TurnPhase int

const (
	TurnUserSpeaking TurnPhase = iota
	TurnUserPaused
	TurnModelSpeaking
	TurnModelThinking
)

func (p TurnPhase) String() string {
	switch p {
	case TurnUserSpeaking:
		return "UserSpeaking"
	case TurnUserPaused:
		return "UserPaused"
	case TurnModelSpeaking:
		return "ModelSpeaking"
	case TurnModelThinking:
		return "ModelThinking"
	default:
		return "Unknown"
	}
}
