package models

// Role tags who produced a Turn.
type Role int

const (
	RoleHuman Role = iota + 1
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleHuman:
		return "human"
	case RoleAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// Turn is a single message in a conversation transcript.
type Turn struct {
	Role    Role
	Content string
}

func HumanTurn(content string) Turn {
	return Turn{Role: RoleHuman, Content: content}
}

func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// CompletionRequest carries everything an answerer needs for one reply.
type CompletionRequest struct {
	History  []Turn
	Question string
	Context  []Chunk
	// Stream, when set, receives answer tokens as they are generated.
	Stream func(chunk string)
}
