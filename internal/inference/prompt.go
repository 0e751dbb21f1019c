package inference

import "strings"

// Role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one prior message rendered into the prompt.
type Turn struct {
	Role    Role
	Content string
}

// Chat template markers.
const (
	TurnStart = "<|im_start|>"
	TurnEnd   = "<|im_end|>"
)

// StopSequences end generation at the next turn boundary so that each call
// yields exactly one assistant turn.
var StopSequences = []string{TurnEnd, TurnStart}

// Prompt is a rendered prompt plus the raw user text it was built from.
type Prompt struct {
	Text     string
	UserText string
}

// BuildPrompt renders a chat prompt. The system block is emitted only when
// systemPrompt is non-blank. A blank userText emits no user turn, which lets
// callers continue after tool results already present in history. The
// prompt always ends with an open assistant turn.
func BuildPrompt(userText, systemPrompt string, history []Turn) Prompt {
	var b strings.Builder
	if strings.TrimSpace(systemPrompt) != "" {
		writeTurn(&b, RoleSystem, systemPrompt)
	}
	for _, t := range history {
		role := t.Role
		if role == "" {
			role = RoleUser
		}
		writeTurn(&b, role, t.Content)
	}
	user := strings.TrimSpace(userText)
	if user != "" {
		writeTurn(&b, RoleUser, user)
	}
	b.WriteString(TurnStart)
	b.WriteString(string(RoleAssistant))
	b.WriteByte('\n')
	return Prompt{Text: b.String(), UserText: user}
}

func writeTurn(b *strings.Builder, role Role, content string) {
	b.WriteString(TurnStart)
	b.WriteString(string(role))
	b.WriteByte('\n')
	b.WriteString(content)
	b.WriteByte('\n')
	b.WriteString(TurnEnd)
}
