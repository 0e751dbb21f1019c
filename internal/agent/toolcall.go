package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"memoaid/internal/toolrpc"
)

const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
)

var toolCallRe = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	// Err is set when the block could not be decoded.
	Err error `json:"-"`
}

// ParseToolCalls extracts every <tool_call> block from text and returns the
// calls and the text with the blocks removed.
func ParseToolCalls(text string) ([]ToolCall, string) {
	matches := toolCallRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(text)
	}
	calls := make([]ToolCall, 0, len(matches))
	var rest strings.Builder
	last := 0
	for _, m := range matches {
		rest.WriteString(text[last:m[0]])
		last = m[1]
		calls = append(calls, decodeToolCall(text[m[2]:m[3]]))
	}
	rest.WriteString(text[last:])
	return calls, strings.TrimSpace(rest.String())
}

func decodeToolCall(body string) ToolCall {
	var tc ToolCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &tc); err != nil {
		return ToolCall{Err: fmt.Errorf("invalid tool call: %w", err)}
	}
	if strings.TrimSpace(tc.Name) == "" {
		return ToolCall{Err: fmt.Errorf("invalid tool call: missing name")}
	}
	if tc.Arguments == nil {
		tc.Arguments = map[string]any{}
	}
	return tc
}

// ToolGuidelines renders the tool section appended to the system prompt.
// It is empty when no tools are registered.
func ToolGuidelines(tools []toolrpc.Tool, now time.Time) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n### TOOL CALL GUIDELINES ###\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.QualifiedName, strings.TrimSpace(t.Description))
		if len(t.InputSchema) > 0 {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				fmt.Fprintf(&b, " Arguments schema: %s", schema)
			}
		}
		b.WriteByte('\n')
	}
	b.WriteString("1. To use a tool reply with a single valid " + toolCallOpen +
		`{"name":"server.tool","arguments":{...}}` + toolCallClose + " block.\n")
	b.WriteString("2. Wait for the tool result before giving the final answer.\n")
	fmt.Fprintf(&b, "3. CURRENT_TIME: %s", now.Format("2006-01-02 15:04:05 Monday"))
	return b.String()
}
