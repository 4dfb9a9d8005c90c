// Package translator implements the Request Translator of §4.5: it turns
// the foreign chat schema (messages/tools/system/thinking) into the
// upstream conversationState wire format. The envelope is assembled with
// sjson the way claude_executor.go and codex_executor.go build up bodies,
// so its field order is controlled; nested pieces (tools, tool uses, tool
// results, sanitized schemas) are marshalled with encoding/json.
package translator

import "encoding/json"

// ChatRequest is the foreign, OpenAI/Claude-style request body this engine
// accepts at its public surface (§6.4).
type ChatRequest struct {
	Model      string          `json:"model"`
	Messages   []Message       `json:"messages"`
	System     string          `json:"system,omitempty"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking   *ThinkingConfig `json:"thinking,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
}

// Message is one entry in the caller's message array. Content may arrive as
// a bare string or as a list of typed blocks; UnmarshalJSON normalizes both
// into Blocks.
type Message struct {
	Role   string         `json:"role"`
	Blocks []ContentBlock `json:"-"`
}

// UnmarshalJSON accepts both `"content": "text"` and `"content": [...]`.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	if len(raw.Content) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		m.Blocks = []ContentBlock{{Type: "text", Text: asString}}
		return nil
	}

	var asBlocks []ContentBlock
	if err := json.Unmarshal(raw.Content, &asBlocks); err == nil {
		m.Blocks = asBlocks
		return nil
	}

	// A bare number or other scalar coerces to text, per §4.5.
	m.Blocks = []ContentBlock{{Type: "text", Text: string(raw.Content)}}
	return nil
}

// ContentBlock is one typed content element within a message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking / redacted_thinking
	Thinking string `json:"thinking,omitempty"`
	Data     string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ToolDefinition is one foreign tool spec.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice controls whether the model must invoke a tool.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ThinkingConfig requests extended reasoning with a token budget.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Result is the translator's output.
type Result struct {
	// Body is the marshalled upstream ConversationRequest.
	Body []byte
	// ToolNameMap maps the sanitized upstream tool name back to the
	// caller's original name, so a tool_use id in the response can be
	// attributed to the tool the caller asked for.
	ToolNameMap map[string]string
}
