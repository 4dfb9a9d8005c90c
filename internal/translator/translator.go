package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

const (
	maxMessages          = 200
	maxCurrentTurnChars  = 12000
	defaultThinkingBudget = 10000
)

// turnKind distinguishes a normalized history/current-turn entry.
type turnKind int

const (
	turnUser turnKind = iota
	turnAssistant
)

// normalizedTurn is an intermediate, typed representation of one logical
// conversational turn, built by merging/normalizing the caller's messages
// before final assembly into the upstream wire shapes.
type normalizedTurn struct {
	kind        turnKind
	text        string
	thinking    string
	toolUses    []toolUseEntry
	toolResults []toolResultEntry
}

type toolUseEntry struct {
	ToolUseID string
	Name      string
	Input     json.RawMessage
}

type toolResultEntry struct {
	ToolUseID string
	Status    string
	Text      string
}

// Translate converts a foreign ChatRequest into the upstream
// ConversationRequest body, per §4.5.
func Translate(req ChatRequest, internalModelID string, profileArn string) (Result, error) {
	messages := req.Messages
	if len(messages) > maxMessages {
		messages = messages[len(messages)-maxMessages:]
	}
	// Drop anything that isn't user/assistant.
	filtered := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "user" || m.Role == "assistant" {
			filtered = append(filtered, m)
		}
	}
	if len(filtered) == 0 {
		return Result{}, fmt.Errorf("translator: emptyMessages: request has no user or assistant messages")
	}

	currentTurnMessages, historyMessages, _ := splitCurrentTurn(filtered)

	history := buildHistoryTurns(historyMessages)
	history = mergeConsecutiveUserTurns(history)
	history = ensureAlternationTerminatesInAssistant(history)

	systemTurns := buildSystemTurns(req.System, req.Thinking)
	history = append(systemTurns, history...)

	tools, toolNameMap := sanitizeTools(req.Tools)

	currentText, currentToolResults := buildCurrentTurn(currentTurnMessages)
	if currentText == "" {
		currentText = "continue"
	}
	currentText = truncateRunes(currentText, maxCurrentTurnChars)

	chatTriggerType := "MANUAL"
	if len(tools) > 0 && req.ToolChoice != nil && (req.ToolChoice.Type == "any" || req.ToolChoice.Type == "tool") {
		chatTriggerType = "AUTO"
	}

	historyRaw, err := marshalHistory(history)
	if err != nil {
		return Result{}, fmt.Errorf("translator: marshal history: %w", err)
	}

	body, err := assembleConversationState(assembleInput{
		conversationID:       uuid.NewString(),
		agentContinuationID:  uuid.NewString(),
		chatTriggerType:       chatTriggerType,
		currentText:           currentText,
		modelID:               internalModelID,
		tools:                 tools,
		toolResults:           currentToolResults,
		history:               historyRaw,
		profileArn:            profileArn,
	})
	if err != nil {
		return Result{}, fmt.Errorf("translator: assemble body: %w", err)
	}

	return Result{Body: body, ToolNameMap: toolNameMap}, nil
}

// splitCurrentTurn locates the current turn per §4.5: the trailing
// contiguous run of user messages, or a synthetic "continue" turn if the
// tail message is from the assistant.
func splitCurrentTurn(messages []Message) (current []Message, history []Message, tailWasAssistant bool) {
	if len(messages) == 0 {
		return nil, nil, false
	}
	if messages[len(messages)-1].Role == "assistant" {
		return nil, messages, true
	}
	i := len(messages)
	for i > 0 && messages[i-1].Role == "user" {
		i--
	}
	return messages[i:], messages[:i], false
}

func buildHistoryTurns(messages []Message) []normalizedTurn {
	turns := make([]normalizedTurn, 0, len(messages))
	for _, m := range messages {
		turns = append(turns, normalizeMessage(m))
	}
	return turns
}

func normalizeMessage(m Message) normalizedTurn {
	kind := turnUser
	if m.Role == "assistant" {
		kind = turnAssistant
	}
	turn := normalizedTurn{kind: kind}

	var textParts []string
	for _, block := range m.Blocks {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "thinking":
			if kind == turnAssistant {
				turn.thinking += block.Thinking
			}
		case "redacted_thinking":
			// dropped per §4.5
		case "tool_use":
			if kind == turnAssistant {
				input := normalizeToolUseInput(block.Input)
				turn.toolUses = append(turn.toolUses, toolUseEntry{
					ToolUseID: sanitizeToolUseID(block.ID),
					Name:      sanitizeToolName(block.Name),
					Input:     input,
				})
			}
		case "tool_result":
			if kind == turnUser {
				status := "success"
				if block.IsError {
					status = "error"
				}
				text := toolResultText(block.Content)
				if text == "" {
					text = "OK"
				}
				turn.toolResults = append(turn.toolResults, toolResultEntry{
					ToolUseID: sanitizeToolUseID(block.ToolUseID),
					Status:    status,
					Text:      text,
				})
			}
		}
	}
	turn.text = strings.Join(textParts, "\n")
	return turn
}

// normalizeToolUseInput ensures a tool_use block's input is serialized as a
// JSON object, per §4.5. Some callers encode input as a JSON string holding
// an object (e.g. `"input": "{\"path\":\"/a\"}"`) rather than a raw object;
// this unwraps that case and falls back to {} for anything else.
func normalizeToolUseInput(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	var probe interface{}
	if json.Unmarshal(raw, &probe) != nil {
		return json.RawMessage(`{}`)
	}
	switch v := probe.(type) {
	case map[string]interface{}:
		return raw
	case string:
		var nested interface{}
		if json.Unmarshal([]byte(v), &nested) != nil {
			return json.RawMessage(`{}`)
		}
		if _, ok := nested.(map[string]interface{}); !ok {
			return json.RawMessage(`{}`)
		}
		return json.RawMessage(v)
	default:
		return json.RawMessage(`{}`)
	}
}

// sanitizeToolUseID restricts the id to [\w\-:.] and caps its length at 128,
// per §4.5.
func sanitizeToolUseID(id string) string {
	sanitized := sanitizeNamePatternForIDs.ReplaceAllString(id, "")
	if sanitized == "" {
		sanitized = uuid.NewString()
	}
	return truncateRunes(sanitized, 128)
}

// toolResultText extracts display text from a tool_result's content, which
// may be a bare string or a list of {type:"text", text:"..."} blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// mergeConsecutiveUserTurns joins runs of adjacent user turns into one,
// concatenating text with newlines and accumulating tool results.
func mergeConsecutiveUserTurns(turns []normalizedTurn) []normalizedTurn {
	out := make([]normalizedTurn, 0, len(turns))
	for _, t := range turns {
		if t.kind == turnUser && len(out) > 0 && out[len(out)-1].kind == turnUser {
			last := &out[len(out)-1]
			if t.text != "" {
				if last.text != "" {
					last.text += "\n"
				}
				last.text += t.text
			}
			last.toolResults = append(last.toolResults, t.toolResults...)
			continue
		}
		out = append(out, t)
	}
	return out
}

// ensureAlternationTerminatesInAssistant appends a synthetic "OK" assistant
// turn when history ends on a user turn, preserving alternation.
func ensureAlternationTerminatesInAssistant(turns []normalizedTurn) []normalizedTurn {
	if len(turns) == 0 {
		return turns
	}
	if turns[len(turns)-1].kind == turnUser {
		turns = append(turns, normalizedTurn{kind: turnAssistant, text: "OK"})
	}
	return turns
}

// buildSystemTurns synthesizes the leading system/acknowledgement pair
// described in §4.5, including the thinking-mode prefix when requested.
func buildSystemTurns(system string, thinking *ThinkingConfig) []normalizedTurn {
	prefix := ""
	if thinking != nil && thinking.Type == "enabled" {
		budget := thinking.BudgetTokens
		if budget <= 0 {
			budget = defaultThinkingBudget
		}
		prefix = fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", budget)
	}
	if system == "" && prefix == "" {
		return nil
	}
	text := prefix
	if system != "" {
		if text != "" {
			text += system
		} else {
			text = system
		}
	}
	return []normalizedTurn{
		{kind: turnUser, text: text},
		{kind: turnAssistant, text: "I will follow these instructions."},
	}
}

// buildCurrentTurn joins the current turn's text and collects its tool
// results, per the final-assembly rules of §4.5.
func buildCurrentTurn(messages []Message) (string, []toolResultEntry) {
	var textParts []string
	var results []toolResultEntry
	for _, m := range messages {
		turn := normalizeMessage(m)
		if turn.text != "" {
			textParts = append(textParts, turn.text)
		}
		results = append(results, turn.toolResults...)
	}
	return strings.Join(textParts, "\n"), results
}

// marshalHistory renders normalized turns into the upstream's
// {userInputMessage}/{assistantResponseMessage} wrapper shapes.
func marshalHistory(turns []normalizedTurn) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(turns))
	for _, t := range turns {
		var entry []byte
		var err error
		if t.kind == turnUser {
			content := t.text
			var toolResultsRaw json.RawMessage
			if len(t.toolResults) > 0 {
				toolResultsRaw, err = marshalToolResults(t.toolResults)
				if err != nil {
					return nil, err
				}
			}
			entry, err = buildUserHistoryEntry(content, toolResultsRaw)
		} else {
			entry, err = buildAssistantHistoryEntry(t.text, t.thinking, t.toolUses)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func buildUserHistoryEntry(content string, toolResults json.RawMessage) ([]byte, error) {
	body := []byte(`{}`)
	var err error
	body, err = sjson.SetBytes(body, "userInputMessage.content", content)
	if err != nil {
		return nil, err
	}
	if len(toolResults) > 0 {
		body, err = sjson.SetRawBytes(body, "userInputMessage.userInputMessageContext.toolResults", toolResults)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func buildAssistantHistoryEntry(text, thinking string, toolUses []toolUseEntry) ([]byte, error) {
	content := text
	if thinking != "" {
		content = fmt.Sprintf("<thinking>%s</thinking>%s", thinking, text)
	}
	body := []byte(`{}`)
	var err error
	body, err = sjson.SetBytes(body, "assistantResponseMessage.content", content)
	if err != nil {
		return nil, err
	}
	if len(toolUses) > 0 {
		toolUsesRaw, err := marshalToolUses(toolUses)
		if err != nil {
			return nil, err
		}
		body, err = sjson.SetRawBytes(body, "assistantResponseMessage.toolUses", toolUsesRaw)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func marshalToolUses(entries []toolUseEntry) (json.RawMessage, error) {
	type wireToolUse struct {
		ToolUseID string          `json:"toolUseId"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
	}
	wire := make([]wireToolUse, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, wireToolUse{ToolUseID: e.ToolUseID, Name: e.Name, Input: e.Input})
	}
	return json.Marshal(wire)
}

func marshalToolResults(entries []toolResultEntry) (json.RawMessage, error) {
	type wireToolResult struct {
		ToolUseID string `json:"toolUseId"`
		Status    string `json:"status"`
		Content   []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	wire := make([]wireToolResult, 0, len(entries))
	for _, e := range entries {
		w := wireToolResult{ToolUseID: e.ToolUseID, Status: e.Status}
		w.Content = append(w.Content, struct {
			Text string `json:"text"`
		}{Text: e.Text})
		wire = append(wire, w)
	}
	return json.Marshal(wire)
}

type assembleInput struct {
	conversationID      string
	agentContinuationID string
	chatTriggerType     string
	currentText         string
	modelID             string
	tools               []UpstreamTool
	toolResults         []toolResultEntry
	history             []json.RawMessage
	profileArn          string
}

// assembleConversationState builds the final ConversationRequest body with
// the exact field-insertion order the upstream parser requires, per §3.
func assembleConversationState(in assembleInput) ([]byte, error) {
	body := []byte(`{}`)
	var err error

	body, err = sjson.SetBytes(body, "conversationState.agentContinuationId", in.agentContinuationID)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "conversationState.agentTaskType", "vibe")
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "conversationState.chatTriggerType", in.chatTriggerType)
	if err != nil {
		return nil, err
	}

	body, err = sjson.SetBytes(body, "conversationState.currentMessage.userInputMessage.content", in.currentText)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "conversationState.currentMessage.userInputMessage.modelId", in.modelID)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetBytes(body, "conversationState.currentMessage.userInputMessage.origin", "AI_EDITOR")
	if err != nil {
		return nil, err
	}

	if len(in.tools) > 0 {
		toolsRaw, err := json.Marshal(in.tools)
		if err != nil {
			return nil, err
		}
		body, err = sjson.SetRawBytes(body, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools", toolsRaw)
		if err != nil {
			return nil, err
		}
	}
	if len(in.toolResults) > 0 {
		toolResultsRaw, err := marshalToolResults(in.toolResults)
		if err != nil {
			return nil, err
		}
		body, err = sjson.SetRawBytes(body, "conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults", toolResultsRaw)
		if err != nil {
			return nil, err
		}
	}

	body, err = sjson.SetBytes(body, "conversationState.conversationId", in.conversationID)
	if err != nil {
		return nil, err
	}

	historyRaw, err := json.Marshal(in.history)
	if err != nil {
		return nil, err
	}
	body, err = sjson.SetRawBytes(body, "conversationState.history", historyRaw)
	if err != nil {
		return nil, err
	}

	if in.profileArn != "" {
		body, err = sjson.SetBytes(body, "profileArn", in.profileArn)
		if err != nil {
			return nil, err
		}
	}

	return body, nil
}
