package translator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func textMessage(role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{{Type: "text", Text: text}}}
}

func TestTranslateFieldOrderMatchesUpstreamContract(t *testing.T) {
	req := ChatRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			textMessage("user", "hello"),
		},
	}
	res, err := Translate(req, "CLAUDE_SONNET_4_5_20250929", "")
	require.NoError(t, err)

	keys := []string{}
	gjson.GetBytes(res.Body, "conversationState").ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	assert.Equal(t, []string{"agentContinuationId", "agentTaskType", "chatTriggerType", "currentMessage", "conversationId", "history"}, keys)
}

func TestTranslateSimpleUserMessageBecomesCurrentTurn(t *testing.T) {
	req := ChatRequest{
		Messages: []Message{textMessage("user", "hello there")},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	assert.Equal(t, "hello there", gjson.GetBytes(res.Body, "conversationState.currentMessage.userInputMessage.content").String())
	assert.Equal(t, 0, len(gjson.GetBytes(res.Body, "conversationState.history").Array()))
}

func TestTranslateTrailingAssistantYieldsContinueTurn(t *testing.T) {
	req := ChatRequest{
		Messages: []Message{
			textMessage("user", "question"),
			textMessage("assistant", "answer"),
		},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	assert.Equal(t, "continue", gjson.GetBytes(res.Body, "conversationState.currentMessage.userInputMessage.content").String())

	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "question", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "answer", history[1].Get("assistantResponseMessage.content").String())
}

func TestTranslateMergesConsecutiveUserHistoryMessages(t *testing.T) {
	req := ChatRequest{
		Messages: []Message{
			textMessage("user", "first"),
			textMessage("user", "second"),
			textMessage("assistant", "reply"),
			textMessage("user", "current"),
		},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)

	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "first\nsecond", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "reply", history[1].Get("assistantResponseMessage.content").String())
	assert.Equal(t, "current", gjson.GetBytes(res.Body, "conversationState.currentMessage.userInputMessage.content").String())
}

func TestTranslateSystemPromptBecomesLeadingHistoryPair(t *testing.T) {
	req := ChatRequest{
		System:   "be concise",
		Messages: []Message{textMessage("user", "hi")},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)

	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "be concise", history[0].Get("userInputMessage.content").String())
	assert.Equal(t, "I will follow these instructions.", history[1].Get("assistantResponseMessage.content").String())
}

func TestTranslateThinkingPrefixPrependsSystemTurn(t *testing.T) {
	req := ChatRequest{
		System:   "be concise",
		Thinking: &ThinkingConfig{Type: "enabled", BudgetTokens: 5000},
		Messages: []Message{textMessage("user", "hi")},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)

	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.NotEmpty(t, history)
	content := history[0].Get("userInputMessage.content").String()
	assert.Contains(t, content, "<thinking_mode>enabled</thinking_mode>")
	assert.Contains(t, content, "<max_thinking_length>5000</max_thinking_length>")
	assert.Contains(t, content, "be concise")
}

func TestTranslateThinkingPrefixWithoutSystemTextStandsAlone(t *testing.T) {
	req := ChatRequest{
		Thinking: &ThinkingConfig{Type: "enabled"},
		Messages: []Message{textMessage("user", "hi")},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.NotEmpty(t, history)
	assert.Contains(t, history[0].Get("userInputMessage.content").String(), "<max_thinking_length>10000</max_thinking_length>")
}

func TestTranslateAssistantThinkingBlockWrapsContent(t *testing.T) {
	req := ChatRequest{
		Messages: []Message{
			textMessage("user", "q"),
			{Role: "assistant", Blocks: []ContentBlock{
				{Type: "thinking", Thinking: "pondering"},
				{Type: "text", Text: "the answer"},
			}},
			textMessage("user", "follow up"),
		},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "<thinking>pondering</thinking>the answer", history[1].Get("assistantResponseMessage.content").String())
}

func TestTranslateToolUseAndToolResultRoundTrip(t *testing.T) {
	req := ChatRequest{
		Tools: []ToolDefinition{{Name: "get_weather", Description: "fetch weather"}},
		Messages: []Message{
			textMessage("user", "weather?"),
			{Role: "assistant", Blocks: []ContentBlock{
				{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: []byte(`{"city":"nyc"}`)},
			}},
			{Role: "user", Blocks: []ContentBlock{
				{Type: "tool_result", ToolUseID: "call_1", Content: []byte(`"72F and sunny"`)},
			}},
		},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)

	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	require.Len(t, history, 2)
	toolUses := history[1].Get("assistantResponseMessage.toolUses").Array()
	require.Len(t, toolUses, 1)
	assert.Equal(t, "get_weather", toolUses[0].Get("name").String())

	toolsField := gjson.GetBytes(res.Body, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools").Array()
	require.Len(t, toolsField, 1)
	assert.Equal(t, "get_weather", toolsField[0].Get("toolSpecification.name").String())
}

func TestTranslateChatTriggerTypeAutoRequiresToolsAndForcedChoice(t *testing.T) {
	req := ChatRequest{
		Tools:      []ToolDefinition{{Name: "get_weather"}},
		ToolChoice: &ToolChoice{Type: "tool", Name: "get_weather"},
		Messages:   []Message{textMessage("user", "hi")},
	}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	assert.Equal(t, "AUTO", gjson.GetBytes(res.Body, "conversationState.chatTriggerType").String())
}

func TestTranslateChatTriggerTypeDefaultsManual(t *testing.T) {
	req := ChatRequest{Messages: []Message{textMessage("user", "hi")}}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	assert.Equal(t, "MANUAL", gjson.GetBytes(res.Body, "conversationState.chatTriggerType").String())
}

func TestTranslateAttachesProfileArnWhenPresent(t *testing.T) {
	req := ChatRequest{Messages: []Message{textMessage("user", "hi")}}
	res, err := Translate(req, "model-id", "arn:aws:profile:1")
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:profile:1", gjson.GetBytes(res.Body, "profileArn").String())
}

func TestTranslateCapsMessageHistoryAtTwoHundred(t *testing.T) {
	messages := make([]Message, 0, 250)
	for i := 0; i < 125; i++ {
		messages = append(messages, textMessage("user", "u"), textMessage("assistant", "a"))
	}
	req := ChatRequest{Messages: messages}
	res, err := Translate(req, "model-id", "")
	require.NoError(t, err)
	history := gjson.GetBytes(res.Body, "conversationState.history").Array()
	assert.LessOrEqual(t, len(history), 200)
}
