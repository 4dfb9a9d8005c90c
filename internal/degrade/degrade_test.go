package degrade

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiro-relay/kiro-relay/internal/apperror"
)

const sampleBody = `{
  "conversationState": {
    "agentContinuationId": "c1",
    "agentTaskType": "vibe",
    "chatTriggerType": "AUTO",
    "currentMessage": {
      "userInputMessage": {
        "content": "current text",
        "modelId": "m1",
        "origin": "AI_EDITOR",
        "userInputMessageContext": {
          "tools": [
            {"toolSpecification": {"name": "t1", "description": "d1", "inputSchema": {"json": {"type":"object","properties":{"x":{"type":"string"}}}}}}
          ]
        }
      }
    },
    "conversationId": "conv1",
    "history": [
      {"userInputMessage": {"content": "hist user 1"}},
      {"assistantResponseMessage": {"content": "hist assistant 1", "toolUses": [{"toolUseId":"u1","name":"t1","input":{}}]}}
    ]
  },
  "profileArn": "arn:aws:profile:1"
}`

func TestPolicyForReturnsExpectedLists(t *testing.T) {
	assert.Equal(t, []Mode{ModePrimary, ModeCompactTools}, PolicyFor(CompatStrict))
	assert.Equal(t, []Mode{ModePrimary, ModeCompactTools, ModeNoTools, ModeTrimHistory}, PolicyFor(CompatBalanced))
	assert.Equal(t, []Mode{ModePrimary, ModeCompactTools, ModeNoTools, ModeTrimHistory, ModeMinimalHistory, ModeSingleTurn}, PolicyFor(CompatRelaxed))
}

func TestShouldRetryMatchesOnlyOn400WithKnownText(t *testing.T) {
	assert.True(t, ShouldRetry(400, []byte(`{"message":"Improperly Formed Request"}`)))
	assert.True(t, ShouldRetry(400, []byte(`{"type":"invalid_request_error"}`)))
	assert.False(t, ShouldRetry(400, []byte(`{"message":"rate limited"}`)))
	assert.False(t, ShouldRetry(429, []byte(`{"message":"malformed"}`)))
}

func TestCompactToolsReplacesSchema(t *testing.T) {
	out, err := compactTools([]byte(sampleBody))
	require.NoError(t, err)
	tool := gjson.GetBytes(out, toolsPath).Array()
	require.Len(t, tool, 1)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, tool[0].Get("toolSpecification.inputSchema.json").Raw)
}

func TestDropToolsRemovesToolsAndForcesManual(t *testing.T) {
	out, err := dropTools([]byte(sampleBody))
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(out, toolsPath).Exists())
	assert.Equal(t, "MANUAL", gjson.GetBytes(out, "conversationState.chatTriggerType").String())
}

func TestTrimHistoryDropsToolUsesAndCapsLength(t *testing.T) {
	out, err := trimHistory([]byte(sampleBody))
	require.NoError(t, err)
	history := gjson.GetBytes(out, historyPath).Array()
	require.Len(t, history, 2)
	assert.False(t, history[1].Get("assistantResponseMessage.toolUses").Exists())
}

func TestSingleTurnRebuildsWithLatestUserText(t *testing.T) {
	out, err := singleTurn([]byte(sampleBody))
	require.NoError(t, err)
	assert.Equal(t, "hist user 1", gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String())
	assert.Empty(t, gjson.GetBytes(out, historyPath).Array())
	assert.Equal(t, "arn:aws:profile:1", gjson.GetBytes(out, "profileArn").String())
}

func TestSingleTurnFallsBackToContinueWhenNoHistoryText(t *testing.T) {
	body := `{"conversationState":{"agentContinuationId":"c","conversationId":"v","currentMessage":{"userInputMessage":{"modelId":"m"}},"history":[{"userInputMessage":{"content":"continue"}}]}}`
	out, err := singleTurn([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "continue", gjson.GetBytes(out, "conversationState.currentMessage.userInputMessage.content").String())
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	var calls int
	attempt := func(ctx context.Context, body []byte) (int, []byte, error) {
		calls++
		return http.StatusOK, []byte(`{"ok":true}`), nil
	}
	out, err := Run(context.Background(), CompatBalanced, []byte(sampleBody), attempt)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ModePrimary, out.FallbackMode)
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestRunAdvancesThroughModesOnRetryableFailure(t *testing.T) {
	var seenModes []Mode
	attempt := func(ctx context.Context, body []byte) (int, []byte, error) {
		if gjson.GetBytes(body, toolsPath).Exists() {
			seenModes = append(seenModes, ModeCompactTools)
			return http.StatusBadRequest, []byte(`{"message":"malformed"}`), nil
		}
		seenModes = append(seenModes, ModeNoTools)
		return http.StatusOK, []byte(`{"ok":true}`), nil
	}
	out, err := Run(context.Background(), CompatBalanced, []byte(sampleBody), attempt)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
}

func TestRunStopsOnNonRetryableFailure(t *testing.T) {
	var calls int
	attempt := func(ctx context.Context, body []byte) (int, []byte, error) {
		calls++
		return http.StatusTooManyRequests, []byte(`{"message":"rate limited"}`), nil
	}
	out, err := Run(context.Background(), CompatBalanced, []byte(sampleBody), attempt)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a non-retryable failure must not advance to the next mode")
	assert.Equal(t, http.StatusTooManyRequests, out.StatusCode)
}

func TestRunExhaustionRaisesUpstreamRejected(t *testing.T) {
	attempt := func(ctx context.Context, body []byte) (int, []byte, error) {
		return http.StatusBadRequest, []byte(`{"message":"improperly formed request"}`), nil
	}
	_, err := Run(context.Background(), CompatStrict, []byte(sampleBody), attempt)
	require.Error(t, err)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperror.KindUpstreamRejected, appErr.Kind)
}
