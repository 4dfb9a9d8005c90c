// Package degrade implements the Degradation Retry Engine of §4.6: an
// ordered list of capability-shedding body transformations retried on a
// pattern-matched HTTP 400, gated by a configured compatibility mode. Each
// transformation is a pure func([]byte) ([]byte, error) operating on the
// already-marshalled body via gjson/sjson, the same way claude_executor.go
// builds bodies with a chain of sjson.SetBytes calls instead of
// round-tripping through a typed struct.
package degrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kiro-relay/kiro-relay/internal/apperror"
)

// Mode names one body transformation in the closed set of §4.6.
type Mode string

const (
	ModePrimary         Mode = "primary"
	ModeCompactTools    Mode = "compact-tools"
	ModeNoTools         Mode = "no-tools"
	ModeTrimHistory     Mode = "trim-history"
	ModeMinimalHistory  Mode = "minimal-history"
	ModeSingleTurn      Mode = "single-turn"
)

// CompatMode selects which subset of Mode the engine is allowed to try.
type CompatMode string

const (
	CompatStrict   CompatMode = "strict"
	CompatBalanced CompatMode = "balanced"
	CompatRelaxed  CompatMode = "relaxed"
)

// PolicyFor returns the ordered transformation list for a compat mode,
// defaulting to balanced for an unrecognized value.
func PolicyFor(mode CompatMode) []Mode {
	switch mode {
	case CompatStrict:
		return []Mode{ModePrimary, ModeCompactTools}
	case CompatRelaxed:
		return []Mode{ModePrimary, ModeCompactTools, ModeNoTools, ModeTrimHistory, ModeMinimalHistory, ModeSingleTurn}
	default:
		return []Mode{ModePrimary, ModeCompactTools, ModeNoTools, ModeTrimHistory}
	}
}

var retryTextPatterns = []string{"improperly formed request", "malformed", "invalid_request_error"}

// ShouldRetry reports whether a failed upstream response is eligible for
// the next fallback transformation.
func ShouldRetry(statusCode int, body []byte) bool {
	if statusCode != http.StatusBadRequest {
		return false
	}
	lower := strings.ToLower(string(body))
	for _, pattern := range retryTextPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Attempt performs one upstream call with the given body and reports the
// outcome the engine needs to decide whether to keep retrying.
type Attempt func(ctx context.Context, body []byte) (statusCode int, respBody []byte, err error)

// Outcome is the engine's result for one logical request.
type Outcome struct {
	StatusCode   int
	Body         []byte
	FallbackMode Mode
}

// Run drives the transformation list for compatMode against attempt,
// stopping at the first non-retryable result, success, or list exhaustion.
func Run(ctx context.Context, compatMode CompatMode, initialBody []byte, attempt Attempt) (Outcome, error) {
	modes := PolicyFor(compatMode)

	var lastBody []byte
	var lastStatus int
	var lastErr error

	for _, mode := range modes {
		body, err := transform(mode, initialBody)
		if err != nil {
			lastErr = fmt.Errorf("degrade: transform %s: %w", mode, err)
			continue
		}
		lastBody = body

		statusCode, respBody, err := attempt(ctx, body)
		if err != nil {
			return Outcome{}, err
		}
		lastStatus = statusCode

		if statusCode < 300 {
			return Outcome{StatusCode: statusCode, Body: respBody, FallbackMode: mode}, nil
		}
		if !ShouldRetry(statusCode, respBody) {
			return Outcome{StatusCode: statusCode, Body: respBody, FallbackMode: mode}, nil
		}
		lastErr = fmt.Errorf("degrade: upstream rejected %s attempt with status %d", mode, statusCode)
	}

	summary := summarizeForDebug(lastBody)
	appErr := apperror.New(apperror.KindUpstreamRejected, fmt.Sprintf("all fallback transformations exhausted (last status %d): %s", lastStatus, summary))
	if lastErr != nil {
		appErr = apperror.Wrap(apperror.KindUpstreamRejected, lastErr, appErr.Message)
	}
	return Outcome{}, appErr
}

// transform applies the named body transformation. ModePrimary is the
// identity transformation.
func transform(mode Mode, body []byte) ([]byte, error) {
	switch mode {
	case ModePrimary:
		return body, nil
	case ModeCompactTools:
		return compactTools(body)
	case ModeNoTools:
		return dropTools(body)
	case ModeTrimHistory:
		return trimHistory(body)
	case ModeMinimalHistory:
		return minimalHistory(body)
	case ModeSingleTurn:
		return singleTurn(body)
	default:
		return nil, fmt.Errorf("degrade: unknown mode %q", mode)
	}
}

const toolsPath = "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools"

func compactTools(body []byte) ([]byte, error) {
	tools := gjson.GetBytes(body, toolsPath)
	if !tools.Exists() {
		return body, nil
	}
	items := tools.Array()
	if len(items) > 24 {
		items = items[:24]
	}
	rebuilt := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		name := item.Get("toolSpecification.name").String()
		description := item.Get("toolSpecification.description").String()
		if len(description) > 256 {
			description = description[:256]
		}
		rebuilt = append(rebuilt, map[string]interface{}{
			"toolSpecification": map[string]interface{}{
				"name":        name,
				"description": description,
				"inputSchema": map[string]interface{}{"json": map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}},
			},
		})
	}
	return sjson.SetBytes(body, toolsPath, rebuilt)
}

func dropTools(body []byte) ([]byte, error) {
	out, err := sjson.DeleteBytes(body, toolsPath)
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "conversationState.chatTriggerType", "MANUAL")
}

const historyPath = "conversationState.history"

func trimHistory(body []byte) ([]byte, error) {
	out, err := dropTools(body)
	if err != nil {
		return nil, err
	}
	entries := gjson.GetBytes(out, historyPath).Array()
	rebuilt := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		stripped, err := sjson.DeleteBytes([]byte(entry.Raw), "assistantResponseMessage.toolUses")
		if err != nil {
			stripped = []byte(entry.Raw)
		}
		rebuilt = append(rebuilt, json.RawMessage(stripped))
	}
	if len(rebuilt) > 24 {
		rebuilt = rebuilt[len(rebuilt)-24:]
	}
	return sjson.SetBytes(out, historyPath, rebuilt)
}

func minimalHistory(body []byte) ([]byte, error) {
	out, err := dropTools(body)
	if err != nil {
		return nil, err
	}
	entries := gjson.GetBytes(out, historyPath).Array()
	rebuilt := make([]json.RawMessage, 0, len(entries))
	for _, entry := range entries {
		stripped, err := sjson.DeleteBytes([]byte(entry.Raw), "userInputMessage.userInputMessageContext.toolResults")
		if err != nil {
			stripped = []byte(entry.Raw)
		}
		rebuilt = append(rebuilt, json.RawMessage(stripped))
	}
	if len(rebuilt) > 8 {
		rebuilt = rebuilt[len(rebuilt)-8:]
	}
	return sjson.SetBytes(out, historyPath, rebuilt)
}

func singleTurn(body []byte) ([]byte, error) {
	entries := gjson.GetBytes(body, historyPath).Array()
	latest := ""
	for i := len(entries) - 1; i >= 0; i-- {
		text := entries[i].Get("userInputMessage.content").String()
		if text != "" && text != "continue" {
			latest = text
			break
		}
	}
	if latest == "" {
		latest = "continue"
	}

	profileArn := gjson.GetBytes(body, "profileArn").String()
	modelID := gjson.GetBytes(body, "conversationState.currentMessage.userInputMessage.modelId").String()

	out := []byte(`{}`)
	var err error
	out, err = sjson.SetBytes(out, "conversationState.agentContinuationId", gjson.GetBytes(body, "conversationState.agentContinuationId").String())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "conversationState.agentTaskType", "vibe")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "conversationState.chatTriggerType", "MANUAL")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "conversationState.currentMessage.userInputMessage.content", latest)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "conversationState.currentMessage.userInputMessage.modelId", modelID)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "conversationState.currentMessage.userInputMessage.origin", "AI_EDITOR")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "conversationState.conversationId", gjson.GetBytes(body, "conversationState.conversationId").String())
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetRawBytes(out, historyPath, []byte(`[]`))
	if err != nil {
		return nil, err
	}
	if profileArn != "" {
		out, err = sjson.SetBytes(out, "profileArn", profileArn)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// summarizeForDebug renders a depth-capped, size-bounded redaction of the
// last attempted body for inclusion in the exhaustion error.
func summarizeForDebug(body []byte) string {
	if len(body) == 0 {
		return "<empty>"
	}
	summary := summarizeValue(gjson.ParseBytes(body), 0)
	rendered, err := marshalSummary(summary)
	if err != nil {
		return "<unrenderable>"
	}
	return rendered
}
