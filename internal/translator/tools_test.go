package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeToolNameRules(t *testing.T) {
	cases := map[string]string{
		"get_weather":     "get_weather",
		"Get-Weather!!":   "Get_Weather",
		"123abc":          "t_123abc",
		"___leading___":   "leading",
		"a--b__c":         "a_b_c",
	}
	for input, want := range cases {
		assert.Equal(t, want, sanitizeToolName(input), "input=%q", input)
	}
}

func TestSanitizeToolsSkipsWebSearchAndDisambiguates(t *testing.T) {
	tools := []ToolDefinition{
		{Name: "web_search", Description: "search the web"},
		{Name: "get-weather", Description: "d1"},
		{Name: "get weather", Description: "d2"},
	}
	out, nameMap := sanitizeTools(tools)
	require.Len(t, out, 2, "web_search variant must be skipped")

	names := []string{out[0].ToolSpecification.Name, out[1].ToolSpecification.Name}
	assert.Contains(t, names, "get_weather")
	assert.Contains(t, names, "get_weather_2")
	assert.Equal(t, "get-weather", nameMap["get_weather"])
	assert.Equal(t, "get weather", nameMap["get_weather_2"])
}

func TestSanitizeToolsSubstitutesEmptySchema(t *testing.T) {
	tools := []ToolDefinition{{Name: "noop"}}
	out, _ := sanitizeTools(tools)
	require.Len(t, out, 1)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(out[0].ToolSpecification.InputSchema.JSON))
}

func TestSanitizeSchemaDropsDisallowedKeysAndTruncatesStrings(t *testing.T) {
	filler := make([]byte, 600)
	for i := range filler {
		filler[i] = 'a'
	}
	raw := json.RawMessage(`{"type":"object","$schema":"x","description":"` + string(filler) + `","properties":{"name":{"type":"string"}},"deprecated":true}`)

	out := sanitizeSchema(raw)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &parsed))

	_, hasSchema := parsed["$schema"]
	assert.False(t, hasSchema)
	_, hasDeprecated := parsed["deprecated"]
	assert.False(t, hasDeprecated)

	desc, _ := parsed["description"].(string)
	assert.LessOrEqual(t, len([]rune(desc)), 512)
}

func TestSanitizeSchemaCapsDepthAndBreadth(t *testing.T) {
	// Build a deeply nested schema exceeding the depth cap.
	inner := `"leaf"`
	for i := 0; i < 10; i++ {
		inner = `{"nested":` + inner + `}`
	}
	raw := json.RawMessage(`{"type":"object","properties":` + inner + `}`)

	out := sanitizeSchema(raw)
	assert.NotEmpty(t, out)

	// A wide object exceeding the breadth cap must be truncated, not error.
	wide := map[string]string{}
	for i := 0; i < 150; i++ {
		wide[jsonKey(i)] = "v"
	}
	wideRaw, err := json.Marshal(map[string]interface{}{"type": "object", "properties": wide})
	require.NoError(t, err)
	out2 := sanitizeSchema(wideRaw)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(out2, &parsed))
	props, ok := parsed["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.LessOrEqual(t, len(props), 96)
}

func jsonKey(i int) string {
	return "k" + string(rune('a'+i%26)) + string(rune('0'+i%10))
}

func TestSanitizeSchemaEmptyInputYieldsDefaultObject(t *testing.T) {
	out := sanitizeSchema(nil)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(out))
}
