package translator

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	maxSchemaDepth       = 6
	maxSchemaArrayItems  = 32
	maxSchemaObjectItems = 96
	maxToolDescription   = 2000
	maxSchemaShortString = 512
	maxSchemaLongString  = 1024
)

var droppedSchemaKeys = map[string]bool{
	"$schema":     true,
	"$id":         true,
	"$defs":       true,
	"definitions": true,
	"examples":    true,
	"example":     true,
	"deprecated":  true,
	"readOnly":    true,
	"writeOnly":   true,
}

var webSearchNamePattern = regexp.MustCompile(`(?i)web[_\-]?search`)

func isWebSearchTool(name string) bool {
	return webSearchNamePattern.MatchString(name)
}

var sanitizeNamePattern = regexp.MustCompile(`[^A-Za-z0-9_]+`)
var repeatUnderscorePattern = regexp.MustCompile(`_+`)

// sanitizeNamePatternForIDs matches any character outside the tool-use id
// grammar [\w\-:.], per §4.5.
var sanitizeNamePatternForIDs = regexp.MustCompile(`[^\w\-:.]+`)

// sanitizeToolName rewrites a foreign tool name into the upstream's
// identifier grammar, per §4.5's "Tool definitions" rules.
func sanitizeToolName(name string) string {
	sanitized := sanitizeNamePattern.ReplaceAllString(name, "_")
	sanitized = repeatUnderscorePattern.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "tool"
	}
	if sanitized[0] >= '0' && sanitized[0] <= '9' {
		sanitized = "t_" + sanitized
	}
	return sanitized
}

// UpstreamTool is the upstream wire shape for one tool specification.
type UpstreamTool struct {
	ToolSpecification struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema struct {
			JSON json.RawMessage `json:"json"`
		} `json:"inputSchema"`
	} `json:"toolSpecification"`
}

// sanitizeTools converts the foreign tool list into upstream tool specs,
// skipping web-search variants, disambiguating name collisions, and
// returning the sanitized-name -> original-name map for response mapping.
func sanitizeTools(tools []ToolDefinition) ([]UpstreamTool, map[string]string) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]UpstreamTool, 0, len(tools))
	nameMap := make(map[string]string, len(tools))
	seen := make(map[string]int)

	for _, t := range tools {
		if isWebSearchTool(t.Name) {
			continue
		}
		base := sanitizeToolName(t.Name)
		name := base
		if n, ok := seen[base]; ok {
			n++
			seen[base] = n
			name = base + "_" + strconv.Itoa(n)
		} else {
			seen[base] = 1
		}
		nameMap[name] = t.Name

		description := truncateRunes(t.Description, maxToolDescription)
		schema := sanitizeSchema(t.InputSchema)

		var upstream UpstreamTool
		upstream.ToolSpecification.Name = name
		upstream.ToolSpecification.Description = description
		upstream.ToolSpecification.InputSchema.JSON = schema
		out = append(out, upstream)
	}
	return out, nameMap
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// sanitizeSchema recursively sanitizes a JSON-schema-shaped document per
// §4.5: depth/breadth caps, key dropping, string truncation. It reads with
// gjson and sanitizes into native Go values before remarshalling, since
// schema sanitization carries no field-order requirement (unlike the
// conversationState envelope, which is assembled with sjson to control
// order precisely).
func sanitizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return emptyObjectSchema
	}
	parsed := gjson.ParseBytes(raw)
	sanitized := sanitizeGJSONValue(parsed, 0)
	marshalled, err := json.Marshal(sanitized)
	if err != nil || isEmptySchema(marshalled) {
		return emptyObjectSchema
	}
	return json.RawMessage(marshalled)
}

func isEmptySchema(b []byte) bool {
	s := strings.TrimSpace(string(b))
	return s == "{}" || s == "null"
}

func sanitizeGJSONValue(v gjson.Result, depth int) interface{} {
	switch {
	case v.IsArray():
		if depth >= maxSchemaDepth {
			return []interface{}{}
		}
		var out []interface{}
		count := 0
		v.ForEach(func(_, item gjson.Result) bool {
			if count >= maxSchemaArrayItems {
				return false
			}
			out = append(out, sanitizeGJSONValue(item, depth+1))
			count++
			return true
		})
		return out
	case v.IsObject():
		if depth >= maxSchemaDepth {
			return map[string]interface{}{}
		}
		out := make(map[string]interface{})
		count := 0
		v.ForEach(func(key, val gjson.Result) bool {
			k := key.String()
			if droppedSchemaKeys[k] {
				return true
			}
			if count >= maxSchemaObjectItems {
				return false
			}
			count++
			if val.Type == gjson.String {
				limit := maxSchemaLongString
				if k == "description" || k == "title" {
					limit = maxSchemaShortString
				}
				out[k] = truncateRunes(val.String(), limit)
			} else {
				out[k] = sanitizeGJSONValue(val, depth+1)
			}
			return true
		})
		return out
	case v.Type == gjson.String:
		return truncateRunes(v.String(), maxSchemaLongString)
	case v.Type == gjson.Number:
		return v.Num
	case v.Type == gjson.True:
		return true
	case v.Type == gjson.False:
		return false
	default:
		return nil
	}
}
