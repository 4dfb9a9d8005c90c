package degrade

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

const summaryDepthCap = 6

// summarizeValue renders a redacted, depth-capped summary of a JSON value
// for the exhaustion error's debug text, per §4.6: strings become
// `<string len=N>`, arrays become a length plus the first 3 summarized
// elements, objects become their key list plus a recursively summarized
// field map.
func summarizeValue(v gjson.Result, depth int) interface{} {
	if depth > summaryDepthCap {
		return "<max depth>"
	}
	switch {
	case v.IsObject():
		keys := make([]string, 0)
		fields := make(map[string]interface{})
		v.ForEach(func(k, val gjson.Result) bool {
			key := k.String()
			keys = append(keys, key)
			fields[key] = summarizeValue(val, depth+1)
			return true
		})
		return map[string]interface{}{"keys": keys, "fields": fields}
	case v.IsArray():
		items := v.Array()
		sampleSize := 3
		if len(items) < sampleSize {
			sampleSize = len(items)
		}
		sample := make([]interface{}, 0, sampleSize)
		for i := 0; i < sampleSize; i++ {
			sample = append(sample, summarizeValue(items[i], depth+1))
		}
		return map[string]interface{}{"length": len(items), "sample": sample}
	case v.Type == gjson.String:
		return stringLenTag(len(v.String()))
	default:
		return v.Value()
	}
}

func stringLenTag(n int) string {
	return "<string len=" + strconv.Itoa(n) + ">"
}

func marshalSummary(summary interface{}) (string, error) {
	out, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
