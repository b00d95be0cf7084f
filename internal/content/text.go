package content

import (
	"encoding/json"
	"fmt"

	"github.com/tracthq/tract/internal/types"
)

// ExtractText pulls the display text from a parsed payload map.
// tool_io formats as a header plus pretty-printed payload; freeform
// pretty-prints its payload; text-bearing types return their text.
func ExtractText(contentType string, data map[string]any) string {
	if contentType == types.TypeToolIO {
		toolName, _ := data["tool_name"].(string)
		if toolName == "" {
			toolName = "unknown"
		}
		direction, _ := data["direction"].(string)
		if direction == "" {
			direction = "call"
		}
		header := fmt.Sprintf("Tool %s: %s", direction, toolName)
		if status, ok := data["status"].(string); ok && status != "" {
			header += fmt.Sprintf(" (%s)", status)
		}
		return header + "\n" + prettyJSON(data["payload"])
	}

	if contentType == types.TypeFreeform {
		return prettyJSON(data["payload"])
	}

	if text, ok := data["text"].(string); ok {
		return text
	}
	if body, ok := data["content"].(string); ok {
		return body
	}
	fallback, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(fallback)
}

func prettyJSON(v any) string {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(pretty)
}
