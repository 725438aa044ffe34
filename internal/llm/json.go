package llm

import "strings"

// ExtractJSON strips markdown code fences and surrounding prose from model
// output and returns the outermost JSON object, or "" if there is none.
func ExtractJSON(output string) string {
	clean := strings.TrimSpace(output)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start < 0 || end < start {
		return ""
	}
	return clean[start : end+1]
}
