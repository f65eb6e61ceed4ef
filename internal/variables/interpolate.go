package variables

import "strings"

// Interpolate replaces {{name}} tokens in text with values from vars.
// Token names are trimmed of surrounding whitespace. Tokens with no matching
// variable are left verbatim so authors can spot unresolved references in
// the rendered prompt. Nested braces are not supported.
func Interpolate(text string, vars map[string]string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}

	var result strings.Builder
	result.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "{{")
		if idx == -1 {
			result.WriteString(text[i:])
			break
		}

		result.WriteString(text[i : i+idx])
		start := i + idx + 2

		end := strings.Index(text[start:], "}}")
		if end == -1 {
			// Unclosed token: emit the rest verbatim.
			result.WriteString(text[i+idx:])
			break
		}
		end += start

		name := strings.TrimSpace(text[start:end])
		if value, ok := vars[name]; ok {
			result.WriteString(value)
		} else {
			result.WriteString(text[i+idx : end+2])
		}

		i = end + 2
	}

	return result.String()
}

// InterpolateAll renders both prompt texts of a node with the same variable map.
func InterpolateAll(adminPrompt, userPrompt string, vars map[string]string) (string, string) {
	return Interpolate(adminPrompt, vars), Interpolate(userPrompt, vars)
}
