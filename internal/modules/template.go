package modules

import "strings"

// Substitute replaces {{key}} tokens with values from variables, plus the
// {{name}} and {{email}} conveniences. Unknown tokens are left unchanged;
// anything richer than token replacement is deliberately unsupported.
func Substitute(text string, variables map[string]string, name, email string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))

	for {
		start := strings.Index(text, "{{")
		if start < 0 {
			b.WriteString(text)
			break
		}
		end := strings.Index(text[start:], "}}")
		if end < 0 {
			b.WriteString(text)
			break
		}
		end += start

		b.WriteString(text[:start])
		key := strings.TrimSpace(text[start+2 : end])

		if val, ok := lookup(key, variables, name, email); ok {
			b.WriteString(val)
		} else {
			b.WriteString(text[start : end+2])
		}
		text = text[end+2:]
	}

	return b.String()
}

func lookup(key string, variables map[string]string, name, email string) (string, bool) {
	if val, ok := variables[key]; ok {
		return val, true
	}
	switch key {
	case "name":
		if name != "" {
			return name, true
		}
	case "email":
		if email != "" {
			return email, true
		}
	}
	return "", false
}
