package modules

import "testing"

func TestSubstitute(t *testing.T) {
	variables := map[string]string{"plan": "pro", "company": "Acme"}

	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{"no tokens", "hello world", "hello world"},
		{"variable", "your {{plan}} plan", "your pro plan"},
		{"multiple", "{{company}}: {{plan}}", "Acme: pro"},
		{"name convenience", "hi {{name}}", "hi Alice"},
		{"email convenience", "to {{email}}", "to alice@example.com"},
		{"unknown token kept", "code {{missing}} here", "code {{missing}} here"},
		{"whitespace in token", "your {{ plan }} plan", "your pro plan"},
		{"unclosed token kept", "broken {{plan", "broken {{plan"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Substitute(tt.text, variables, "Alice", "alice@example.com")
			if got != tt.expected {
				t.Errorf("Substitute(%q) = %q, want %q", tt.text, got, tt.expected)
			}
		})
	}
}

func TestSubstituteVariablesWinOverConveniences(t *testing.T) {
	variables := map[string]string{"name": "From Variables"}
	got := Substitute("{{name}}", variables, "From Recipient", "")
	if got != "From Variables" {
		t.Errorf("got %q, want variables to take precedence", got)
	}
}
