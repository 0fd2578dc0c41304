package suggestion

import (
	"strings"

	"github.com/reqforge/reqforge/engine/knowledge/retriever"
)

const (
	queryPlaceholder   = "{{query}}"
	contextPlaceholder = "{{context}}"
)

// renderPrompt substitutes template variables and injects the retrieved
// context. Templates may place {{query}} and {{context}} explicitly; when
// absent, both are appended so no template silently drops its grounding.
func renderPrompt(template string, payload *Payload, matches []retriever.Match) string {
	prompt := template
	for key, value := range payload.Variables {
		prompt = strings.ReplaceAll(prompt, "{{"+key+"}}", value)
	}
	contextBlock := renderContext(matches)
	if strings.Contains(prompt, contextPlaceholder) {
		prompt = strings.ReplaceAll(prompt, contextPlaceholder, contextBlock)
	} else if contextBlock != "" {
		prompt += "\n\nContext:\n" + contextBlock
	}
	if strings.Contains(prompt, queryPlaceholder) {
		prompt = strings.ReplaceAll(prompt, queryPlaceholder, payload.Query)
	} else {
		prompt += "\n\nRequest: " + payload.Query
	}
	return prompt
}

// renderContext lists retrieved chunks, most relevant first, each tagged
// with its source entity so the model can cite it.
func renderContext(matches []retriever.Match) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	for i := range matches {
		record := &matches[i].Record
		b.WriteString("- [")
		b.WriteString(record.Entity.String())
		b.WriteString("] ")
		b.WriteString(record.Text)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
