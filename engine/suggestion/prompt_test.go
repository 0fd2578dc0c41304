package suggestion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reqforge/reqforge/engine/core"
	"github.com/reqforge/reqforge/engine/knowledge/retriever"
	"github.com/reqforge/reqforge/engine/knowledge/vectordb"
)

func TestRenderPrompt(t *testing.T) {
	matches := []retriever.Match{
		{Record: vectordb.EmbeddingRecord{
			Entity: core.EntityRef{Type: "requirement", ID: "REQ-7"},
			Text:   "Sessions expire after 30 minutes of inactivity.",
		}},
	}

	t.Run("ShouldFillExplicitPlaceholders", func(t *testing.T) {
		payload := &Payload{
			Query:     "tighten the session policy",
			Variables: map[string]string{"project": "atlas"},
		}
		prompt := renderPrompt(
			"Project {{project}}.\n{{context}}\nTask: {{query}}",
			payload, matches,
		)
		assert.Equal(t,
			"Project atlas.\n- [requirement/REQ-7] Sessions expire after 30 minutes of inactivity.\nTask: tighten the session policy",
			prompt,
		)
	})

	t.Run("ShouldAppendContextAndQueryWhenTemplateOmitsThem", func(t *testing.T) {
		payload := &Payload{Query: "tighten the session policy"}
		prompt := renderPrompt("You are a requirements analyst.", payload, matches)
		assert.Contains(t, prompt, "You are a requirements analyst.")
		assert.Contains(t, prompt, "Context:\n- [requirement/REQ-7]")
		assert.Contains(t, prompt, "Request: tighten the session policy")
	})

	t.Run("ShouldSkipContextBlockWithoutMatches", func(t *testing.T) {
		payload := &Payload{Query: "tighten the session policy"}
		prompt := renderPrompt("Base.", payload, nil)
		assert.NotContains(t, prompt, "Context:")
		assert.Contains(t, prompt, "Request: tighten the session policy")
	})
}
