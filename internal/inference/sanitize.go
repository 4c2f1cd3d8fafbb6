package inference

import (
	"strings"

	"github.com/samcharles93/jovia/internal/reasoning"
)

// SanitizeAssistantForContext removes reasoning and sentinel artifacts
// before assistant text is fed back into a later turn.
func SanitizeAssistantForContext(text string) string {
	s := reasoning.SplitRaw(text).Content
	for _, token := range EOSCandidates {
		s = strings.ReplaceAll(s, token, "")
	}
	return strings.TrimSpace(s)
}
