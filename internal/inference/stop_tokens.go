package inference

import (
	"fmt"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

// EOSCandidates are tried in order when no end-of-sequence token is
// configured.
var EOSCandidates = []string{
	"<|endoftext|>",
	"</s>",
	"<|end_of_text|>",
	"<|im_end|>",
	"<|eot_id|>",
}

// ResolveEOS returns preferred when set, otherwise the first candidate the
// tokenizer knows.
func ResolveEOS(tok tokenizer.Tokenizer, preferred string) (string, error) {
	if preferred != "" {
		if _, ok := tok.TokenID(preferred); !ok {
			return "", &generation.ConfigurationError{Field: "eos_token", Err: fmt.Errorf("token %q not in vocabulary", preferred)}
		}
		return preferred, nil
	}
	for _, cand := range EOSCandidates {
		if _, ok := tok.TokenID(cand); ok {
			return cand, nil
		}
	}
	return "", &generation.ConfigurationError{Field: "eos_token", Err: fmt.Errorf("none of %q in vocabulary", EOSCandidates)}
}
