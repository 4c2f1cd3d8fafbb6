package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when a tiktoken spec names no encoding.
const DefaultEncoding = "cl100k_base"

var allSpecial = []string{"all"}

// TikToken adapts an OpenAI BPE encoding. Special tokens in the input text
// are encoded as their single ids.
type TikToken struct {
	name  string
	enc   *tiktoken.Tiktoken
	vocab int
}

// NewTikToken loads the named encoding. The first call for an encoding may
// download its rank file unless an offline loader is configured.
func NewTikToken(encoding string) (*TikToken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return &TikToken{name: encoding, enc: enc, vocab: vocabFor(encoding)}, nil
}

func (t *TikToken) Name() string { return t.name }

func (t *TikToken) Encode(text string) ([]int, error) {
	return t.enc.Encode(text, allSpecial, nil), nil
}

func (t *TikToken) Decode(ids []int) (string, error) {
	for _, id := range ids {
		if id < 0 || id >= t.vocab {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
	}
	return t.enc.Decode(ids), nil
}

func (t *TikToken) TokenID(token string) (int, bool) {
	ids := t.enc.Encode(token, allSpecial, nil)
	if len(ids) != 1 {
		return 0, false
	}
	return ids[0], true
}

func (t *TikToken) VocabSize() int { return t.vocab }

func vocabFor(encoding string) int {
	switch encoding {
	case "o200k_base":
		return 200019
	case "cl100k_base":
		return 100277
	case "p50k_base", "p50k_edit":
		return 50281
	default:
		return 50257
	}
}
