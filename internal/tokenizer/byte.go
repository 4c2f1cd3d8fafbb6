package tokenizer

import (
	"fmt"
	"slices"
)

// DefaultSpecials are the markers understood by the built-in prompt
// templates. Their ids follow the 256 byte ids in this order.
var DefaultSpecials = []string{
	"<|endoftext|>",
	"</s>",
	"<s>",
	"<|system|>",
	"<|user|>",
	"<|assistant|>",
}

// ByteTokenizer maps every byte to its own id and appends a fixed list of
// special tokens after id 255. It needs no vocabulary file.
type ByteTokenizer struct {
	specials []string
	ids      map[string]int
	matchers []string
}

// NewByteTokenizer returns a byte tokenizer. With no arguments it uses
// DefaultSpecials.
func NewByteTokenizer(specials ...string) *ByteTokenizer {
	if len(specials) == 0 {
		specials = DefaultSpecials
	}
	t := &ByteTokenizer{
		specials: slices.Clone(specials),
		ids:      make(map[string]int, len(specials)),
	}
	for i, sp := range t.specials {
		if _, dup := t.ids[sp]; !dup {
			t.ids[sp] = 256 + i
		}
	}
	t.matchers = longestFirst(t.specials)
	return t
}

func (t *ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for _, part := range splitSpecials(text, t.matchers) {
		if part.isSpecial {
			ids = append(ids, t.ids[part.text])
			continue
		}
		for i := 0; i < len(part.text); i++ {
			ids = append(ids, int(part.text[i]))
		}
	}
	return ids, nil
}

func (t *ByteTokenizer) Decode(ids []int) (string, error) {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		switch {
		case id >= 0 && id < 256:
			b = append(b, byte(id))
		case id >= 256 && id < 256+len(t.specials):
			b = append(b, t.specials[id-256]...)
		default:
			return "", fmt.Errorf("token id out of range: %d", id)
		}
	}
	return string(b), nil
}

func (t *ByteTokenizer) TokenID(token string) (int, bool) {
	if id, ok := t.ids[token]; ok {
		return id, true
	}
	if len(token) == 1 {
		return int(token[0]), true
	}
	return 0, false
}

func (t *ByteTokenizer) VocabSize() int { return 256 + len(t.specials) }
