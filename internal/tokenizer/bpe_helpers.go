package tokenizer

import (
	"cmp"
	"slices"
	"strings"
)

// Pair represents a pair of BPE tokens.
type Pair struct {
	A string
	B string
}

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func getPairs(word []string) map[Pair]struct{} {
	pairs := make(map[Pair]struct{})
	for i := 1; i < len(word); i++ {
		pairs[Pair{A: word[i-1], B: word[i]}] = struct{}{}
	}
	return pairs
}

func mergePair(word []string, pair Pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == pair.A && word[i+1] == pair.B {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

// isMarkerToken matches "<|...|>" style control tokens.
func isMarkerToken(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// longestFirst returns a deduplicated copy ordered so that the longest
// candidate wins when several specials share a prefix.
func longestFirst(specials []string) []string {
	out := slices.Clone(specials)
	slices.SortFunc(out, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return slices.Compact(out)
}

// splitSpecials cuts text around any occurrence of specials, which must be
// ordered longest first.
func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		if text[i] == '<' {
			for _, sp := range specials {
				if sp != "" && strings.HasPrefix(text[i:], sp) {
					match = sp
					break
				}
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i]})
		}
		parts = append(parts, textPart{text: match, isSpecial: true})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:]})
	}
	return parts
}

// bytesToUnicode maps bytes to printable runes so BPE merges stay reversible.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := slices.Clone(bs)
	n := 0
	for b := range 256 {
		if !slices.Contains(bs, b) {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[string]byte, len(bs))
	for i := range bs {
		s := string(rune(cs[i]))
		byteEncoder[byte(bs[i])] = s
		byteDecoder[s] = byte(bs[i])
	}
	return byteEncoder, byteDecoder
}
