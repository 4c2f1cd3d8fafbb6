package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// HFTokenizer is a byte-level BPE tokenizer loaded from a Hugging Face
// tokenizer.json. It is safe for concurrent use.
type HFTokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[Pair]int
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	unkID        int
	ignoreMerges bool
	special      []string
	isSpecial    map[int]bool

	mu    sync.Mutex
	cache map[string][]string
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer  hfPreTokenizer `json:"pre_tokenizer"`
	PostProcessor struct {
		Type       string `json:"type"`
		Processors []struct {
			Type          string `json:"type"`
			SpecialTokens map[string]struct {
				IDs []int `json:"ids"`
			} `json:"special_tokens"`
		} `json:"processors"`
	} `json:"post_processor"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type hfTokenizerConfig struct {
	AddBOS bool   `json:"add_bos_token"`
	AddEOS bool   `json:"add_eos_token"`
	BOS    string `json:"bos_token"`
	EOS    string `json:"eos_token"`
}

// LoadHFTokenizer reads tokenizer.json and, when tokConfig is non-empty,
// tokenizer_config.json.
func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var cfg []byte
	if tokConfig != "" {
		cfg, err = os.ReadFile(tokConfig)
		if err != nil {
			return nil, fmt.Errorf("read tokenizer config: %w", err)
		}
	}
	return LoadHFTokenizerBytes(data, cfg)
}

// LoadHFTokenizerBytes parses an in-memory tokenizer definition.
func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		maxID = max(maxID, at.ID)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range encoder {
		decoder[id] = tok
	}

	isSpecial := make(map[int]bool)
	var specials []string
	for _, at := range tj.AddedTokens {
		if at.Special || isMarkerToken(at.Content) {
			isSpecial[at.ID] = true
			specials = append(specials, at.Content)
		}
	}
	for tok, id := range tj.Model.Vocab {
		if isMarkerToken(tok) && !isSpecial[id] {
			isSpecial[id] = true
			specials = append(specials, tok)
		}
	}

	var cfg hfTokenizerConfig
	if len(tokConfig) > 0 {
		if err := json.Unmarshal(tokConfig, &cfg); err != nil {
			return nil, fmt.Errorf("parse tokenizer config: %w", err)
		}
	}

	bosID, eosID, unkID := lookup(encoder, cfg.BOS), lookup(encoder, cfg.EOS), lookup(encoder, tj.Model.UnkToken)
	addBOS := cfg.AddBOS
	for _, proc := range tj.PostProcessor.Processors {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		for _, sp := range proc.SpecialTokens {
			if len(sp.IDs) > 0 {
				bosID = sp.IDs[0]
				addBOS = true
				break
			}
		}
	}

	byteEncoder, byteDecoder := bytesToUnicode()
	return &HFTokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     parseMerges(tj.Model.Merges),
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      buildHFPattern(tj.PreTokenizer),
		addBOS:       addBOS,
		addEOS:       cfg.AddEOS,
		bosID:        bosID,
		eosID:        eosID,
		unkID:        unkID,
		ignoreMerges: tj.Model.IgnoreMerges,
		special:      longestFirst(specials),
		isSpecial:    isSpecial,
	}, nil
}

func lookup(encoder map[string]int, tok string) int {
	if tok == "" {
		return -1
	}
	if id, ok := encoder[tok]; ok {
		return id
	}
	return -1
}

func parseMerges(raw []any) map[Pair]int {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for _, item := range raw {
		line := ""
		switch v := item.(type) {
		case string:
			line = v
		case []any:
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, b, ok := strings.Cut(line, " ")
		if !ok || strings.Contains(b, " ") {
			continue
		}
		p := Pair{A: a, B: b}
		if _, seen := ranks[p]; !seen {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, token := range t.pattern.FindAllString(part.text, -1) {
			for _, piece := range t.bpe(t.byteEncode(token)) {
				id, ok := t.encoder[piece]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", piece)
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if t.isSpecial[id] {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *HFTokenizer) TokenID(token string) (int, bool) {
	id, ok := t.encoder[token]
	return id, ok
}

func (t *HFTokenizer) VocabSize() int { return len(t.decoder) }

func (t *HFTokenizer) BOSID() int { return t.bosID }
func (t *HFTokenizer) EOSID() int { return t.eosID }

func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *HFTokenizer) bpe(token string) []string {
	t.mu.Lock()
	cached, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return cached
	}

	word := t.merge(token)

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}

func (t *HFTokenizer) merge(token string) []string {
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			return []string{token}
		}
	}
	word := splitRunes(token)
	pairs := getPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		bestPair := Pair{}
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}
	return word
}

func buildHFPattern(pre hfPreTokenizer) *regexp.Regexp {
	// GPT-2 split rule.
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if pre.Type == "Sequence" {
		for _, p := range pre.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// RE2 has no lookahead; fall back to the llama.cpp rewrite of the
	// Llama 3 rule.
	if strings.Contains(pat, "(?!\\S)") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`)
	}
	return re
}
