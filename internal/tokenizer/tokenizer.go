// Package tokenizer converts between text and token ids.
package tokenizer

import (
	"errors"
	"fmt"
	"strings"
)

// Tokenizer is the contract generation depends on.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// TokenID resolves the exact text of a single token, typically a special
	// marker such as "<|endoftext|>".
	TokenID(token string) (int, bool)
	VocabSize() int
}

// Kind selects a tokenizer implementation.
type Kind string

const (
	KindByte     Kind = "byte"
	KindHF       Kind = "hf"
	KindTikToken Kind = "tiktoken"
)

var ErrUnknownKind = errors.New("tokenizer: unknown kind")

// Spec describes how to build a tokenizer.
type Spec struct {
	Kind Kind `yaml:"kind"`
	// Path is the tokenizer.json file for KindHF.
	Path string `yaml:"path"`
	// ConfigPath is an optional tokenizer_config.json for KindHF.
	ConfigPath string `yaml:"config_path"`
	// Encoding names a tiktoken encoding, e.g. "cl100k_base".
	Encoding string `yaml:"encoding"`
	// Specials lists extra marker tokens for KindByte.
	Specials []string `yaml:"specials"`
}

// Load builds the tokenizer described by spec.
func Load(spec Spec) (Tokenizer, error) {
	switch Kind(strings.ToLower(string(spec.Kind))) {
	case "", KindByte:
		return NewByteTokenizer(spec.Specials...), nil
	case KindHF:
		if spec.Path == "" {
			return nil, errors.New("tokenizer: hf tokenizer requires a path")
		}
		return LoadHFTokenizer(spec.Path, spec.ConfigPath)
	case KindTikToken:
		return NewTikToken(spec.Encoding)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
}
