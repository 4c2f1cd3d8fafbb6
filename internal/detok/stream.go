// Package detok turns a growing sequence of token ids into stable text
// fragments suitable for streaming.
package detok

import (
	"unicode"
	"unicode/utf8"
)

// Decoder is the subset of a tokenizer the stream needs.
type Decoder interface {
	Decode(ids []int) (string, error)
}

// TokenOutputStream buffers ids and only releases text once the decoded
// tail ends on a letter or digit, so multi-byte characters and merged
// pieces are never split across fragments.
//
// Invariant: prevIndex <= currentIndex <= len(tokens). Tokens before
// prevIndex are already emitted; [prevIndex, currentIndex) is the window
// decoded as left context for the next emission.
type TokenOutputStream struct {
	dec          Decoder
	tokens       []int
	prevIndex    int
	currentIndex int
	maxPending   int
}

// Option configures a TokenOutputStream.
type Option func(*TokenOutputStream)

// WithMaxPending forces an emission once n ids have accumulated without
// one, provided the pending text is valid UTF-8. Zero disables the bound.
func WithMaxPending(n int) Option {
	return func(s *TokenOutputStream) { s.maxPending = n }
}

// New returns an empty stream decoding through dec.
func New(dec Decoder, opts ...Option) *TokenOutputStream {
	s := &TokenOutputStream{dec: dec}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends id and returns the newly stable text, if any.
func (s *TokenOutputStream) Push(id int) (string, bool, error) {
	prev, err := s.dec.Decode(s.tokens[s.prevIndex:s.currentIndex])
	if err != nil {
		return "", false, err
	}
	s.tokens = append(s.tokens, id)
	text, err := s.dec.Decode(s.tokens[s.prevIndex:])
	if err != nil {
		return "", false, err
	}
	if len(text) <= len(prev) {
		return "", false, nil
	}
	delta := text[len(prev):]
	if !endsAlphanumeric(text) && !s.overdue(delta) {
		return "", false, nil
	}
	s.prevIndex = s.currentIndex
	s.currentIndex = len(s.tokens)
	return delta, true, nil
}

// Flush returns any buffered text that Push has not released yet. It does
// not advance the stream; call Clear before reusing it.
func (s *TokenOutputStream) Flush() (string, bool, error) {
	prev, err := s.dec.Decode(s.tokens[s.prevIndex:s.currentIndex])
	if err != nil {
		return "", false, err
	}
	text, err := s.dec.Decode(s.tokens[s.prevIndex:])
	if err != nil {
		return "", false, err
	}
	if len(text) <= len(prev) {
		return "", false, nil
	}
	return text[len(prev):], true, nil
}

// DecodeAll decodes every id pushed so far.
func (s *TokenOutputStream) DecodeAll() (string, error) {
	return s.dec.Decode(s.tokens)
}

// Tokens returns the ids pushed so far. The slice is shared with the stream.
func (s *TokenOutputStream) Tokens() []int { return s.tokens }

// Pending is the number of ids not yet covered by an emitted fragment.
func (s *TokenOutputStream) Pending() int { return len(s.tokens) - s.currentIndex }

// Clear empties the stream and resets both watermarks.
func (s *TokenOutputStream) Clear() {
	s.tokens = s.tokens[:0]
	s.prevIndex = 0
	s.currentIndex = 0
}

func (s *TokenOutputStream) overdue(delta string) bool {
	return s.maxPending > 0 && s.Pending() >= s.maxPending && utf8.ValidString(delta)
}

func endsAlphanumeric(text string) bool {
	r, size := utf8.DecodeLastRuneInString(text)
	if r == utf8.RuneError && size <= 1 {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
