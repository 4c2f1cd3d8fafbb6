// Package reasoning separates <think>...</think> blocks from model output.
package reasoning

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

type SplitResult struct {
	Content   string
	Reasoning string
}

// SplitRaw separates content and reasoning from complete output. Tags match
// case-insensitively. An unclosed block makes the remainder reasoning.
func SplitRaw(raw string) SplitResult {
	var s Splitter
	c1, r1 := s.Push(raw)
	c2, r2 := s.Flush()
	return SplitResult{Content: c1 + c2, Reasoning: r1 + r2}
}

// Splitter separates streamed text as it arrives. A tail that could be the
// start of a tag is held back until the next Push or Flush.
type Splitter struct {
	thinking bool
	pending  string
}

// Thinking reports whether the stream is inside a think block.
func (s *Splitter) Thinking() bool { return s.thinking }

func (s *Splitter) Push(delta string) (content, reasoning string) {
	buf := s.pending + delta
	s.pending = ""

	var c, r strings.Builder
	emit := func(text string) {
		if s.thinking {
			r.WriteString(text)
		} else {
			c.WriteString(text)
		}
	}
	for buf != "" {
		tag := openTag
		if s.thinking {
			tag = closeTag
		}
		if i := indexFold(buf, tag); i >= 0 {
			emit(buf[:i])
			buf = buf[i+len(tag):]
			s.thinking = !s.thinking
			continue
		}
		keep := partialSuffix(buf, tag)
		emit(buf[:len(buf)-keep])
		s.pending = buf[len(buf)-keep:]
		break
	}
	return c.String(), r.String()
}

// Flush releases any held back text.
func (s *Splitter) Flush() (content, reasoning string) {
	tail := s.pending
	s.pending = ""
	if s.thinking {
		return "", tail
	}
	return tail, ""
}

func indexFold(s, tag string) int {
	for i := 0; i+len(tag) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(tag)], tag) {
			return i
		}
	}
	return -1
}

// partialSuffix is the length of the longest suffix of s that is a proper
// prefix of tag.
func partialSuffix(s, tag string) int {
	for n := min(len(s), len(tag)-1); n > 0; n-- {
		if strings.EqualFold(s[len(s)-n:], tag[:n]) {
			return n
		}
	}
	return 0
}
