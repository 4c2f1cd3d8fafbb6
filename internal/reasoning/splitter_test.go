package reasoning

import "testing"

func TestSplitRaw(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		in            string
		wantContent   string
		wantReasoning string
	}{
		{
			name:        "no thinking",
			in:          "Hello world",
			wantContent: "Hello world",
		},
		{
			name:          "closed thinking block",
			in:            "<think>internal</think>Hello",
			wantContent:   "Hello",
			wantReasoning: "internal",
		},
		{
			name:          "unclosed thinking block",
			in:            "<think>internal only",
			wantReasoning: "internal only",
		},
		{
			name:          "interleaved text",
			in:            "A<think>r1</think>B<think>r2</think>C",
			wantContent:   "ABC",
			wantReasoning: "r1r2",
		},
		{
			name:          "upper case tags",
			in:            "<THINK>r</Think>c",
			wantContent:   "c",
			wantReasoning: "r",
		},
		{
			name:        "trailing tag prefix is content",
			in:          "a < b <thi",
			wantContent: "a < b <thi",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SplitRaw(tc.in)
			if got.Content != tc.wantContent {
				t.Fatalf("content got %q want %q", got.Content, tc.wantContent)
			}
			if got.Reasoning != tc.wantReasoning {
				t.Fatalf("reasoning got %q want %q", got.Reasoning, tc.wantReasoning)
			}
		})
	}
}

func TestSplitterPush(t *testing.T) {
	t.Parallel()

	var s Splitter

	c, r := s.Push("<think>abc")
	if c != "" || r != "abc" {
		t.Fatalf("first delta got content=%q reasoning=%q", c, r)
	}

	c, r = s.Push("</think>Hello")
	if c != "Hello" || r != "" {
		t.Fatalf("second delta got content=%q reasoning=%q", c, r)
	}
}

func TestSplitterTagAcrossFragments(t *testing.T) {
	t.Parallel()

	var s Splitter
	var content, reasoning string
	for _, frag := range []string{"hi <", "thi", "nk>deep", " thought</th", "ink> done"} {
		c, r := s.Push(frag)
		content += c
		reasoning += r
	}
	c, r := s.Flush()
	content += c
	reasoning += r

	if content != "hi  done" {
		t.Fatalf("content got %q", content)
	}
	if reasoning != "deep thought" {
		t.Fatalf("reasoning got %q", reasoning)
	}
	if s.Thinking() {
		t.Fatal("splitter still inside a think block")
	}
}

func TestSplitterHoldsBackOnlyTagPrefixes(t *testing.T) {
	t.Parallel()

	var s Splitter
	if c, _ := s.Push("x <b"); c != "x <b" {
		t.Fatalf("got %q, want the non-tag text released", c)
	}
	if c, _ := s.Push("a <t"); c != "a " {
		t.Fatalf("got %q, want the tag prefix held back", c)
	}
	if c, _ := s.Flush(); c != "<t" {
		t.Fatalf("flush got %q", c)
	}
}
