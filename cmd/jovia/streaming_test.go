package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamMode(t *testing.T) {
	for in, want := range map[string]StreamMode{
		"":           StreamInstant,
		"instant":    StreamInstant,
		"Smooth":     StreamSmooth,
		"typewriter": StreamTypewriter,
		" quiet ":    StreamQuiet,
	} {
		got, err := ParseStreamMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStreamMode("loud")
	assert.Error(t, err)
}

func TestStreamWriterModes(t *testing.T) {
	fragments := []string{"Hello", ", ", "world", "\n"}
	for _, mode := range []StreamMode{StreamInstant, StreamSmooth, StreamTypewriter, StreamQuiet} {
		t.Run(string(mode), func(t *testing.T) {
			var out bytes.Buffer
			w := NewStreamWriter(&out, mode, false)
			defer w.Close()
			for _, f := range fragments {
				w.Write(f)
			}
			if mode == StreamQuiet {
				assert.Empty(t, out.String())
			}
			text := w.Flush()
			assert.Equal(t, "Hello, world\n", text)
			assert.Equal(t, "Hello, world\n", out.String())
		})
	}
}

func TestStreamWriterResetStartsNewTurn(t *testing.T) {
	var out bytes.Buffer
	w := NewStreamWriter(&out, StreamInstant, false)
	w.Write("first")
	assert.Equal(t, "first", w.Flush())
	w.Reset()
	w.Write("second")
	assert.Equal(t, "second", w.Flush())
	assert.Equal(t, "firstsecond", out.String())
}

func TestStreamWriterEscape(t *testing.T) {
	var out bytes.Buffer
	w := NewStreamWriter(&out, StreamInstant, true)
	w.Write("a\tb\n\\\x01")
	assert.Equal(t, "a\tb\n\\\x01", w.Flush())
	assert.Equal(t, `a\tb\n\\\u0001`, out.String())
}
