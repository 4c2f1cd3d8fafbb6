package main

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeKeys(e *lineEditor, keys string) (string, keyResult) {
	for i := 0; i < len(keys); i++ {
		if line, res := e.feed(keys[i]); res != keyPending {
			return line, res
		}
	}
	return "", keyPending
}

func TestLineEditorEditing(t *testing.T) {
	e := newLineEditor(strings.NewReader(""), io.Discard)

	tests := []struct {
		name string
		keys string
		want string
	}{
		{"plain", "hello\r", "hello"},
		{"backspace", "helo\x7f\x7flo\r", "hello"},
		{"insert after cursor left", "hllo\x1b[D\x1b[D\x1b[De\r", "hello"},
		{"ctrl-a then type", "world\x01hello \r", "hello world"},
		{"ctrl-w deletes word", "hello world\x17there\r", "hello there"},
		{"alt-b word left", "one three\x1bbtwo \r", "one two three"},
		{"delete key", "abc\x01\x1b[3~\r", "bc"},
		{"ctrl-delete word forward", "one two\x01\x1b[3;5~\r", " two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.begin("> ")
			line, res := typeKeys(e, tt.keys)
			require.Equal(t, keySubmit, res)
			assert.Equal(t, tt.want, line)
		})
	}
}

func TestLineEditorHistory(t *testing.T) {
	e := newLineEditor(strings.NewReader(""), io.Discard)
	for _, l := range []string{"first\r", "  \r", "second\r"} {
		e.begin("> ")
		_, res := typeKeys(e, l)
		require.Equal(t, keySubmit, res)
	}
	assert.Equal(t, []string{"first", "second"}, e.history)

	e.begin("> ")
	line, _ := typeKeys(e, "draft\x1b[A\x1b[A\r")
	assert.Equal(t, "first", line)

	e.begin("> ")
	line, _ = typeKeys(e, "draft\x1b[A\x1b[B\r")
	assert.Equal(t, "draft", line)
}

func TestLineEditorEOF(t *testing.T) {
	e := newLineEditor(strings.NewReader(""), io.Discard)
	e.begin("> ")
	_, res := typeKeys(e, "\x04")
	assert.Equal(t, keyEOF, res)

	e.begin("> ")
	_, res = typeKeys(e, "abc\x03")
	assert.Equal(t, keyEOF, res)
}

func TestLineEditorReadPlain(t *testing.T) {
	e := newLineEditor(strings.NewReader("one\r\ntwo\nthree"), io.Discard)
	for _, want := range []string{"one", "two", "three"} {
		got, err := e.readPlain()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := e.readPlain()
	assert.ErrorIs(t, err, io.EOF)
}
