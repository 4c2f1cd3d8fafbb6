package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/jovia/internal/inference"
)

func newTestChat(t *testing.T) (*chatSession, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	loaded, err := inference.Loader{}.Load()
	require.NoError(t, err)

	n := 6
	var stdout, stderr bytes.Buffer
	chat := &chatSession{
		engine:    loaded.Engine,
		opts:      inference.RequestOptions{SampleLen: &n},
		out:       NewStreamWriter(&stdout, StreamInstant, false),
		stdout:    &stdout,
		stderr:    &stderr,
		showStats: true,
	}
	return chat, &stdout, &stderr
}

func TestChatSessionTurn(t *testing.T) {
	chat, stdout, stderr := newTestChat(t)

	require.NoError(t, chat.turn(context.Background(), "hello"))
	require.Len(t, chat.history, 1)
	assert.Equal(t, "hello", chat.history[0].User)
	assert.True(t, strings.HasSuffix(stdout.String(), "\n"))
	assert.Contains(t, stderr.String(), "tokens generated (")

	require.NoError(t, chat.turn(context.Background(), "again"))
	assert.Len(t, chat.history, 2)
	req := chat.request("third")
	assert.Len(t, req.History, 2)
	assert.Equal(t, "third", req.Prompt)
}

func TestChatSessionVerbosePrompt(t *testing.T) {
	chat, _, stderr := newTestChat(t)
	chat.verbose = true
	noTemplate := true
	chat.opts.NoTemplate = &noTemplate

	require.NoError(t, chat.turn(context.Background(), "hi"))
	assert.True(t, strings.HasPrefix(stderr.String(), "    104 -> 'h'\n    105 -> 'i'\n"), stderr.String())
}

func TestChatSessionPrintSettings(t *testing.T) {
	chat, _, stderr := newTestChat(t)
	chat.printSettings()
	assert.Equal(t, "temp: 0.00 repeat-penalty: 1.10 repeat-last-n: 64\n", stderr.String())
}

func TestChatSessionCanceled(t *testing.T) {
	chat, _, _ := newTestChat(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, chat.turn(ctx, "hello"), context.Canceled)
	assert.Empty(t, chat.history)
}

func TestPrintBenchResults(t *testing.T) {
	var buf bytes.Buffer
	printBenchResults(&buf, nil)
	assert.Equal(t, "=== Results ===\n", strings.SplitAfter(buf.String(), "\n")[0])
	assert.NotContains(t, buf.String(), "Avg")
}
