package inference

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/jovia/internal/generation"
	"github.com/samcharles93/jovia/internal/kvcache"
	"github.com/samcharles93/jovia/internal/model"
	"github.com/samcharles93/jovia/internal/tokenizer"
)

func loadToyEngine(t *testing.T, spec model.Spec) *EngineImpl {
	t.Helper()
	res, err := Loader{Model: spec, Tokenizer: tokenizer.Spec{Kind: tokenizer.KindByte}}.Load()
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Engine.Close() })
	return res.Engine
}

func shortRequest(prompt string, n int) *Request {
	cfg := generation.DefaultConfig()
	cfg.EOSToken = ""
	cfg.SampleLen = n
	return &Request{Prompt: prompt, Config: cfg}
}

func TestLoaderDefaults(t *testing.T) {
	t.Parallel()
	res, err := Loader{}.Load()
	require.NoError(t, err)

	assert.Equal(t, "<|endoftext|>", res.Engine.EOSToken())
	assert.Equal(t, "zephyr", res.Engine.Template().Name)
	assert.Equal(t, model.KindToy, res.Spec.Kind)
	assert.Equal(t, res.Tokenizer.VocabSize(), res.Backend.VocabSize())
}

func TestLoaderRejectsSmallVocabulary(t *testing.T) {
	t.Parallel()
	_, err := Loader{Model: model.Spec{VocabSize: 10}}.Load()
	require.Error(t, err)
}

func TestLoaderRejectsUnknownTemplate(t *testing.T) {
	t.Parallel()
	_, err := Loader{Template: "no-such-template"}.Load()
	require.Error(t, err)
}

func TestLoaderRejectsMissingEOS(t *testing.T) {
	t.Parallel()
	_, err := Loader{EOSToken: "<|eot_id|>"}.Load()
	require.ErrorIs(t, err, generation.ErrConfiguration)
}

func TestLoaderReportsBadBackendAsConfiguration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		spec model.Spec
		want error
	}{
		{"cache dtype", model.Spec{CacheDType: "bf16"}, kvcache.ErrUnsupportedDType},
		{"weight dtype", model.Spec{DType: "int4"}, model.ErrUnsupportedDType},
		{"kind", model.Spec{Kind: "gguf"}, model.ErrUnknownKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Loader{Model: tc.spec}.Load()
			require.ErrorIs(t, err, generation.ErrConfiguration)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestGenerateStreamsWholeText(t *testing.T) {
	t.Parallel()
	for _, kind := range []model.Kind{model.KindToy, model.KindHash} {
		t.Run(string(kind), func(t *testing.T) {
			t.Parallel()
			e := loadToyEngine(t, model.Spec{Kind: kind})

			var streamed strings.Builder
			res, err := e.Generate(context.Background(), shortRequest("hello", 12), func(s string) {
				streamed.WriteString(s)
			})
			require.NoError(t, err)

			assert.Equal(t, res.Text, streamed.String())
			assert.LessOrEqual(t, res.Stats.TokensGenerated, 12)
			assert.Contains(t, []generation.StopReason{generation.ReasonEOS, generation.ReasonMaxTokens}, res.Stats.Reason)
			assert.Len(t, res.Tokens, res.Stats.TokensGenerated)
		})
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t, model.Spec{})
	temp := 0.8
	req := shortRequest("once upon a time", 16)
	req.Config.Temperature = &temp

	a, err := e.Generate(context.Background(), req, nil)
	require.NoError(t, err)
	b, err := e.Generate(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, a.Tokens, b.Tokens)
	assert.Equal(t, a.Text, b.Text)
}

func TestGenerateCacheDoesNotChangeOutput(t *testing.T) {
	t.Parallel()
	cached := loadToyEngine(t, model.Spec{})
	replay := loadToyEngine(t, model.Spec{NoKVCache: true})

	a, err := cached.Generate(context.Background(), shortRequest("abc", 8), nil)
	require.NoError(t, err)
	b, err := replay.Generate(context.Background(), shortRequest("abc", 8), nil)
	require.NoError(t, err)
	assert.Equal(t, a.Tokens, b.Tokens)
}

func TestGenerateEchoesPrompt(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t, model.Spec{})
	req := shortRequest("hi", 2)
	req.EchoPrompt = true
	req.NoTemplate = true

	var chunks []string
	_, err := e.Generate(context.Background(), req, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "hi", chunks[0])
}

func TestGenerateConfigurationError(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t, model.Spec{})
	req := shortRequest("x", 4)
	bad := -1.0
	req.Config.Temperature = &bad

	_, err := e.Generate(context.Background(), req, nil)
	var cfgErr *generation.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "temperature", cfgErr.Field)
}

func TestGenerateEmptyPrompt(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t, model.Spec{})
	req := shortRequest("", 4)
	req.NoTemplate = true

	_, err := e.Generate(context.Background(), req, nil)
	require.ErrorIs(t, err, generation.ErrInput)
}

func TestStartCanceledContext(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t, model.Spec{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Start(ctx, shortRequest("x", 4))
	require.True(t, errors.Is(err, context.Canceled))
}

func TestStartHandle(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t, model.Spec{})
	h, err := e.Start(context.Background(), shortRequest("pull", 6))
	require.NoError(t, err)

	text, err := h.Collect(context.Background())
	require.NoError(t, err)
	stats, err := h.Wait(context.Background())
	require.NoError(t, err)

	// <|user|> p u l l </s> \n <|assistant|>
	assert.Equal(t, 8, stats.PromptTokens)
	full, err := h.Text()
	require.NoError(t, err)
	assert.Equal(t, full, text)
}
