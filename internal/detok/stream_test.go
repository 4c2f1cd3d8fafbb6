package detok

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tableDecoder decodes ids by concatenating raw byte pieces.
type tableDecoder []string

func (d tableDecoder) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(d) {
			return "", errors.New("id out of range")
		}
		b.WriteString(d[id])
	}
	return b.String(), nil
}

func pushAll(t *testing.T, s *TokenOutputStream, ids ...int) []string {
	t.Helper()
	var out []string
	for _, id := range ids {
		frag, ok, err := s.Push(id)
		require.NoError(t, err)
		if ok {
			out = append(out, frag)
		}
	}
	return out
}

func TestPushHoldsPunctuationUntilWord(t *testing.T) {
	t.Parallel()
	vocab := tableDecoder{"Hello", ",", " world", "!"}
	s := New(vocab)

	got := pushAll(t, s, 0, 1, 2, 3)
	assert.Equal(t, []string{"Hello", ", world"}, got)

	rest, ok, err := s.Flush()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "!", rest)

	all, err := s.DecodeAll()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!", strings.Join(got, "")+rest)
	assert.Equal(t, "Hello, world!", all)
}

func TestPushNeverSplitsMultiByteCharacters(t *testing.T) {
	t.Parallel()
	// "é" is 0xC3 0xA9, "猫" is 0xE7 0x8C 0xAB.
	vocab := tableDecoder{"caf", "\xc3", "\xa9", " ", "\xe7", "\x8c", "\xab"}
	s := New(vocab)

	got := pushAll(t, s, 0, 1, 2, 3, 4, 5, 6)
	assert.Equal(t, []string{"caf", "é", " 猫"}, got)
	for _, frag := range got {
		assert.True(t, strings.ToValidUTF8(frag, "?") == frag, "fragment %q is not valid UTF-8", frag)
	}
}

func TestFlushWithNothingPending(t *testing.T) {
	t.Parallel()
	s := New(tableDecoder{"abc"})
	_, ok, err := s.Flush()
	require.NoError(t, err)
	assert.False(t, ok)

	pushAll(t, s, 0)
	_, ok, err = s.Flush()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConcatenationMatchesDecodeAll(t *testing.T) {
	t.Parallel()
	vocab := tableDecoder{"a", "bc", " ", ".", "\n", "\xc3", "\xa9", "7", "--", "\xe2\x82", "\xac", "Z"}
	rng := rand.New(rand.NewSource(299792458))

	for round := range 200 {
		s := New(vocab)
		ids := make([]int, 1+rng.Intn(40))
		for i := range ids {
			ids[i] = rng.Intn(len(vocab))
		}
		var b strings.Builder
		for _, frag := range pushAll(t, s, ids...) {
			b.WriteString(frag)
		}
		rest, _, err := s.Flush()
		require.NoError(t, err)
		b.WriteString(rest)

		all, err := s.DecodeAll()
		require.NoError(t, err)
		require.Equalf(t, all, b.String(), "round %d ids %v", round, ids)
	}
}

func TestMaxPendingForcesEmission(t *testing.T) {
	t.Parallel()
	s := New(tableDecoder{",", " "}, WithMaxPending(3))
	got := pushAll(t, s, 0, 1, 0)
	assert.Equal(t, []string{", ,"}, got)
	assert.Equal(t, 0, s.Pending())

	unbounded := New(tableDecoder{",", " "})
	assert.Empty(t, pushAll(t, unbounded, 0, 1, 0, 1, 0))
	assert.Equal(t, 5, unbounded.Pending())
}

func TestMaxPendingWaitsForValidUTF8(t *testing.T) {
	t.Parallel()
	s := New(tableDecoder{"\xe7", "\x8c", "\xab"}, WithMaxPending(1))
	got := pushAll(t, s, 0, 1, 2)
	assert.Equal(t, []string{"猫"}, got)
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := New(tableDecoder{"x", "!"})
	pushAll(t, s, 0, 1)
	s.Clear()
	assert.Empty(t, s.Tokens())
	all, err := s.DecodeAll()
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Equal(t, []string{"x"}, pushAll(t, s, 0))
}

func TestDecodeErrorPropagates(t *testing.T) {
	t.Parallel()
	s := New(tableDecoder{"x"})
	_, _, err := s.Push(9)
	assert.Error(t, err)
}
