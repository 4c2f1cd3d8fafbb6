package kvcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DType{"": F32, "f32": F32, "FP32": F32, "f16": F16, "half": F16} {
		got, err := ParseDType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDType("bf16")
	assert.ErrorIs(t, err, ErrUnsupportedDType)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Layers: 1, Dim: 2, MaxSeqLen: 4, DType: "q8"})
	assert.ErrorIs(t, err, ErrUnsupportedDType)

	_, err = New(Config{Layers: 0, Dim: 2, MaxSeqLen: 4})
	assert.Error(t, err)
}

func TestAppendAndRead(t *testing.T) {
	t.Parallel()
	for _, dt := range []DType{F32, F16} {
		c, err := New(Config{Layers: 2, Dim: 3, MaxSeqLen: 8, DType: dt, Enabled: true})
		require.NoError(t, err)

		require.NoError(t, c.Append(0, []float32{1, 2, 3}, []float32{4, 5, 6}))
		require.NoError(t, c.Append(1, []float32{0.5, 0.25, -1}, []float32{7, 8, 9}))
		assert.Equal(t, 1, c.Len())

		dst := make([]float32, 3)
		c.Layer(0).KeyTo(dst, 0)
		assert.Equal(t, []float32{1, 2, 3}, dst, dt)
		c.Layer(1).ValueTo(dst, 0)
		assert.Equal(t, []float32{7, 8, 9}, dst, dt)
		assert.Equal(t, int64(2*2*3*dt.size()), c.Bytes())
	}
}

func TestAppendShapeMismatch(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Layers: 1, Dim: 2, MaxSeqLen: 2})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Append(0, []float32{1}, []float32{1, 2}), ErrShape)
	assert.Error(t, c.Append(3, []float32{1, 2}, []float32{1, 2}))
}

func TestCacheFullAndReset(t *testing.T) {
	t.Parallel()
	c, err := New(Config{Layers: 1, Dim: 1, MaxSeqLen: 2})
	require.NoError(t, err)
	require.NoError(t, c.Append(0, []float32{1}, []float32{1}))
	require.NoError(t, c.Append(0, []float32{2}, []float32{2}))
	assert.ErrorIs(t, c.Append(0, []float32{3}, []float32{3}), ErrCacheFull)

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
	require.NoError(t, c.Append(0, []float32{3}, []float32{3}))
}
