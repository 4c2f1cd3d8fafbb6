package model

import (
	"math/rand"

	"github.com/x448/float16"
)

// Mat is a dense row-major float32 matrix.
type Mat struct {
	R, C int
	Data []float32
}

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Data: make([]float32, r*c)}
}

// Row returns the i-th row as a slice aliasing the matrix storage.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	return m.Data[i*m.C : (i+1)*m.C]
}

// FillRand fills m with values uniform in (-scale, scale).
func FillRand(m *Mat, seed int64, scale float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * scale
	}
}

// RoundF16 rounds every element through half precision.
func RoundF16(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}
