package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// VecMat computes dst[j] = sum_i x[i] * m[i][j], i.e. a row vector times a
// matrix. dst must have length m.C and x length m.R. The accumulation walks
// the matrix row by row so memory access stays sequential.
func VecMat(dst, x []float32, m *Mat) {
	if len(x) != m.R {
		panic("VecMat input length mismatch")
	}
	if len(dst) < m.C {
		panic("VecMat dst too small")
	}
	for j := 0; j < m.C; j++ {
		dst[j] = 0
	}
	for i := 0; i < m.R; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := m.Row(i)
		for j := range row {
			dst[j] += xi * row[j]
		}
	}
}

// Tanh applies the hyperbolic tangent element-wise in place.
func Tanh(x []float32) {
	for i := range x {
		x[i] = float32(math.Tanh(float64(x[i])))
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax converts logits to log-probabilities in place using the usual
// max-subtraction for numerical stability.
func LogSoftmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		sum += math.Exp(float64(x[i] - maxv))
	}
	lse := float32(math.Log(sum)) + maxv
	for i := range x {
		x[i] -= lse
	}
}

// Argmax returns the index of the maximum value in the slice. If the slice
// is empty it panics.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
