package tensor

// Array is a dense row-major float32 array of arbitrary rank. It exists for
// callers that need to move opaque per-hypothesis payloads through decoding:
// only the leading dimension is ever reindexed by this package's helpers,
// the trailing dimensions are owned by the caller and preserved verbatim.
//
// Like Mat, Array panics on misuse rather than returning errors; it sits at
// the bottom of the stack where an out-of-range index is a programmer error.
type Array struct {
	Shape []int
	Data  []float32
}

// NewArray allocates a zero-initialised array with the given shape.
func NewArray(shape ...int) *Array {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for array")
		}
		n *= d
	}
	return &Array{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// NewArrayFromData creates an array backed by existing data. It checks that
// the data length matches the product of the shape.
func NewArrayFromData(shape []int, data []float32) *Array {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for array")
		}
		n *= d
	}
	if n != len(data) {
		panic("data length mismatch")
	}
	return &Array{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}
}

// Lead returns the size of the leading dimension. A rank-0 array has a
// leading dimension of 1.
func (a *Array) Lead() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return a.Shape[0]
}

// BlockSize returns the number of elements per leading-dimension entry,
// i.e. the product of the trailing dimensions.
func (a *Array) BlockSize() int {
	if len(a.Shape) == 0 {
		return 1
	}
	n := 1
	for _, d := range a.Shape[1:] {
		n *= d
	}
	return n
}

// Block returns a view of the i-th leading-dimension entry as a flat slice
// of length BlockSize. Modifications to the returned slice update the
// underlying array.
func (a *Array) Block(i int) []float32 {
	if i < 0 || i >= a.Lead() {
		panic("block index out of range")
	}
	bs := a.BlockSize()
	return a.Data[i*bs : (i+1)*bs]
}

// Clone returns a deep copy of the array.
func (a *Array) Clone() *Array {
	out := &Array{
		Shape: append([]int(nil), a.Shape...),
		Data:  make([]float32, len(a.Data)),
	}
	copy(out.Data, a.Data)
	return out
}

// Replicate repeats every leading-dimension entry `times` times
// consecutively, growing the leading dimension by that factor. Trailing
// dimensions are unchanged. Entry i of the input occupies entries
// i*times..(i+1)*times-1 of the output.
func (a *Array) Replicate(times int) *Array {
	if times <= 0 {
		panic("replicate count must be positive")
	}
	lead := a.Lead()
	shape := append([]int(nil), a.Shape...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	shape[0] = lead * times
	out := NewArray(shape...)
	for i := 0; i < lead; i++ {
		src := a.Block(i)
		for j := 0; j < times; j++ {
			copy(out.Block(i*times+j), src)
		}
	}
	return out
}

// GatherLead builds a new array whose leading-dimension entry i is a copy of
// the receiver's entry indices[i]. The output leading dimension equals
// len(indices); trailing dimensions are unchanged. Indices may repeat.
func (a *Array) GatherLead(indices []int) *Array {
	lead := a.Lead()
	shape := append([]int(nil), a.Shape...)
	if len(shape) == 0 {
		shape = []int{1}
	}
	shape[0] = len(indices)
	out := NewArray(shape...)
	for i, src := range indices {
		if src < 0 || src >= lead {
			panic("gather index out of range")
		}
		copy(out.Block(i), a.Block(src))
	}
	return out
}
