package memory

// DType is the element type stored in the cache pools. The allocator only
// cares about element width; layout within a block is opaque.
type DType int

const (
	DTypeF16 DType = iota
	DTypeBF16
	DTypeF32
)

// Size returns the width of one element in bytes.
func (t DType) Size() int {
	switch t {
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeF32:
		return 4
	}

	panic("memory: unknown dtype")
}

func (t DType) String() string {
	switch t {
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeF32:
		return "F32"
	}

	return "unknown"
}
