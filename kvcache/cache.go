// Package kvcache implements a paged key/value cache allocator for
// transformer inference. A fixed pool of fixed-size blocks is shared across
// concurrent generation sequences, with content-addressed reuse of previously
// computed prefixes, beam-aware block sharing, sliding-window eviction and an
// optional slower offload tier.
//
// The allocator performs no attention compute and makes no admission
// decisions: the scheduler feeds it token counts and lifecycle events, and
// reads back block index tables and capacity statistics.
package kvcache

import (
	"errors"

	"github.com/pagekv/pagekv/memory"
)

var (
	// ErrNoFreeBlocks is returned when no block can be obtained even
	// after eviction. The caller must defer or reject the sequence; the
	// allocator never blocks waiting for capacity.
	ErrNoFreeBlocks = errors.New("no free kv cache blocks")

	ErrUnknownSequence   = errors.New("unknown sequence slot")
	ErrDuplicateSequence = errors.New("sequence slot already in use")
)

// Config fixes the shape of the cache at construction time.
type Config struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int
	DType      memory.DType

	TokensPerBlock  int
	PrimaryBlocks   int
	SecondaryBlocks int

	MaxSequences int
	MaxBeamWidth int

	// AttentionWindow is the maximum number of tokens a sequence attends
	// to; generation past it recycles block slots cyclically. SinkTokens
	// are always retained at the start of the sequence.
	AttentionWindow int
	SinkTokens      int

	// UseOneMoreBlock grows the per-sequence block budget by one block so
	// parallel beams can diverge on the window wrap boundary.
	UseOneMoreBlock bool

	// EnableReuse keeps released blocks indexed by content so later
	// sequences with an identical prefix start with a cache hit.
	EnableReuse bool

	// OnboardBlocks copies an offloaded block back into the primary tier
	// before it is handed to compute.
	OnboardBlocks bool
}

// BlockBytes is the storage footprint of one block: K and V for every layer,
// head and token position.
func (c Config) BlockBytes() int {
	return c.TokensPerBlock * c.CacheBytesPerToken()
}

// CacheBytesPerToken is 2 * layers * kvHeads * headDim elements.
func (c Config) CacheBytesPerToken() int {
	return 2 * c.NumLayers * c.NumKVHeads * c.HeadDim * c.DType.Size()
}

// Stats is a point-in-time capacity snapshot for the scheduler. The
// allocation counters are cumulative; ReusedBlocks counts prefix hits.
type Stats struct {
	MaxBlocks      int
	FreeBlocks     int
	UsedBlocks     int
	TokensPerBlock int

	AllocatedBlocks int
	ReusedBlocks    int
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func chunkTokens(tokens []int32, size int) [][]int32 {
	chunks := make([][]int32, 0, ceilDiv(len(tokens), size))
	for len(tokens) > size {
		chunks = append(chunks, tokens[:size])
		tokens = tokens[size:]
	}

	return append(chunks, tokens)
}
