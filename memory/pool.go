// Package memory provides the backing storage for the paged KV cache: two
// fixed-size byte arenas (a fast primary tier and a slower secondary tier for
// offloaded blocks) plus a stream-ordered copy engine. Block contents are
// opaque bytes; the allocator in package kvcache only moves whole blocks.
package memory

import (
	"log/slog"

	"github.com/pagekv/pagekv/format"
)

// Tier selects which arena a block offset addresses.
type Tier uint8

const (
	Primary Tier = iota
	Secondary
)

func (t Tier) String() string {
	switch t {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	}

	return "unknown"
}

// Pool is the raw storage for cache blocks. Capacity is fixed at
// construction; there is no dynamic resizing.
type Pool struct {
	blockBytes int
	arenas     [2][]byte
	counts     [2]int
}

func NewPool(primaryBlocks, secondaryBlocks, blockBytes int) *Pool {
	p := &Pool{
		blockBytes: blockBytes,
		counts:     [2]int{primaryBlocks, secondaryBlocks},
	}
	p.arenas[Primary] = make([]byte, primaryBlocks*blockBytes)
	p.arenas[Secondary] = make([]byte, secondaryBlocks*blockBytes)

	slog.Debug("allocated kv cache pools",
		"primary", format.HumanBytes(int64(len(p.arenas[Primary]))),
		"secondary", format.HumanBytes(int64(len(p.arenas[Secondary]))),
		"block_bytes", format.HumanBytes(int64(blockBytes)))

	return p
}

// Block returns the storage backing one block. The slice is full-capped so
// copies cannot spill into a neighboring block.
func (p *Pool) Block(t Tier, offset int) []byte {
	if offset < 0 || offset >= p.counts[t] {
		panic("memory: block offset out of range")
	}

	begin := offset * p.blockBytes
	return p.arenas[t][begin : begin+p.blockBytes : begin+p.blockBytes]
}

// Blocks returns the number of blocks in a tier.
func (p *Pool) Blocks(t Tier) int {
	return p.counts[t]
}

func (p *Pool) BlockBytes() int {
	return p.blockBytes
}
