package kvcache

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"

	"github.com/pagekv/pagekv/memory"
)

// Block is one fixed-size page of cache storage. Its id is stable for the
// lifetime of the pool; tier and offset name the backing bytes and change only
// when content moves between tiers.
//
// A block participates in the prefix index when it caches a full token chunk:
// parent is the block holding the preceding chunk and children the blocks
// holding following chunks, bucketed by chunk hash. refCount counts sequences
// (and beams) holding the block; schedRefCount is the scheduler simulation's
// shadow of it.
type Block struct {
	id     int
	tier   memory.Tier
	offset int

	refCount      int
	schedRefCount int

	tokens []int32
	full   bool

	parent   *Block
	children map[uint64][]*Block

	// free queue bookkeeping, owned by freeList.
	freePos int64
	inFree  bool
}

// chunkHash narrows the child search to a bucket; only exact token equality
// decides a match.
func chunkHash(tokens []int32) uint64 {
	var d xxhash.Digest
	var buf [4]byte
	for _, t := range tokens {
		binary.LittleEndian.PutUint32(buf[:], uint32(t))
		d.Write(buf[:])
	}

	return d.Sum64()
}

func (b *Block) hasRefs() bool {
	return b.refCount > 0
}

func (b *Block) isShared() bool {
	return b.refCount > 1
}

func (b *Block) isLeaf() bool {
	return len(b.children) == 0
}

// setTokens records the chunk a block caches. The caller's slice is not
// retained. Shared blocks are immutable.
func (b *Block) setTokens(tokens []int32, full bool) {
	if b.isShared() {
		panic("kvcache: writing tokens to a shared block")
	}

	b.tokens = slices.Clone(tokens)
	b.full = full
}

func (b *Block) addChild(child *Block) {
	if b.children == nil {
		b.children = make(map[uint64][]*Block)
	}

	key := chunkHash(child.tokens)
	b.children[key] = append(b.children[key], child)
	child.parent = b
}

func (b *Block) removeChild(child *Block) {
	key := chunkHash(child.tokens)
	bucket := slices.DeleteFunc(b.children[key], func(c *Block) bool { return c == child })
	if len(bucket) == 0 {
		delete(b.children, key)
	} else {
		b.children[key] = bucket
	}

	child.parent = nil
}

// findMatchingChild returns the child caching exactly tokens, or nil.
func (b *Block) findMatchingChild(tokens []int32) *Block {
	for _, c := range b.children[chunkHash(tokens)] {
		if slices.Equal(c.tokens, tokens) {
			return c
		}
	}

	return nil
}

// swapStorage exchanges the backing bytes of two blocks, leaving content,
// references and index linkage in place.
func (b *Block) swapStorage(other *Block) {
	b.tier, other.tier = other.tier, b.tier
	b.offset, other.offset = other.offset, b.offset
}
