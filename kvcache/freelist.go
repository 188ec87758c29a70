package kvcache

import (
	"github.com/emirpasic/gods/v2/maps/treemap"
)

// freeList is a FIFO of unreferenced blocks with O(log n) removal from the
// middle, which happens whenever a free block is reclaimed by a prefix hit.
// Blocks are keyed by a monotonic position so iteration order is insertion
// order; pushFront assigns positions below the current minimum.
type freeList struct {
	m           *treemap.Map[int64, *Block]
	front, back int64
}

func newFreeList() *freeList {
	return &freeList{m: treemap.New[int64, *Block]()}
}

func (f *freeList) push(b *Block, pos int64) {
	if b.inFree {
		panic("kvcache: block already in a free queue")
	}

	b.freePos = pos
	b.inFree = true
	f.m.Put(pos, b)
}

func (f *freeList) pushBack(b *Block) {
	f.push(b, f.back)
	f.back++
}

func (f *freeList) pushFront(b *Block) {
	f.front--
	f.push(b, f.front)
}

func (f *freeList) remove(b *Block) {
	if !b.inFree {
		panic("kvcache: removing block not in a free queue")
	}

	f.m.Remove(b.freePos)
	b.inFree = false
}

// firstLeaf returns the oldest free block with no dependants in the prefix
// index, or nil. Internal blocks stay queued; they become candidates once
// their children are evicted.
func (f *freeList) firstLeaf() *Block {
	it := f.m.Iterator()
	for it.Next() {
		if b := it.Value(); b.isLeaf() {
			return b
		}
	}

	return nil
}

func (f *freeList) len() int {
	return f.m.Size()
}
