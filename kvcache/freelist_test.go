package kvcache

import (
	"testing"
)

func TestFreeListFIFO(t *testing.T) {
	f := newFreeList()
	blocks := []*Block{{id: 0}, {id: 1}, {id: 2}}
	for _, b := range blocks {
		f.pushBack(b)
	}

	for want := 0; want < 3; want++ {
		b := f.firstLeaf()
		if b == nil || b.id != want {
			t.Fatalf("firstLeaf = %v, want block %d", b, want)
		}
		f.remove(b)
	}

	if f.len() != 0 {
		t.Errorf("len = %d after draining, want 0", f.len())
	}
}

func TestFreeListPushFront(t *testing.T) {
	f := newFreeList()
	f.pushBack(&Block{id: 0})
	f.pushFront(&Block{id: 1})

	if b := f.firstLeaf(); b.id != 1 {
		t.Errorf("firstLeaf = %d, want front block 1", b.id)
	}
}

func TestFreeListRemoveMiddle(t *testing.T) {
	f := newFreeList()
	blocks := []*Block{{id: 0}, {id: 1}, {id: 2}}
	for _, b := range blocks {
		f.pushBack(b)
	}

	f.remove(blocks[1])

	if f.len() != 2 {
		t.Fatalf("len = %d, want 2", f.len())
	}

	if b := f.firstLeaf(); b.id != 0 {
		t.Errorf("firstLeaf = %d, want 0", b.id)
	}

	if blocks[1].inFree {
		t.Error("removed block still marked free")
	}
}

func TestFreeListSkipsInternalBlocks(t *testing.T) {
	f := newFreeList()

	parent := &Block{id: 0, tokens: []int32{1, 2}, full: true}
	child := &Block{id: 1, tokens: []int32{3, 4}, full: true}
	parent.addChild(child)

	// The parent was freed first but must not be evicted while the child
	// depends on it.
	f.pushBack(parent)
	f.pushBack(child)

	if b := f.firstLeaf(); b != child {
		t.Errorf("firstLeaf = %v, want the leaf child", b)
	}

	f.remove(child)
	parent.removeChild(child)

	if b := f.firstLeaf(); b != parent {
		t.Errorf("firstLeaf = %v, want parent once it became a leaf", b)
	}
}

func TestFreeListDoublePushPanics(t *testing.T) {
	f := newFreeList()
	b := &Block{id: 0}
	f.pushBack(b)

	defer func() {
		if recover() == nil {
			t.Error("pushing a free block again should panic")
		}
	}()

	f.pushBack(b)
}
