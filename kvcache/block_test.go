package kvcache

import (
	"slices"
	"testing"

	"github.com/pagekv/pagekv/memory"
)

func TestFindMatchingChild(t *testing.T) {
	parent := &Block{id: 0}
	a := &Block{id: 1, tokens: []int32{1, 2, 3, 4}, full: true}
	b := &Block{id: 2, tokens: []int32{1, 2, 3, 5}, full: true}
	parent.addChild(a)
	parent.addChild(b)

	tests := []struct {
		name   string
		tokens []int32
		want   *Block
	}{
		{"FirstChild", []int32{1, 2, 3, 4}, a},
		{"SecondChild", []int32{1, 2, 3, 5}, b},
		{"NoMatch", []int32{9, 9, 9, 9}, nil},
		{"Prefix", []int32{1, 2, 3}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parent.findMatchingChild(tt.tokens); got != tt.want {
				t.Errorf("findMatchingChild(%v) = %v, want %v", tt.tokens, got, tt.want)
			}
		})
	}
}

func TestFindMatchingChildHashCollision(t *testing.T) {
	// Force a foreign block into the bucket ahead of the real match; only
	// exact token equality may decide.
	parent := &Block{id: 0}
	a := &Block{id: 1, tokens: []int32{1, 2, 3, 4}, full: true}
	b := &Block{id: 2, tokens: []int32{5, 6, 7, 8}, full: true}

	key := chunkHash(a.tokens)
	parent.children = map[uint64][]*Block{key: {b, a}}
	a.parent, b.parent = parent, parent

	if got := parent.findMatchingChild([]int32{1, 2, 3, 4}); got != a {
		t.Errorf("findMatchingChild did not resolve collision by token equality, got %v", got)
	}
}

func TestRemoveChild(t *testing.T) {
	parent := &Block{id: 0}
	child := &Block{id: 1, tokens: []int32{1, 2, 3, 4}, full: true}
	parent.addChild(child)

	if parent.isLeaf() {
		t.Fatal("parent should be internal after addChild")
	}

	parent.removeChild(child)

	if !parent.isLeaf() {
		t.Error("parent should be a leaf after removing its only child")
	}

	if child.parent != nil {
		t.Error("child should have no parent after removal")
	}
}

func TestSetTokensSharedPanics(t *testing.T) {
	b := &Block{id: 0, refCount: 2}

	defer func() {
		if recover() == nil {
			t.Error("setTokens on a shared block should panic")
		}
	}()

	b.setTokens([]int32{1, 2, 3, 4}, true)
}

func TestSetTokensClones(t *testing.T) {
	b := &Block{id: 0}
	tokens := []int32{1, 2, 3, 4}
	b.setTokens(tokens, true)
	tokens[0] = 9

	if !slices.Equal(b.tokens, []int32{1, 2, 3, 4}) {
		t.Errorf("block tokens aliased caller slice: %v", b.tokens)
	}
}

func TestSwapStorage(t *testing.T) {
	a := &Block{id: 0, tier: memory.Primary, offset: 3}
	b := &Block{id: 1, tier: memory.Secondary, offset: 7}

	a.swapStorage(b)

	if a.tier != memory.Secondary || a.offset != 7 {
		t.Errorf("a = %v/%d, want secondary/7", a.tier, a.offset)
	}

	if b.tier != memory.Primary || b.offset != 3 {
		t.Errorf("b = %v/%d, want primary/3", b.tier, b.offset)
	}
}
