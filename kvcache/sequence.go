package kvcache

import (
	"slices"
)

// sequence is the per-request allocation state: one block table per beam plus
// the prompt tokens, kept for content indexing at release.
type sequence struct {
	slot      int
	beamWidth int

	// numTokens counts prompt plus generated tokens, before sink padding.
	numTokens int
	tokens    []int32

	blockIDs     [][]int
	prepopulated []int

	// cyclic is set once generation wraps the attention window; from then
	// on block slots are recycled and the content is no longer a reusable
	// prefix.
	cyclic bool
}

func newSequence(slot, beamWidth int, tokens []int32) *sequence {
	return &sequence{
		slot:         slot,
		beamWidth:    beamWidth,
		numTokens:    len(tokens),
		tokens:       slices.Clone(tokens),
		blockIDs:     make([][]int, beamWidth),
		prepopulated: make([]int, beamWidth),
	}
}

func (s *sequence) addBlock(beam, id int) {
	s.blockIDs[beam] = append(s.blockIDs[beam], id)
}

func (s *sequence) popBlock(beam int) int {
	ids := s.blockIDs[beam]
	id := ids[len(ids)-1]
	s.blockIDs[beam] = ids[:len(ids)-1]
	return id
}

func (s *sequence) blockCount() int {
	return len(s.blockIDs[0])
}

func (s *sequence) clearBlocks() {
	for beam := range s.blockIDs {
		s.blockIDs[beam] = nil
	}
}
