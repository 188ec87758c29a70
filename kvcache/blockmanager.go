package kvcache

import (
	"fmt"

	"github.com/pagekv/pagekv/memory"
)

// blockManager owns the block arena, the per-tier free queues and the prefix
// index. Blocks keep their prefix index position after release so a later
// sequence with the same content can reuse them; eviction detaches them
// lazily, leaves first.
type blockManager struct {
	pool   *memory.Pool
	stream *memory.Stream

	// blocks is the arena; a block's id is its index here. Primary tier
	// blocks come first, then secondary.
	blocks []*Block

	freeQueues [2]*freeList

	// root anchors the prefix index. It caches no tokens; its children
	// are the first blocks of every indexed sequence.
	root *Block

	tokensPerBlock int
	onboardBlocks  bool
	offloadBlocks  bool

	// schedulingFree tracks hypothetical free blocks during scheduler
	// simulation; it never reflects or mutates the real queues.
	schedulingFree int

	// cumulative counters, reported through Stats.
	allocated int
	reused    int
}

func newBlockManager(pool *memory.Pool, stream *memory.Stream, tokensPerBlock int, onboard bool) *blockManager {
	primary := pool.Blocks(memory.Primary)
	secondary := pool.Blocks(memory.Secondary)

	bm := &blockManager{
		pool:           pool,
		stream:         stream,
		blocks:         make([]*Block, 0, primary+secondary),
		tokensPerBlock: tokensPerBlock,
		onboardBlocks:  onboard && secondary > 0,
		offloadBlocks:  secondary > 0,
		root:           &Block{id: -1},
	}
	bm.freeQueues[memory.Primary] = newFreeList()
	bm.freeQueues[memory.Secondary] = newFreeList()

	for i := range primary {
		b := &Block{id: i, tier: memory.Primary, offset: i}
		bm.blocks = append(bm.blocks, b)
		bm.freeQueues[memory.Primary].pushBack(b)
	}

	for i := range secondary {
		b := &Block{id: primary + i, tier: memory.Secondary, offset: i}
		bm.blocks = append(bm.blocks, b)
		bm.freeQueues[memory.Secondary].pushBack(b)
	}

	return bm
}

func (bm *blockManager) maxBlocks() int {
	return len(bm.blocks)
}

func (bm *blockManager) freeBlocks() int {
	return bm.freeQueues[memory.Primary].len() + bm.freeQueues[memory.Secondary].len()
}

// claim takes a reference to a block, pulling it out of its free queue on the
// 0 -> 1 transition.
func (bm *blockManager) claim(b *Block) {
	if b.inFree {
		bm.freeQueues[b.tier].remove(b)
	}

	b.refCount++
}

// release drops a reference; the last owner returns the block to its tier's
// free queue. toFront marks the block low-value so it is reclaimed first.
func (bm *blockManager) release(b *Block, toFront bool) {
	if b.refCount <= 0 {
		panic("kvcache: releasing unreferenced block")
	}

	b.refCount--
	if b.refCount == 0 {
		if toFront {
			bm.freeQueues[b.tier].pushFront(b)
		} else {
			bm.freeQueues[b.tier].pushBack(b)
		}
	}
}

// detachLeaf removes a block from the prefix index and forgets its content.
// The parent may become a leaf, and so an eviction candidate, as a result.
func (bm *blockManager) detachLeaf(b *Block) {
	if !b.isLeaf() {
		panic("kvcache: evicting internal block")
	}

	if b.parent != nil {
		b.parent.removeChild(b)
	}

	b.tokens = nil
	b.full = false
}

// getFreeBlock finds the block least likely to be reused and reclaims it:
// the first free primary leaf, else the first free secondary leaf. If the
// primary leaf still caches a chunk and a secondary slot is available, its
// content is offloaded (the prefix index node keeps the bytes in the slow
// tier) and only the fast storage changes hands.
func (bm *blockManager) getFreeBlock() (*Block, error) {
	if b := bm.freeQueues[memory.Primary].firstLeaf(); b != nil {
		bm.freeQueues[memory.Primary].remove(b)

		if bm.offloadBlocks && b.parent != nil {
			if victim := bm.freeQueues[memory.Secondary].firstLeaf(); victim != nil {
				bm.freeQueues[memory.Secondary].remove(victim)
				bm.detachLeaf(victim)
				bm.copyBlock(b, victim)
				b.swapStorage(victim)
				bm.freeQueues[memory.Secondary].pushBack(b)
				return victim, nil
			}
		}

		bm.detachLeaf(b)
		return b, nil
	}

	if b := bm.freeQueues[memory.Secondary].firstLeaf(); b != nil {
		bm.freeQueues[memory.Secondary].remove(b)
		bm.detachLeaf(b)
		return b, nil
	}

	return nil, ErrNoFreeBlocks
}

// onboard moves an offloaded block back to the primary tier before compute
// reads it. Best effort: with no reclaimable primary storage the block is
// served from the slow tier. A block found through the prefix index may still
// sit in the secondary free queue; it must requeue under its new tier before
// any claim resolves its queue by tier.
func (bm *blockManager) onboard(b *Block) {
	if !bm.onboardBlocks || b.tier == memory.Primary {
		return
	}

	victim := bm.freeQueues[memory.Primary].firstLeaf()
	if victim == nil {
		return
	}

	bm.freeQueues[memory.Primary].remove(victim)
	bm.detachLeaf(victim)

	wasFree := b.inFree
	if wasFree {
		bm.freeQueues[memory.Secondary].remove(b)
	}

	bm.copyBlock(b, victim)
	b.swapStorage(victim)
	bm.freeQueues[memory.Secondary].pushFront(victim)

	if wasFree {
		bm.freeQueues[memory.Primary].pushBack(b)
	}
}

// copyBlock enqueues a stream-ordered copy of src's content into dst.
func (bm *blockManager) copyBlock(src, dst *Block) {
	bm.stream.Copy(bm.pool.Block(dst.tier, dst.offset), bm.pool.Block(src.tier, src.offset))
}

// allocateBlock assigns one fresh block per beam, or a single block to all
// beams when shareAmongBeams is set.
func (bm *blockManager) allocateBlock(seq *sequence, shareAmongBeams bool) error {
	if shareAmongBeams {
		b, err := bm.getFreeBlock()
		if err != nil {
			return err
		}

		for beam := range seq.beamWidth {
			bm.claim(b)
			seq.addBlock(beam, b.id)
		}
	} else {
		for beam := range seq.beamWidth {
			b, err := bm.getFreeBlock()
			if err != nil {
				return err
			}

			bm.claim(b)
			seq.addBlock(beam, b.id)
		}
	}

	bm.allocated += seq.beamWidth
	return nil
}

// replaceSharedBlock prepares the block slot at pos to be overwritten. A
// block that is shared with another owner, or that anchors descendants in
// the prefix index, is forked: a fresh block is claimed, the content copied
// over, and the beam's table repointed, leaving the original with its other
// owners. A sole-owned leaf that is still indexed merely drops its stale
// index entry.
func (bm *blockManager) replaceSharedBlock(seq *sequence, pos int) error {
	for beam := range seq.beamWidth {
		b := bm.blocks[seq.blockIDs[beam][pos]]

		switch {
		case b.isShared() || !b.isLeaf():
			fresh, err := bm.getFreeBlock()
			if err != nil {
				return err
			}

			bm.claim(fresh)
			bm.copyBlock(b, fresh)
			bm.release(b, false)
			seq.blockIDs[beam][pos] = fresh.id
			bm.allocated++

		case b.parent != nil:
			bm.detachLeaf(b)
		}
	}

	return nil
}

// loadOrAllocateBlocks walks the prefix index chunk by chunk, reusing every
// full block that matches and allocating from the first miss onward. Fresh
// full blocks are indexed immediately so following sequences can share them;
// a partial tail is never indexed while it is still being written. Returns
// the number of tokens satisfied from cache.
func (bm *blockManager) loadOrAllocateBlocks(chunks [][]int32, seq *sequence) (int, error) {
	prepopulated := 0
	matching := true
	search := bm.root
	fresh := make(map[int]bool)

	for _, chunk := range chunks {
		full := len(chunk) == bm.tokensPerBlock

		if matching && full {
			if match := search.findMatchingChild(chunk); match != nil && match.full {
				bm.onboard(match)
				bm.claim(match)
				seq.addBlock(0, match.id)
				prepopulated += len(chunk)
				bm.reused++
				search = match
				continue
			}

			matching = false
		}

		b, err := bm.getFreeBlock()
		if err != nil {
			bm.rollback(seq, fresh)
			return 0, fmt.Errorf("allocating context blocks: %w", err)
		}

		bm.claim(b)
		b.setTokens(chunk, full)
		if full {
			search.addChild(b)
			search = b
		}

		seq.addBlock(0, b.id)
		fresh[b.id] = true
		bm.allocated++
	}

	return prepopulated, nil
}

// rollback undoes a partially assembled context allocation. Fresh blocks
// never received computed content, so they are detached from the prefix
// index before going back on the free queue; reused blocks just drop the
// reference they gained.
func (bm *blockManager) rollback(seq *sequence, fresh map[int]bool) {
	ids := seq.blockIDs[0]
	for i := len(ids) - 1; i >= 0; i-- {
		b := bm.blocks[ids[i]]
		b.refCount--
		if b.refCount == 0 {
			if fresh[b.id] {
				bm.detachLeaf(b)
			}
			bm.freeQueues[b.tier].pushFront(b)
		}
	}

	seq.clearBlocks()
}

// storeBlocks indexes the full chunks of a finished sequence so its blocks
// survive release as reusable cache content. Chunks already present in the
// index are skipped; the sequence's duplicate block stays unindexed.
func (bm *blockManager) storeBlocks(chunks [][]int32, ids []int) {
	search := bm.root
	for i, chunk := range chunks {
		if i >= len(ids) || len(chunk) != bm.tokensPerBlock {
			break
		}

		if match := search.findMatchingChild(chunk); match != nil {
			search = match
			continue
		}

		b := bm.blocks[ids[i]]
		if b.parent != nil {
			break
		}

		b.setTokens(chunk, true)
		search.addChild(b)
		search = b
	}
}

// releaseBlocks returns all of a sequence's blocks to the free queues,
// optionally indexing its content first. Blocks shared with other sequences
// stay allocated; blocks left in the prefix index are reclaimed lazily.
func (bm *blockManager) releaseBlocks(seq *sequence, store bool) {
	if store && seq.beamWidth == 1 {
		bm.storeBlocks(chunkTokens(seq.tokens, bm.tokensPerBlock), seq.blockIDs[0])
	}

	for _, beam := range seq.blockIDs {
		for _, id := range beam {
			bm.release(bm.blocks[id], false)
		}
	}

	seq.clearBlocks()
}

// releaseLastBlock drops the trailing block of every beam, pushing it to the
// front of its free queue: a rewound block holds rejected content.
func (bm *blockManager) releaseLastBlock(seq *sequence) {
	for beam := range seq.blockIDs {
		id := seq.popBlock(beam)
		bm.release(bm.blocks[id], true)
	}
}

// startScheduling snapshots reference counts so the scheduler can simulate
// freeing sequences without touching real state.
func (bm *blockManager) startScheduling() {
	bm.schedulingFree = bm.freeBlocks()
	for _, b := range bm.blocks {
		b.schedRefCount = b.refCount
	}
}

// schedulingReleaseBlocks simulates releasing a sequence's blocks against
// the scheduling snapshot.
func (bm *blockManager) schedulingReleaseBlocks(seq *sequence) {
	for _, beam := range seq.blockIDs {
		for _, id := range beam {
			b := bm.blocks[id]
			if b.schedRefCount <= 0 {
				panic("kvcache: scheduling release of unreferenced block")
			}

			b.schedRefCount--
			if b.schedRefCount == 0 {
				bm.schedulingFree++
			}
		}
	}
}
