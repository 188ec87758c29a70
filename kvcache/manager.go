package kvcache

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/pagekv/pagekv/envconfig"
	"github.com/pagekv/pagekv/format"
	"github.com/pagekv/pagekv/memory"
)

// Manager translates sequence lifecycle events into block operations. All
// methods must be called from the single scheduler goroutine; the manager
// does no internal locking. The only asynchronous work is block copies,
// which are stream ordered and never block the caller.
type Manager struct {
	cfg    Config
	pool   *memory.Pool
	stream *memory.Stream
	bm     *blockManager

	sequences []*sequence

	// Sliding window geometry. The sink tokens at the start of a
	// sequence are padded with a bubble so they occupy whole blocks;
	// positions at or beyond maxTokens wrap around the non-sink slots.
	sinkBubble      int
	sinkBlockTokens int
	maxTokens       int
	maxBlocksPerSeq int

	reuse bool
}

func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.NumLayers <= 0 || cfg.NumKVHeads <= 0 || cfg.HeadDim <= 0:
		return nil, fmt.Errorf("invalid model shape: layers=%d heads=%d dim=%d", cfg.NumLayers, cfg.NumKVHeads, cfg.HeadDim)
	case cfg.TokensPerBlock <= 0:
		return nil, fmt.Errorf("invalid tokens per block: %d", cfg.TokensPerBlock)
	case cfg.PrimaryBlocks <= 0 || cfg.SecondaryBlocks < 0:
		return nil, fmt.Errorf("invalid pool size: primary=%d secondary=%d", cfg.PrimaryBlocks, cfg.SecondaryBlocks)
	case cfg.MaxSequences <= 0:
		return nil, fmt.Errorf("invalid max sequences: %d", cfg.MaxSequences)
	case cfg.MaxBeamWidth <= 0:
		return nil, fmt.Errorf("invalid max beam width: %d", cfg.MaxBeamWidth)
	case cfg.AttentionWindow <= 0:
		return nil, fmt.Errorf("invalid attention window: %d", cfg.AttentionWindow)
	case cfg.SinkTokens < 0 || cfg.SinkTokens >= cfg.AttentionWindow:
		return nil, fmt.Errorf("sink tokens (%d) must be smaller than the attention window (%d)", cfg.SinkTokens, cfg.AttentionWindow)
	}

	m := &Manager{
		cfg:       cfg,
		sequences: make([]*sequence, cfg.MaxSequences),
		reuse:     cfg.EnableReuse && !envconfig.NoReuse,
	}

	if cfg.SinkTokens%cfg.TokensPerBlock != 0 {
		m.sinkBubble = cfg.TokensPerBlock - cfg.SinkTokens%cfg.TokensPerBlock
	}
	m.sinkBlockTokens = cfg.SinkTokens + m.sinkBubble
	m.maxTokens = cfg.AttentionWindow + m.sinkBubble
	if cfg.UseOneMoreBlock {
		m.maxTokens += cfg.TokensPerBlock
	}
	m.maxBlocksPerSeq = ceilDiv(m.maxTokens, cfg.TokensPerBlock)

	m.pool = memory.NewPool(cfg.PrimaryBlocks, cfg.SecondaryBlocks, cfg.BlockBytes())
	m.stream = memory.NewStream(envconfig.CopyQueueDepth)
	m.bm = newBlockManager(m.pool, m.stream, cfg.TokensPerBlock, cfg.OnboardBlocks && !envconfig.NoOffload)

	slog.Info("kv cache manager",
		"blocks", cfg.PrimaryBlocks+cfg.SecondaryBlocks,
		"tokens_per_block", cfg.TokensPerBlock,
		"window", cfg.AttentionWindow,
		"sink", cfg.SinkTokens,
		"reuse", m.reuse,
		"cache_size", format.HumanBytes(int64((cfg.PrimaryBlocks+cfg.SecondaryBlocks)*cfg.BlockBytes())))

	return m, nil
}

// Close drains in-flight block copies and releases the copy stream.
func (m *Manager) Close() error {
	return m.stream.Close()
}

func (m *Manager) sequence(slot int) (*sequence, error) {
	if slot < 0 || slot >= len(m.sequences) || m.sequences[slot] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSequence, slot)
	}

	return m.sequences[slot], nil
}

// AddSequence assigns blocks for a new sequence, reusing cached prefixes
// where possible. It returns, per beam, the number of prompt tokens already
// satisfied by reused blocks; the executor skips recomputing those positions.
// On any allocation failure the pool is left as it was.
func (m *Manager) AddSequence(slot int, tokens []int32, beamWidth int) ([]int, error) {
	if slot < 0 || slot >= len(m.sequences) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSequence, slot)
	}

	if m.sequences[slot] != nil {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateSequence, slot)
	}

	if beamWidth < 1 || beamWidth > m.cfg.MaxBeamWidth {
		return nil, fmt.Errorf("beam width %d out of range [1, %d]", beamWidth, m.cfg.MaxBeamWidth)
	}

	if len(tokens) == 0 {
		return nil, fmt.Errorf("sequence %d has no tokens", slot)
	}

	seq := newSequence(slot, beamWidth, tokens)
	effLen := len(tokens) + m.sinkBubble

	// Content addressing assumes chunk boundaries line up with token
	// positions, so reuse is limited to single-beam sequences without a
	// sink bubble that fit the window.
	if m.reuse && beamWidth == 1 && m.sinkBubble == 0 && effLen <= m.maxTokens {
		prepopulated, err := m.bm.loadOrAllocateBlocks(chunkTokens(tokens, m.cfg.TokensPerBlock), seq)
		if err != nil {
			return nil, err
		}

		seq.prepopulated[0] = prepopulated
	} else {
		numBlocks := min(ceilDiv(effLen, m.cfg.TokensPerBlock), m.maxBlocksPerSeq)

		// The last context block receives generated tokens, which
		// differ per beam, so it must not be shared.
		unshared := -1
		if beamWidth > 1 {
			unshared = numBlocks - 1
		}

		for i := range numBlocks {
			if err := m.bm.allocateBlock(seq, i != unshared); err != nil {
				m.bm.releaseBlocks(seq, false)
				return nil, err
			}
		}

		seq.cyclic = effLen > m.maxTokens
	}

	m.sequences[slot] = seq
	return slices.Clone(seq.prepopulated), nil
}

// AddToken extends a sequence by one generated token, allocating or
// recycling a block when the token opens a new block slot.
func (m *Manager) AddToken(slot int) error {
	return m.AddTokens(slot, 1)
}

// AddTokens extends a sequence by n generated tokens.
func (m *Manager) AddTokens(slot, n int) error {
	seq, err := m.sequence(slot)
	if err != nil {
		return err
	}

	for range n {
		if err := m.updateToken(seq, true); err != nil {
			return err
		}
	}

	return nil
}

// RemoveToken undoes the last generated token.
func (m *Manager) RemoveToken(slot int) error {
	return m.Rewind(slot, 1)
}

// Rewind undoes the last n tokens, releasing trailing blocks that are no
// longer needed. Used on the speculative decoding rejection path.
func (m *Manager) Rewind(slot, n int) error {
	seq, err := m.sequence(slot)
	if err != nil {
		return err
	}

	if n < 0 || n > seq.numTokens {
		return fmt.Errorf("cannot rewind %d of %d tokens in sequence %d", n, seq.numTokens, slot)
	}

	for range n {
		if err := m.updateToken(seq, false); err != nil {
			return err
		}
	}

	return nil
}

// wrap maps an effective token position into the fixed per-sequence block
// span: sink blocks are immutable, everything past them cycles.
func (m *Manager) wrap(pos int) int {
	if pos < m.maxTokens {
		return pos
	}

	return m.sinkBlockTokens + (pos-m.sinkBlockTokens)%(m.maxTokens-m.sinkBlockTokens)
}

func (m *Manager) updateToken(seq *sequence, add bool) error {
	var pos int
	if add {
		pos = seq.numTokens + m.sinkBubble
		seq.numTokens++
	} else {
		seq.numTokens--
		pos = seq.numTokens + m.sinkBubble
	}

	if pos <= 0 {
		return nil
	}

	slotNow := m.wrap(pos) / m.cfg.TokensPerBlock
	slotPrev := m.wrap(pos-1) / m.cfg.TokensPerBlock
	if slotNow == slotPrev {
		return nil
	}

	if add {
		if pos >= m.maxTokens {
			seq.cyclic = true
		}

		if slotNow < seq.blockCount() {
			// The window wrapped onto an existing slot: recycle it
			// in place, forking any copy that is shared or still
			// indexed.
			return m.bm.replaceSharedBlock(seq, slotNow)
		}

		return m.bm.allocateBlock(seq, false)
	}

	if seq.cyclic {
		// Recycled slots hold the live window tail; keep them.
		return nil
	}

	m.bm.releaseLastBlock(seq)
	return nil
}

// RemoveSequence releases all blocks of a sequence. With reuse enabled the
// blocks stay in the prefix index, so a later identical prompt is a cache
// hit; they are reclaimed lazily under memory pressure.
func (m *Manager) RemoveSequence(slot int) error {
	seq, err := m.sequence(slot)
	if err != nil {
		return err
	}

	store := m.reuse && seq.beamWidth == 1 && !seq.cyclic && m.sinkBubble == 0
	m.bm.releaseBlocks(seq, store)
	m.sequences[slot] = nil
	return nil
}

// BlockIDs returns the ordered block indices backing one beam of a sequence.
// The executor maps these to physical offsets via the memory pool.
func (m *Manager) BlockIDs(slot, beam int) ([]int, error) {
	seq, err := m.sequence(slot)
	if err != nil {
		return nil, err
	}

	if beam < 0 || beam >= seq.beamWidth {
		return nil, fmt.Errorf("beam %d out of range for sequence %d", beam, slot)
	}

	return slices.Clone(seq.blockIDs[beam]), nil
}

// PrepopulatedTokens reports how many of a beam's prompt tokens were
// satisfied from reused blocks at admission.
func (m *Manager) PrepopulatedTokens(slot, beam int) (int, error) {
	seq, err := m.sequence(slot)
	if err != nil {
		return 0, err
	}

	if beam < 0 || beam >= seq.beamWidth {
		return 0, fmt.Errorf("beam %d out of range for sequence %d", beam, slot)
	}

	return seq.prepopulated[beam], nil
}

func (m *Manager) Stats() Stats {
	free := m.bm.freeBlocks()
	return Stats{
		MaxBlocks:      m.bm.maxBlocks(),
		FreeBlocks:     free,
		UsedBlocks:     m.bm.maxBlocks() - free,
		TokensPerBlock: m.cfg.TokensPerBlock,

		AllocatedBlocks: m.bm.allocated,
		ReusedBlocks:    m.bm.reused,
	}
}

// Pool exposes the block index to physical storage mapping for the
// execution layer.
func (m *Manager) Pool() *memory.Pool {
	return m.pool
}

// BlockStorage resolves a block id to its backing bytes.
func (m *Manager) BlockStorage(id int) []byte {
	b := m.bm.blocks[id]
	return m.pool.Block(b.tier, b.offset)
}

// StartScheduling begins a what-if pass: SchedulingRemoveSequence simulates
// releases against a snapshot and SchedulingFreeBlocks reports the result,
// with no effect on real allocation state.
func (m *Manager) StartScheduling() {
	m.bm.startScheduling()
}

func (m *Manager) SchedulingRemoveSequence(slot int) error {
	seq, err := m.sequence(slot)
	if err != nil {
		return err
	}

	m.bm.schedulingReleaseBlocks(seq)
	return nil
}

func (m *Manager) SchedulingFreeBlocks() int {
	return m.bm.schedulingFree
}
