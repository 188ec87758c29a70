package kvcache

// Request describes a generation request for capacity planning. Planning
// queries are pure: they never touch pool state, and they apply the same
// sink/window geometry as real allocation.
type Request struct {
	// PromptTokens is the prompt length; GeneratedTokens how many tokens
	// have been produced so far (zero before prefill).
	PromptTokens    int
	GeneratedTokens int

	BeamWidth int

	// MaxNewTokens is the request's generation budget.
	MaxNewTokens int
}

func (r Request) beamWidth() int {
	return max(r.BeamWidth, 1)
}

// blocksForTokens is the number of block slots a prefix of n tokens
// occupies, bounded by the cyclic window.
func (m *Manager) blocksForTokens(n int) int {
	return min(ceilDiv(min(n+m.sinkBubble, m.maxTokens), m.cfg.TokensPerBlock), m.maxBlocksPerSeq)
}

// contextBlocks prices the context allocation: context blocks are shared
// across beams except the last, which receives per-beam generated tokens and
// is allocated once per beam.
func (m *Manager) contextBlocks(req Request) int {
	blocks := m.blocksForTokens(req.PromptTokens)
	if blocks == 0 {
		return 0
	}

	return blocks - 1 + req.beamWidth()
}

// NeededBlocksOneStep returns how many additional blocks must be acquirable
// before the request can advance one decode step (or two, with lookahead)
// without stalling. Before prefill this is the full context allocation;
// during generation it counts upcoming block boundary crossings, which cost
// one block per beam each.
func (m *Manager) NeededBlocksOneStep(req Request, twoStepLookahead bool) int {
	if req.GeneratedTokens == 0 {
		return m.contextBlocks(req)
	}

	steps := 1
	if twoStepLookahead {
		steps = 2
	}

	needed := 0
	for s := range steps {
		pos := req.PromptTokens + req.GeneratedTokens + s + m.sinkBubble
		if pos >= m.maxTokens {
			// Past the window, slots are recycled rather than grown.
			continue
		}

		if pos%m.cfg.TokensPerBlock == 0 {
			needed++
		}
	}

	return needed * req.beamWidth()
}

// NeededBlocksToCompletion returns how many additional blocks the request
// needs to run to its full generation budget. Context blocks before the last
// are shared across beams; the last context block and every generation block
// cost one per beam.
func (m *Manager) NeededBlocksToCompletion(req Request) int {
	contextBlocks := m.blocksForTokens(req.PromptTokens)
	finalBlocks := m.blocksForTokens(req.PromptTokens + req.MaxNewTokens)

	if req.GeneratedTokens == 0 {
		return m.contextBlocks(req) + (finalBlocks-contextBlocks)*req.beamWidth()
	}

	currBlocks := m.blocksForTokens(req.PromptTokens + req.GeneratedTokens)
	return (finalBlocks - currBlocks) * req.beamWidth()
}
