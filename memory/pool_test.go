package memory

import (
	"bytes"
	"testing"
)

func TestPoolBlockIsolation(t *testing.T) {
	p := NewPool(4, 2, 16)

	for i := range p.Blocks(Primary) {
		b := p.Block(Primary, i)
		if len(b) != 16 || cap(b) != 16 {
			t.Fatalf("block %d: len=%d cap=%d, want 16/16", i, len(b), cap(b))
		}

		for j := range b {
			b[j] = byte(i + 1)
		}
	}

	// Writes to one block must not bleed into its neighbors.
	for i := range p.Blocks(Primary) {
		want := bytes.Repeat([]byte{byte(i + 1)}, 16)
		if got := p.Block(Primary, i); !bytes.Equal(got, want) {
			t.Errorf("block %d = %v, want %v", i, got, want)
		}
	}

	// Tiers are separate arenas.
	for _, got := range p.Block(Secondary, 0) {
		if got != 0 {
			t.Fatal("secondary tier touched by primary writes")
		}
	}
}

func TestPoolBlocks(t *testing.T) {
	p := NewPool(3, 0, 8)

	if got := p.Blocks(Primary); got != 3 {
		t.Errorf("Blocks(Primary) = %d, want 3", got)
	}

	if got := p.Blocks(Secondary); got != 0 {
		t.Errorf("Blocks(Secondary) = %d, want 0", got)
	}

	if got := p.BlockBytes(); got != 8 {
		t.Errorf("BlockBytes = %d, want 8", got)
	}
}

func TestPoolBlockOutOfRange(t *testing.T) {
	p := NewPool(2, 0, 8)

	for _, offset := range []int{-1, 2} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Block(Primary, %d) should panic", offset)
				}
			}()

			p.Block(Primary, offset)
		}()
	}
}

func TestTierString(t *testing.T) {
	tests := []struct {
		tier Tier
		want string
	}{
		{Primary, "primary"},
		{Secondary, "secondary"},
		{Tier(9), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.tier.String(); got != tt.want {
			t.Errorf("Tier(%d).String() = %q, want %q", tt.tier, got, tt.want)
		}
	}
}
