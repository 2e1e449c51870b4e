package headerchain

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

const testBits = 0x207fffff // regtest-style minimal difficulty, easy to compute work for

func newHeader(prev wire.BlockHeader, nonce uint32) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:   1,
		PrevBlock: prev.BlockHash(),
		Bits:      testBits,
		Nonce:     nonce,
	}
}

func buildChain(t *testing.T, c *Chain, genesis *wire.BlockHeader, n int) []*wire.BlockHeader {
	t.Helper()
	headers := make([]*wire.BlockHeader, n)
	prev := *genesis
	for i := 0; i < n; i++ {
		h := newHeader(prev, uint32(i+1))
		ev, err := c.InsertHeader(h, FileLocation{})
		if err != nil {
			t.Fatalf("insert header %d: %v", i, err)
		}
		if ev != nil {
			c.CommitReorg(ev)
		}
		headers[i] = h
		prev = *h
	}
	return headers
}

func TestInsertGenesisSetsTip(t *testing.T) {
	c := New()
	genesis := &wire.BlockHeader{Version: 1, Bits: testBits}
	bh := c.InsertGenesis(genesis, FileLocation{})

	if bh.Height != 0 {
		t.Fatalf("expected genesis height 0, got %d", bh.Height)
	}
	if c.Tip().Hash != bh.Hash {
		t.Fatal("genesis should be the initial tip")
	}
}

func TestInsertHeaderExtendsMainBranch(t *testing.T) {
	c := New()
	genesis := &wire.BlockHeader{Version: 1, Bits: testBits}
	c.InsertGenesis(genesis, FileLocation{})

	headers := buildChain(t, c, genesis, 3)

	tip := c.Tip()
	if tip.Height != 3 {
		t.Fatalf("expected tip height 3, got %d", tip.Height)
	}
	if tip.Hash != headers[2].BlockHash() {
		t.Fatal("tip should be the last inserted header")
	}

	for i, h := range headers {
		bh, ok := c.HeaderByHeight(int32(i + 1))
		if !ok {
			t.Fatalf("height %d not found on main branch", i+1)
		}
		if bh.Hash != h.BlockHash() {
			t.Fatalf("height %d: hash mismatch", i+1)
		}
	}
}

func TestInsertHeaderHoldsOrphan(t *testing.T) {
	c := New()
	genesis := &wire.BlockHeader{Version: 1, Bits: testBits}
	c.InsertGenesis(genesis, FileLocation{})

	// A header whose parent hasn't been seen yet.
	floating := &wire.BlockHeader{Version: 1, PrevBlock: wire.BlockHeader{Nonce: 999}.BlockHash(), Bits: testBits}
	ev, err := c.InsertHeader(floating, FileLocation{})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if ev != nil {
		t.Fatal("orphan insertion should not produce a reorg event")
	}
	if c.Tip().Height != 0 {
		t.Fatal("tip should remain genesis while parent is unknown")
	}
}

func TestInsertHeaderDuplicateIsNoop(t *testing.T) {
	c := New()
	genesis := &wire.BlockHeader{Version: 1, Bits: testBits}
	c.InsertGenesis(genesis, FileLocation{})

	headers := buildChain(t, c, genesis, 1)

	ev, err := c.InsertHeader(headers[0], FileLocation{})
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}
	if ev != nil {
		t.Fatal("re-inserting a known header should not produce a reorg event")
	}
	if c.Tip().Height != 1 {
		t.Fatalf("tip height should remain 1, got %d", c.Tip().Height)
	}
}

func TestReorgToLongerFork(t *testing.T) {
	c := New()
	genesis := &wire.BlockHeader{Version: 1, Bits: testBits}
	c.InsertGenesis(genesis, FileLocation{})

	mainChain := buildChain(t, c, genesis, 2)

	// Build a competing fork off genesis that ends up two blocks longer.
	forkPrev := *genesis
	var lastEvent *ReorgEvent
	forkHeaders := make([]*wire.BlockHeader, 0, 4)
	for i := 0; i < 4; i++ {
		h := newHeader(forkPrev, uint32(100+i))
		ev, err := c.InsertHeader(h, FileLocation{})
		if err != nil {
			t.Fatalf("insert fork header %d: %v", i, err)
		}
		if ev != nil {
			lastEvent = ev
		}
		forkHeaders = append(forkHeaders, h)
		forkPrev = *h
	}

	if lastEvent == nil {
		t.Fatal("expected a reorg event once the fork overtook the main chain")
	}
	// Only the final event is committed, so every event above was computed
	// against the original two-block main chain.
	c.CommitReorg(lastEvent)
	if lastEvent.MRCAHeight != 0 {
		t.Fatalf("expected MRCA at genesis (height 0), got %d", lastEvent.MRCAHeight)
	}
	if len(lastEvent.Undo) != 2 {
		t.Fatalf("expected 2 blocks to undo, got %d", len(lastEvent.Undo))
	}
	if len(lastEvent.Apply) != 4 {
		t.Fatalf("expected 4 blocks to apply, got %d", len(lastEvent.Apply))
	}
	// Apply list must be lowest-height-first.
	for i := 1; i < len(lastEvent.Apply); i++ {
		if lastEvent.Apply[i].Height <= lastEvent.Apply[i-1].Height {
			t.Fatal("apply list is not ordered lowest-height-first")
		}
	}
	// Undo list must be highest-height-first.
	for i := 1; i < len(lastEvent.Undo); i++ {
		if lastEvent.Undo[i].Height >= lastEvent.Undo[i-1].Height {
			t.Fatal("undo list is not ordered highest-height-first")
		}
	}

	tip := c.Tip()
	if tip.Hash != forkHeaders[3].BlockHash() {
		t.Fatal("tip should have switched to the fork's last header")
	}
	for i, h := range mainChain {
		bh, ok := c.HeaderByHeight(int32(i + 1))
		if !ok {
			t.Fatalf("height %d should still resolve to the fork's header", i+1)
		}
		if bh.Hash == h.BlockHash() {
			t.Fatalf("height %d should now resolve to the fork, not the abandoned main chain", i+1)
		}
	}
}
