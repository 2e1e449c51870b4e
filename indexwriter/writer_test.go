package indexwriter

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/armorynet/armoryd/blockparser"
	"github.com/armorynet/armoryd/kvstore"
)

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var recipientScript = []byte{0x76, 0xa9, 0x14, 0x01}
var recipientScripthash = blockparser.Scripthash(recipientScript)

// coinbaseBlock is a block containing only a coinbase tx paying
// recipientScript.
func coinbaseBlock(txHash chainhash.Hash, value int64) *blockparser.Block {
	return &blockparser.Block{
		Txs: []blockparser.Tx{
			{
				Hash:       txHash,
				IsCoinbase: true,
				Outputs: []blockparser.Output{
					{Index: 0, Value: value, Script: recipientScript, Scripthash: recipientScripthash},
				},
			},
		},
	}
}

// spendingBlock spends output 0 of spentTxHash into a new output paying
// the same recipient script (for simplicity).
func spendingBlock(txHash, spentTxHash chainhash.Hash, value int64) *blockparser.Block {
	return &blockparser.Block{
		Txs: []blockparser.Tx{
			{
				Hash: txHash,
				Inputs: []blockparser.Input{
					{PreviousOutPoint: wire.OutPoint{Hash: spentTxHash, Index: 0}},
				},
				Outputs: []blockparser.Output{
					{Index: 0, Value: value, Script: recipientScript, Scripthash: recipientScripthash},
				},
			},
		},
	}
}

func TestApplyBlockCreditsScripthash(t *testing.T) {
	store := openTestStore(t)
	w, err := New(store, ModeResume)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	coinbaseHash := chainhash.Hash{1}
	ab := AppliedBlock{
		Height: 1,
		Hash:   chainhash.Hash{0xaa},
		Block:  coinbaseBlock(coinbaseHash, 5000),
	}
	if err := w.ApplyBlock(ab); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}

	rollup, found, err := store.ScripthashRollup(recipientScripthash)
	if err != nil {
		t.Fatalf("ScripthashRollup: %v", err)
	}
	if !found {
		t.Fatal("expected scripthash rollup to exist after apply")
	}
	if rollup.ConfirmedBalance != 5000 || rollup.TotalReceived != 5000 {
		t.Fatalf("unexpected rollup: %+v", rollup)
	}

	rec, found, err := store.ResolveOutpoint(wire.OutPoint{Hash: coinbaseHash, Index: 0})
	if err != nil {
		t.Fatalf("ResolveOutpoint: %v", err)
	}
	if !found {
		t.Fatal("expected outpoint to resolve after apply")
	}
	if rec.HasSpender {
		t.Fatal("freshly created output should be unspent")
	}
}

func TestApplyBlockSpendUpdatesBalance(t *testing.T) {
	store := openTestStore(t)
	w, err := New(store, ModeResume)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	coinbaseHash := chainhash.Hash{1}
	if err := w.ApplyBlock(AppliedBlock{
		Height: 1, Hash: chainhash.Hash{0xaa}, Block: coinbaseBlock(coinbaseHash, 5000),
	}); err != nil {
		t.Fatalf("ApplyBlock(1): %v", err)
	}

	spendHash := chainhash.Hash{2}
	if err := w.ApplyBlock(AppliedBlock{
		Height: 2, Hash: chainhash.Hash{0xbb}, Block: spendingBlock(spendHash, coinbaseHash, 4900),
	}); err != nil {
		t.Fatalf("ApplyBlock(2): %v", err)
	}

	rec, found, err := store.ResolveOutpoint(wire.OutPoint{Hash: coinbaseHash, Index: 0})
	if err != nil {
		t.Fatalf("ResolveOutpoint: %v", err)
	}
	if !found || !rec.HasSpender || rec.SpenderHash != spendHash {
		t.Fatalf("expected coinbase output spent by %v, got %+v (found=%v)", spendHash, rec, found)
	}

	rollup, _, err := store.ScripthashRollup(recipientScripthash)
	if err != nil {
		t.Fatalf("ScripthashRollup: %v", err)
	}
	// 5000 credited at height 1, then 5000 debited and 4900 credited at
	// height 2: net confirmed balance is 4900, total received is 9900.
	if rollup.ConfirmedBalance != 4900 {
		t.Fatalf("expected confirmed balance 4900, got %d", rollup.ConfirmedBalance)
	}
	if rollup.TotalReceived != 9900 {
		t.Fatalf("expected total received 9900, got %d", rollup.TotalReceived)
	}
}

func TestUndoBlockReversesApply(t *testing.T) {
	store := openTestStore(t)
	w, err := New(store, ModeResume)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	coinbaseHash := chainhash.Hash{1}
	ab := AppliedBlock{Height: 1, Hash: chainhash.Hash{0xaa}, Block: coinbaseBlock(coinbaseHash, 5000)}
	if err := w.ApplyBlock(ab); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if err := w.UndoBlock(ab); err != nil {
		t.Fatalf("UndoBlock: %v", err)
	}

	rollup, found, err := store.ScripthashRollup(recipientScripthash)
	if err != nil {
		t.Fatalf("ScripthashRollup: %v", err)
	}
	if !found {
		t.Fatal("rollup record should still exist (zeroed), undo only reverses deltas")
	}
	if rollup.ConfirmedBalance != 0 || rollup.TotalReceived != 0 {
		t.Fatalf("expected balances to net to zero after undo, got %+v", rollup)
	}

	_, found, err = store.ResolveOutpoint(wire.OutPoint{Hash: coinbaseHash, Index: 0})
	if err != nil {
		t.Fatalf("ResolveOutpoint: %v", err)
	}
	if found {
		t.Fatal("expected outpoint to no longer resolve after undo")
	}
}
