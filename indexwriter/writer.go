// Package indexwriter builds the storage model of spec.md §3 from parsed
// blocks: STXO, subSSH, SSH rollups, and txhints, committing each
// applied or undone block as one atomic batch (spec.md §4.3).
package indexwriter

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
	"github.com/armorynet/armoryd/blockparser"
	"github.com/armorynet/armoryd/kvstore"
)

var log = armorylog.NewSubsystem("IDXW")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// Mode selects how the writer treats existing derived state at startup
// (spec.md §4.3).
type Mode int

const (
	// ModeResume picks up from the last committed (file_number, offset)
	// per the store's HEADERS progress record.
	ModeResume Mode = iota
	// ModeRebuild discards all derived state and rebuilds from scratch.
	ModeRebuild
	// ModeRescan discards subSSH/SSH/STXO/txhints and keeps HEADERS'
	// records, but resets its progress record so ingest replays from the
	// first block file.
	ModeRescan
	// ModeRescanSSH keeps subSSH and rebuilds only the SSH rollup; the
	// fast path after a schema upgrade.
	ModeRescanSSH
)

// Writer is the single-threaded authority over the K/V store's derived
// state; it is the only component that calls Store.WriteBatch (spec.md
// §5: "the index writer is single-threaded to preserve commit ordering").
type Writer struct {
	store *kvstore.Store
}

// New constructs a Writer and, for Rebuild/Rescan/RescanSSH modes, wipes
// the buckets those modes discard before returning.
func New(store *kvstore.Store, mode Mode) (*Writer, error) {
	switch mode {
	case ModeRebuild:
		if err := store.WipeBuckets(
			kvstore.BucketHeaders, kvstore.BucketBlkData, kvstore.BucketSSH,
			kvstore.BucketSubSSH, kvstore.BucketSTXO, kvstore.BucketTxhints,
		); err != nil {
			return nil, err
		}
	case ModeRescan:
		if err := store.WipeBuckets(
			kvstore.BucketSSH, kvstore.BucketSubSSH,
			kvstore.BucketSTXO, kvstore.BucketTxhints,
		); err != nil {
			return nil, err
		}
		if err := store.WriteBatch(func(b *kvstore.Batch) error {
			return b.SetProgress(kvstore.BucketHeaders, kvstore.Progress{})
		}); err != nil {
			return nil, err
		}
	case ModeRescanSSH:
		if err := store.WipeBuckets(kvstore.BucketSSH); err != nil {
			return nil, err
		}
	}
	return &Writer{store: store}, nil
}

// AppliedBlock is everything ApplyBlock needs about one block: its parsed
// contents, height, and on-disk location.
type AppliedBlock struct {
	Height   int32
	Hash     chainhash.Hash
	Block    *blockparser.Block
	Location kvstore.Progress // file_number/offset for the progress record

	// Size is the block's serialized byte length, needed alongside
	// Location's (file_number, offset) to durably record BLKDATA(height)
	// for later random-access reads (spec.md §6.1/§6.2's GetTxByHash).
	Size uint32
}

// ApplyBlock commits one block's STXO/subSSH/SSH/txhint mutations as a
// single atomic batch (spec.md §4.3 steps 1-3).
func (w *Writer) ApplyBlock(ab AppliedBlock) error {
	return w.store.WriteBatch(func(b *kvstore.Batch) error {
		return w.applyBlockTx(b, ab)
	})
}

func (w *Writer) applyBlockTx(b *kvstore.Batch, ab AppliedBlock) error {
	sshDeltas := make(map[chainhash.Hash]*sshDelta)

	for txIdx, tx := range ab.Block.Txs {
		// Step 1: emit STXOs for every output, keyed by (height,
		// tx_index, output_index); append a txhint entry.
		for _, out := range tx.Outputs {
			rec := kvstore.STXORecord{
				Value:       out.Value,
				Script:      out.Script,
				TxHash:      tx.Hash,
				OutputIndex: out.Index,
				Scripthash:  out.Scripthash,
			}
			key := kvstore.STXOKey(ab.Height, uint32(txIdx), out.Index)
			if err := b.Bucket(kvstore.BucketSTXO).Put(key, rec.Encode()); err != nil {
				return err
			}

			d := sshDeltas[out.Scripthash]
			if d == nil {
				d = &sshDelta{}
				sshDeltas[out.Scripthash] = d
			}
			d.entries = append(d.entries, kvstore.SubSSHEntry{
				TxIndex:     uint32(txIdx),
				OutputIndex: out.Index,
				Value:       out.Value,
			})
			d.addedUnspent += out.Value
			d.addedTotal += out.Value
		}

		if err := appendTxhint(b, tx.Hash, ab.Height, uint32(txIdx)); err != nil {
			return err
		}

		if tx.IsCoinbase {
			continue
		}

		// Step 2: for each input, resolve the consumed STXO, mark
		// it spent, and append an is_spent record to the producing
		// scripthash's subSSH entry at the producing height.
		for _, in := range tx.Inputs {
			producerLoc, ok, err := findSTXOLocation(b, in.PreviousOutPoint.Hash)
			if err != nil {
				return err
			}
			if !ok {
				return armoryerr.Wrapf(armoryerr.KindChain, armoryerr.ErrMissingParent,
					"no STXO location for input %v", in.PreviousOutPoint)
			}

			stxoKey := kvstore.STXOKey(producerLoc.Height, producerLoc.TxIndex, in.PreviousOutPoint.Index)
			raw := b.Bucket(kvstore.BucketSTXO).Get(stxoKey)
			if raw == nil {
				return armoryerr.Wrap(armoryerr.KindChain, armoryerr.ErrMissingParent)
			}
			rec, err := kvstore.DecodeSTXORecord(raw)
			if err != nil {
				return armoryerr.Wrap(armoryerr.KindChain, armoryerr.ErrStoreIO)
			}
			rec.HasSpender = true
			rec.SpenderHash = tx.Hash
			if err := b.Bucket(kvstore.BucketSTXO).Put(stxoKey, rec.Encode()); err != nil {
				return err
			}

			d := sshDeltas[rec.Scripthash]
			if d == nil {
				d = &sshDelta{}
				sshDeltas[rec.Scripthash] = d
			}
			d.spendEntries = append(d.spendEntries, spendMark{
				height:      producerLoc.Height,
				txIndex:     producerLoc.TxIndex,
				outputIndex: in.PreviousOutPoint.Index,
			})
			d.newlySpent += rec.Value
		}
	}

	// Durably record this height's header bytes (plus a hash->height
	// reverse index) and its on-disk block location, so GetHeaderByHash,
	// GetHeaderByHeight, and GetTxByHash/GetTxBatchByHash can serve
	// without re-ingesting the chain (spec.md §6.1/§6.2).
	heightKey := kvstore.HeaderKey(ab.Height)
	if err := b.Bucket(kvstore.BucketHeaders).Put(heightKey, kvstore.EncodeHeader(ab.Block.Header)); err != nil {
		return err
	}
	if err := b.Bucket(kvstore.BucketHeaders).Put(kvstore.HeaderHashKey(ab.Hash), heightKey); err != nil {
		return err
	}
	blkLoc := kvstore.BlkLocation{
		FileNumber: ab.Location.FileNumber,
		Offset:     ab.Location.FileOffset,
		Size:       ab.Size,
	}
	if err := b.Bucket(kvstore.BucketBlkData).Put(heightKey, blkLoc.Encode()); err != nil {
		return err
	}

	// Write subSSH additions for this height, and apply is_spent
	// marks (which may target earlier heights).
	for scripthash, d := range sshDeltas {
		if len(d.entries) > 0 {
			key := kvstore.SubSSHKey(scripthash, ab.Height)
			existing, _ := kvstore.DecodeSubSSHEntries(b.Bucket(kvstore.BucketSubSSH).Get(key))
			existing = append(existing, d.entries...)
			if err := b.Bucket(kvstore.BucketSubSSH).Put(key, kvstore.EncodeSubSSHEntries(existing)); err != nil {
				return err
			}
		}
	}
	for scripthash, d := range sshDeltas {
		for _, m := range d.spendEntries {
			if err := markSubSSHSpent(b, scripthash, m); err != nil {
				return err
			}
		}
	}

	// Step 3: roll up SSH.
	for scripthash, d := range sshDeltas {
		if err := rollupSSH(b, scripthash, d.addedUnspent-d.newlySpent, d.addedTotal); err != nil {
			return err
		}
	}

	return b.SetProgress(kvstore.BucketHeaders, kvstore.Progress{
		TopHeight:  ab.Height,
		TopHash:    ab.Hash,
		FileNumber: ab.Location.FileNumber,
		FileOffset: ab.Location.FileOffset,
	})
}

type sshDelta struct {
	entries      []kvstore.SubSSHEntry
	spendEntries []spendMark
	addedUnspent int64
	addedTotal   int64
	newlySpent   int64
}

type spendMark struct {
	height      int32
	txIndex     uint32
	outputIndex uint32
}

func markSubSSHSpent(b *kvstore.Batch, scripthash chainhash.Hash, m spendMark) error {
	key := kvstore.SubSSHKey(scripthash, m.height)
	raw := b.Bucket(kvstore.BucketSubSSH).Get(key)
	entries, err := kvstore.DecodeSubSSHEntries(raw)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].TxIndex == m.txIndex && entries[i].OutputIndex == m.outputIndex && !entries[i].IsDebit {
			entries[i].IsSpent = true
		}
	}
	return b.Bucket(kvstore.BucketSubSSH).Put(key, kvstore.EncodeSubSSHEntries(entries))
}

func rollupSSH(b *kvstore.Batch, scripthash chainhash.Hash, balanceDelta, totalReceivedDelta int64) error {
	key := kvstore.SSHKey(scripthash)
	raw := b.Bucket(kvstore.BucketSSH).Get(key)
	var rec kvstore.SSHRecord
	if raw != nil {
		var err error
		rec, err = kvstore.DecodeSSHRecord(raw)
		if err != nil {
			return err
		}
	}
	rec.ConfirmedBalance += balanceDelta
	rec.TotalReceived += totalReceivedDelta
	rec.Version++
	return b.Bucket(kvstore.BucketSSH).Put(key, rec.Encode())
}

type stxoLocation struct {
	Height  int32
	TxIndex uint32
}

// findSTXOLocation resolves a tx hash to its (height, tx_index) via the
// txhints index.
func findSTXOLocation(b *kvstore.Batch, txHash chainhash.Hash) (stxoLocation, bool, error) {
	key := kvstore.TxhintKey(txHash)
	raw := b.Bucket(kvstore.BucketTxhints).Get(key)
	entries, err := kvstore.DecodeTxhints(raw)
	if err != nil {
		return stxoLocation{}, false, err
	}
	for _, e := range entries {
		if e.TxHash == txHash {
			return stxoLocation{Height: e.Height, TxIndex: e.TxIndex}, true, nil
		}
	}
	return stxoLocation{}, false, nil
}

func appendTxhint(b *kvstore.Batch, txHash chainhash.Hash, height int32, txIndex uint32) error {
	key := kvstore.TxhintKey(txHash)
	existing, err := kvstore.DecodeTxhints(b.Bucket(kvstore.BucketTxhints).Get(key))
	if err != nil {
		return err
	}
	existing = append(existing, kvstore.TxhintEntry{Height: height, TxIndex: txIndex, TxHash: txHash})
	return b.Bucket(kvstore.BucketTxhints).Put(key, kvstore.EncodeTxhints(existing))
}

// removeTxhint undoes appendTxhint's effect for a single (height, tx_index)
// entry under tx_hash's 4-byte-prefix key. Txhint is a list specifically
// because distinct transactions can share a key prefix (spec.md §3.1), so
// this decodes, drops only the matching entry, and re-encodes the rest —
// it must never delete the whole key unless the filtered list is empty.
func removeTxhint(b *kvstore.Batch, txHash chainhash.Hash, height int32, txIndex uint32) error {
	key := kvstore.TxhintKey(txHash)
	entries, err := kvstore.DecodeTxhints(b.Bucket(kvstore.BucketTxhints).Get(key))
	if err != nil {
		return err
	}
	remaining := entries[:0]
	for _, e := range entries {
		if e.TxHash == txHash && e.Height == height && e.TxIndex == txIndex {
			continue
		}
		remaining = append(remaining, e)
	}
	if len(remaining) == 0 {
		return b.Bucket(kvstore.BucketTxhints).Delete(key)
	}
	return b.Bucket(kvstore.BucketTxhints).Put(key, kvstore.EncodeTxhints(remaining))
}

// UndoBlock reverses ApplyBlock's mutations for a block being removed
// from the main branch during a reorg, processing transactions in
// reverse order (spec.md §4.3).
func (w *Writer) UndoBlock(ab AppliedBlock) error {
	return w.store.WriteBatch(func(b *kvstore.Batch) error {
		return w.undoBlockTx(b, ab)
	})
}

func (w *Writer) undoBlockTx(b *kvstore.Batch, ab AppliedBlock) error {
	sshDeltas := make(map[chainhash.Hash]*sshDelta)

	heightKey := kvstore.HeaderKey(ab.Height)
	if err := b.Bucket(kvstore.BucketHeaders).Delete(heightKey); err != nil {
		return err
	}
	if err := b.Bucket(kvstore.BucketHeaders).Delete(kvstore.HeaderHashKey(ab.Hash)); err != nil {
		return err
	}
	if err := b.Bucket(kvstore.BucketBlkData).Delete(heightKey); err != nil {
		return err
	}

	for txIdx := len(ab.Block.Txs) - 1; txIdx >= 0; txIdx-- {
		tx := ab.Block.Txs[txIdx]

		if !tx.IsCoinbase {
			for _, in := range tx.Inputs {
				producerLoc, ok, err := findSTXOLocation(b, in.PreviousOutPoint.Hash)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				stxoKey := kvstore.STXOKey(producerLoc.Height, producerLoc.TxIndex, in.PreviousOutPoint.Index)
				raw := b.Bucket(kvstore.BucketSTXO).Get(stxoKey)
				if raw == nil {
					continue
				}
				rec, err := kvstore.DecodeSTXORecord(raw)
				if err != nil {
					return err
				}
				rec.HasSpender = false
				rec.SpenderHash = chainhash.Hash{}
				if err := b.Bucket(kvstore.BucketSTXO).Put(stxoKey, rec.Encode()); err != nil {
					return err
				}

				d := sshDeltas[rec.Scripthash]
				if d == nil {
					d = &sshDelta{}
					sshDeltas[rec.Scripthash] = d
				}
				d.spendEntries = append(d.spendEntries, spendMark{
					height:      producerLoc.Height,
					txIndex:     producerLoc.TxIndex,
					outputIndex: in.PreviousOutPoint.Index,
				})
				d.newlySpent += rec.Value
			}
		}

		for _, out := range tx.Outputs {
			key := kvstore.STXOKey(ab.Height, uint32(txIdx), out.Index)
			if err := b.Bucket(kvstore.BucketSTXO).Delete(key); err != nil {
				return err
			}
			d := sshDeltas[out.Scripthash]
			if d == nil {
				d = &sshDelta{}
				sshDeltas[out.Scripthash] = d
			}
			d.addedUnspent += out.Value
			d.addedTotal += out.Value
		}

		if err := removeTxhint(b, tx.Hash, ab.Height, uint32(txIdx)); err != nil {
			return err
		}
	}

	for scripthash := range sshDeltas {
		if err := b.Bucket(kvstore.BucketSubSSH).Delete(kvstore.SubSSHKey(scripthash, ab.Height)); err != nil {
			return err
		}
	}
	for scripthash, d := range sshDeltas {
		for _, m := range d.spendEntries {
			if err := unmarkSubSSHSpent(b, scripthash, m); err != nil {
				return err
			}
		}
	}
	for scripthash, d := range sshDeltas {
		if err := rollupSSH(b, scripthash, -(d.addedUnspent - d.newlySpent), -d.addedTotal); err != nil {
			return err
		}
	}

	return nil
}

func unmarkSubSSHSpent(b *kvstore.Batch, scripthash chainhash.Hash, m spendMark) error {
	key := kvstore.SubSSHKey(scripthash, m.height)
	raw := b.Bucket(kvstore.BucketSubSSH).Get(key)
	entries, err := kvstore.DecodeSubSSHEntries(raw)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].TxIndex == m.txIndex && entries[i].OutputIndex == m.outputIndex {
			entries[i].IsSpent = false
		}
	}
	return b.Bucket(kvstore.BucketSubSSH).Put(key, kvstore.EncodeSubSSHEntries(entries))
}
