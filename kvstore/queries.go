package kvstore

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	bolt "github.com/coreos/bbolt"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/blockfile"
	"github.com/armorynet/armoryd/blockparser"
)

// ResolveOutpoint looks up the STXO record an outpoint refers to via the
// txhints index, reporting whether it is known on the main branch at
// all. Callers that also need to know spentness read rec.HasSpender
// (spec.md §4.8: malformed-vs-unknown-hash is the caller's concern, this
// only ever answers "known or not").
func (s *Store) ResolveOutpoint(op wire.OutPoint) (rec STXORecord, found bool, err error) {
	err = s.View(func(tx *bolt.Tx) error {
		entries, derr := DecodeTxhints(tx.Bucket(BucketTxhints).Get(TxhintKey(op.Hash)))
		if derr != nil {
			return derr
		}
		for _, e := range entries {
			if e.TxHash != op.Hash {
				continue
			}
			key := STXOKey(e.Height, e.TxIndex, op.Index)
			raw := tx.Bucket(BucketSTXO).Get(key)
			if raw == nil {
				continue
			}
			rec, derr = DecodeSTXORecord(raw)
			if derr != nil {
				return derr
			}
			found = true
			return nil
		}
		return nil
	})
	return rec, found, err
}

// ScripthashRollup reads a scripthash's cached SSH rollup; a never-seen
// scripthash returns the zero value with found=false, not an error.
func (s *Store) ScripthashRollup(scripthash chainhash.Hash) (rec SSHRecord, found bool, err error) {
	err = s.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(BucketSSH).Get(SSHKey(scripthash))
		if raw == nil {
			return nil
		}
		rec, err = DecodeSSHRecord(raw)
		found = err == nil
		return err
	})
	return rec, found, err
}

// HistoryEntry is one page row: the height a subSSH entry was recorded
// at plus the entry itself (spec.md §4.7).
type HistoryEntry struct {
	Height int32
	Entry  SubSSHEntry
}

// HistoryPage walks a scripthash's subSSH range newest-height-first
// (SubSSHKey packs the bitwise-complemented height, so a forward cursor
// over the scripthash's key prefix already yields descending height
// order) and returns up to pageSize entries starting after afterHeight
// (0 to start from the newest). It returns the height to resume from for
// the next page, or 0 when exhausted.
func (s *Store) HistoryPage(scripthash chainhash.Hash, afterHeight int32, pageSize int) ([]HistoryEntry, int32, error) {
	var out []HistoryEntry
	var next int32

	err := s.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketSubSSH).Cursor()
		prefix := SubSSHPrefix(scripthash)

		var seekKey []byte
		if afterHeight == 0 {
			seekKey = prefix
		} else {
			seekKey = SubSSHKey(scripthash, afterHeight)
		}

		for k, v := c.Seek(seekKey); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			height := decodeSubSSHHeight(k)
			if afterHeight != 0 && height >= afterHeight {
				continue
			}
			entries, err := DecodeSubSSHEntries(v)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if len(out) >= pageSize {
					next = height
					return nil
				}
				out = append(out, HistoryEntry{Height: height, Entry: e})
			}
		}
		return nil
	})
	return out, next, err
}

func decodeSubSSHHeight(key []byte) int32 {
	if len(key) < 36 {
		return 0
	}
	return int32(^binary.BigEndian.Uint32(key[32:36]))
}

// HeaderByHeight returns the main-branch header at height, if durably
// recorded (spec.md §6.2's GetHeaderByHeight).
func (s *Store) HeaderByHeight(height int32) (hdr wire.BlockHeader, found bool, err error) {
	err = s.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(BucketHeaders).Get(HeaderKey(height))
		if raw == nil {
			return nil
		}
		var derr error
		hdr, derr = DecodeHeader(raw)
		found = derr == nil
		return derr
	})
	return hdr, found, err
}

// HeaderByHash resolves a block hash to its header and height via
// HEADERS' reverse index (spec.md §6.2's GetHeaderByHash).
func (s *Store) HeaderByHash(hash chainhash.Hash) (hdr wire.BlockHeader, height int32, found bool, err error) {
	err = s.View(func(tx *bolt.Tx) error {
		heightKey := tx.Bucket(BucketHeaders).Get(HeaderHashKey(hash))
		if heightKey == nil || len(heightKey) != 4 {
			return nil
		}
		height = int32(binary.BigEndian.Uint32(heightKey))
		raw := tx.Bucket(BucketHeaders).Get(heightKey)
		if raw == nil {
			return nil
		}
		var derr error
		hdr, derr = DecodeHeader(raw)
		found = derr == nil
		return derr
	})
	return hdr, height, found, err
}

// BlockLocationAt returns the on-disk location of the block at height,
// as recorded in BLKDATA when it was applied.
func (s *Store) BlockLocationAt(height int32) (loc BlkLocation, found bool, err error) {
	err = s.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(BucketBlkData).Get(HeaderKey(height))
		if raw == nil {
			return nil
		}
		var derr error
		loc, derr = DecodeBlkLocation(raw)
		found = derr == nil
		return derr
	})
	return loc, found, err
}

// CreditedOutpoint is one still-unspent credit a scripthash's subSSH
// history carries, with enough of its producing STXO record attached to
// serve GetUTXOs/GetOutpointsForAddresses (spec.md §6.2).
type CreditedOutpoint struct {
	Height      int32
	TxIndex     uint32
	OutputIndex uint32
	Value       int64
	TxHash      chainhash.Hash
	Script      []byte
}

// CreditedOutpoints walks a scripthash's full subSSH range and returns
// every credit entry at or above afterHeight (0 for full history) that
// is not yet marked spent and whose STXO record confirms it still has
// no spender, resolving it to a (tx_hash, script) pair via BucketSTXO.
// This serves GetUTXOs/GetOutpointsForAddresses without a dedicated UTXO
// index, reusing the same range-scan HistoryPage already does.
func (s *Store) CreditedOutpoints(scripthash chainhash.Hash, afterHeight int32) ([]CreditedOutpoint, error) {
	var out []CreditedOutpoint
	err := s.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketSubSSH).Cursor()
		prefix := SubSSHPrefix(scripthash)

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			height := decodeSubSSHHeight(k)
			if height < afterHeight {
				continue
			}
			entries, err := DecodeSubSSHEntries(v)
			if err != nil {
				return err
			}
			for _, e := range entries {
				if e.IsSpent || e.IsDebit {
					continue
				}
				raw := tx.Bucket(BucketSTXO).Get(STXOKey(height, e.TxIndex, e.OutputIndex))
				if raw == nil {
					continue
				}
				rec, derr := DecodeSTXORecord(raw)
				if derr != nil {
					return derr
				}
				if rec.HasSpender {
					continue
				}
				out = append(out, CreditedOutpoint{
					Height:      height,
					TxIndex:     e.TxIndex,
					OutputIndex: e.OutputIndex,
					Value:       e.Value,
					TxHash:      rec.TxHash,
					Script:      rec.Script,
				})
			}
		}
		return nil
	})
	return out, err
}

// TxByHash resolves a transaction by hash to its raw serialized bytes.
// It locates the containing block via TXHINTS and BLKDATA and reads the
// block back from the block-file directory ConfigureBlockSource set,
// rather than keeping a dedicated per-transaction cache (spec.md §6.2's
// GetTxByHash/GetTxBatchByHash).
func (s *Store) TxByHash(txHash chainhash.Hash) ([]byte, bool, error) {
	var height int32
	var haveHint bool
	err := s.View(func(tx *bolt.Tx) error {
		entries, derr := DecodeTxhints(tx.Bucket(BucketTxhints).Get(TxhintKey(txHash)))
		if derr != nil {
			return derr
		}
		for _, e := range entries {
			if e.TxHash == txHash {
				height = e.Height
				haveHint = true
				return nil
			}
		}
		return nil
	})
	if err != nil || !haveHint {
		return nil, false, err
	}

	loc, found, err := s.BlockLocationAt(height)
	if err != nil || !found {
		return nil, false, err
	}
	if s.blockDir == "" {
		return nil, false, armoryerr.Wrap(armoryerr.KindChain, armoryerr.ErrStoreIO)
	}

	raw, err := blockfile.ReadAt(s.blockDir, blockfile.Location{
		FileNumber: loc.FileNumber,
		Offset:     loc.Offset,
		Size:       loc.Size,
	})
	if err != nil {
		return nil, false, armoryerr.Wrap(armoryerr.KindChain, err)
	}
	blk, err := blockparser.Parse(raw)
	if err != nil {
		return nil, false, armoryerr.Wrap(armoryerr.KindChain, err)
	}
	for _, t := range blk.Txs {
		if t.Hash == txHash {
			var buf bytes.Buffer
			if err := t.Raw.Serialize(&buf); err != nil {
				return nil, false, err
			}
			return buf.Bytes(), true, nil
		}
	}
	return nil, false, nil
}
