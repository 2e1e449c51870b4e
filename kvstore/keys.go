// Package kvstore is the durable ordered key/value store underlying
// every derived index (spec.md §3, §6.1). It wraps coreos/bbolt, laying
// out the logical sub-databases HEADERS, BLKDATA, SSH, SUBSSH, STXO,
// TXHINTS, ZEROCONF, and HISTORY as top-level buckets, each carrying its
// own progress record. Key composition follows the pack's bucket-per-
// concern naming precedent (erigon-lib/kv/tables.go) without depending on
// that package.
package kvstore

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Bucket names, one per logical sub-database (spec.md §6.1).
var (
	BucketHeaders  = []byte("HEADERS")
	BucketBlkData  = []byte("BLKDATA")
	BucketSSH      = []byte("SSH")
	BucketSubSSH   = []byte("SUBSSH")
	BucketSTXO     = []byte("STXO")
	BucketTxhints  = []byte("TXHINTS")
	BucketZeroConf = []byte("ZEROCONF")
	BucketHistory  = []byte("HISTORY")
)

// AllBuckets lists every sub-database the store creates on open.
var AllBuckets = [][]byte{
	BucketHeaders, BucketBlkData, BucketSSH, BucketSubSSH,
	BucketSTXO, BucketTxhints, BucketZeroConf, BucketHistory,
}

// progressKey is the well-known key a sub-database stores its
// {top_height, top_hash, file_number, file_offset} progress record under;
// only HEADERS has one written by the index writer.
var progressKey = []byte{0xff}

// STXOKey composes the compact binary key for an STXO record:
// (height, tx_index, output_index) big-endian height, little-endian
// indices, per spec.md §4.3 step 1.
func STXOKey(height int32, txIndex, outputIndex uint32) []byte {
	buf := make([]byte, 4+4+4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(height))
	binary.LittleEndian.PutUint32(buf[4:8], txIndex)
	binary.LittleEndian.PutUint32(buf[8:12], outputIndex)
	return buf
}

// SubSSHKey composes the per-(scripthash, block_height) key so a single
// address history page is a bounded range scan independent of the
// address's lifetime volume (spec.md §4.3 final paragraph). Keys for one
// scripthash sort by descending height by storing the bitwise complement
// of the height, so a forward bbolt cursor walks newest-first.
func SubSSHKey(scripthash chainhash.Hash, height int32) []byte {
	buf := make([]byte, 32+4)
	copy(buf[0:32], scripthash[:])
	binary.BigEndian.PutUint32(buf[32:36], ^uint32(height))
	return buf
}

// SubSSHPrefix returns the fixed scripthash prefix shared by every
// SubSSHKey for that address, for range-scanning its full history.
func SubSSHPrefix(scripthash chainhash.Hash) []byte {
	buf := make([]byte, 32)
	copy(buf, scripthash[:])
	return buf
}

// SSHKey is simply the raw scripthash; SSH is a one-row-per-address
// rollup.
func SSHKey(scripthash chainhash.Hash) []byte {
	buf := make([]byte, 32)
	copy(buf, scripthash[:])
	return buf
}

// TxhintKey is the first 4 bytes of a tx hash, used to resolve a full
// hash to its on-chain (height, tx_index) location without scanning
// blocks (spec.md §3.1).
func TxhintKey(txHash chainhash.Hash) []byte {
	buf := make([]byte, 4)
	copy(buf, txHash[:4])
	return buf
}

// HeaderKey indexes HEADERS by height so HeaderByHeight is a direct
// lookup. Off-branch headers live only in the headerchain package's
// in-memory maps; HEADERS holds one main-branch header per height, and
// undoing a block deletes its entry. The same 4-byte height key also addresses BLKDATA's
// per-height (file_number, offset, size) records.
func HeaderKey(height int32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(height))
	return buf
}

// HeaderHashKey is HEADERS' reverse index: a full 32-byte block hash
// mapping to the 4-byte HeaderKey of its height, so GetHeaderByHash
// doesn't require a height scan. Its length (32 bytes) never collides
// with a HeaderKey (4 bytes) in the same bucket.
func HeaderHashKey(hash chainhash.Hash) []byte {
	buf := make([]byte, 32)
	copy(buf, hash[:])
	return buf
}
