// Package blockfile iterates the raw block files a Bitcoin node writes to
// disk (blkNNNNN.dat), yielding each block's bytes and its file location.
// It recovers from torn writes at a file's tail by rescanning for the
// network magic, and treats a block whose declared length exceeds the
// remaining bytes as end-of-data rather than an error (spec.md §4.1).
package blockfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/armorynet/armoryd/armorylog"
)

var log = armorylog.NewSubsystem("BLKF")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// maxBlockFileSize matches Bitcoin Core's own blkNNNNN.dat rotation size;
// it bounds how large a single on-disk file can grow, not how large a
// single block may be.
const maxBlockFileSize = 128 * 1024 * 1024

// Cursor pins a resume point: the file to read and the byte offset within
// it to start scanning from.
type Cursor struct {
	FileNumber uint32
	Offset     uint64
}

// Block is one successfully parsed raw block plus its on-disk location.
type Block struct {
	Bytes    []byte
	Location Location
}

// Location is the (file_number, offset, size) triple spec.md §3.1 stores
// per header.
type Location struct {
	FileNumber uint32
	Offset     uint64
	Size       uint32
}

// Reader lazily iterates block files in a directory starting from a
// Cursor, in file-number order.
type Reader struct {
	dir     string
	net     wire.BitcoinNet
	cursor  Cursor
	curFile *os.File
	curNum  uint32
}

// New opens a Reader rooted at dir, ready to resume from start.
func New(dir string, net wire.BitcoinNet, start Cursor) *Reader {
	return &Reader{dir: dir, net: net, cursor: start}
}

func (r *Reader) fileName(n uint32) string {
	return filepath.Join(r.dir, fmt.Sprintf("blk%05d.dat", n))
}

// ensureOpen opens the file for the current cursor position, seeking to
// its offset. If that file doesn't exist it returns the open error; Next
// reports that case as io.EOF (end of the directory).
func (r *Reader) ensureOpen() error {
	if r.curFile != nil && r.curNum == r.cursor.FileNumber {
		return nil
	}
	if r.curFile != nil {
		r.curFile.Close()
		r.curFile = nil
	}
	f, err := os.Open(r.fileName(r.cursor.FileNumber))
	if err != nil {
		return err
	}
	if _, err := f.Seek(int64(r.cursor.Offset), io.SeekStart); err != nil {
		f.Close()
		return err
	}
	r.curFile = f
	r.curNum = r.cursor.FileNumber
	return nil
}

// Next returns the next block in the stream, or io.EOF once every file in
// the directory has been exhausted (including a torn tail on the last
// file, which is treated as EOF rather than an error per spec.md §4.1).
func (r *Reader) Next() (*Block, error) {
	for {
		if err := r.ensureOpen(); err != nil {
			if os.IsNotExist(err) {
				return nil, io.EOF
			}
			return nil, err
		}

		blk, advancedFile, err := r.readOneBlock()
		if err == io.EOF {
			if advancedFile {
				continue
			}
			// Torn tail: try the next file; if it doesn't
			// exist, that's the true end of the directory.
			r.cursor.FileNumber++
			r.cursor.Offset = 0
			r.curFile.Close()
			r.curFile = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return blk, nil
	}
}

// readOneBlock scans forward from the cursor for the network magic,
// reads the declared length, and returns the block bytes. It reports
// io.EOF (not an error) when the remaining bytes can't satisfy a full
// magic+length+block, which covers both a clean end-of-file and a torn
// write.
func (r *Reader) readOneBlock() (*Block, bool, error) {
	magic, err := r.scanForMagic()
	if err != nil {
		return nil, false, err
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r.curFile, lenBuf[:]); err != nil {
		return nil, false, io.EOF
	}
	declaredLen := binary.LittleEndian.Uint32(lenBuf[:])

	offset, err := r.curFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, false, err
	}

	buf := make([]byte, declaredLen)
	n, err := io.ReadFull(r.curFile, buf)
	if err != nil {
		// Declared length exceeds what remains: end-of-data, not an
		// error (spec.md §4.1).
		log.Debugf("block at file=%d offset=%d declares %d bytes but "+
			"only %d remain; treating as end-of-data",
			r.cursor.FileNumber, offset, declaredLen, n)
		return nil, false, io.EOF
	}

	_ = magic
	r.cursor.Offset = uint64(offset) + uint64(declaredLen)

	return &Block{
		Bytes: buf,
		Location: Location{
			FileNumber: r.cursor.FileNumber,
			Offset:     uint64(offset),
			Size:       declaredLen,
		},
	}, false, nil
}

// scanForMagic advances the file past any garbage until it finds the
// 4-byte network magic, to recover from a torn write that left partial
// junk at the tail of a prior block.
func (r *Reader) scanForMagic() (uint32, error) {
	var want [4]byte
	binary.LittleEndian.PutUint32(want[:], uint32(r.net))

	var window [4]byte
	n, err := io.ReadFull(r.curFile, window[:])
	if err != nil {
		return 0, io.EOF
	}
	_ = n

	for {
		if bytes.Equal(window[:], want[:]) {
			return uint32(r.net), nil
		}
		copy(window[:], window[1:])
		var b [1]byte
		if _, err := io.ReadFull(r.curFile, b[:]); err != nil {
			return 0, io.EOF
		}
		window[3] = b[0]
	}
}

// Cursor reports the reader's current resume point, suitable for
// persisting as the store's progress record (spec.md §6.1).
func (r *Reader) Cursor() Cursor { return r.cursor }

// ReadAt performs a random-access read of a single block given a location
// a Reader previously returned (and kvstore durably recorded in BLKDATA),
// rather than replaying the file sequentially from the start. Used to
// serve GetTxByHash/GetTxBatchByHash without re-ingesting the chain
// (spec.md §6.2).
func ReadAt(dir string, loc Location) ([]byte, error) {
	f, err := os.Open(filepath.Join(dir, fmt.Sprintf("blk%05d.dat", loc.FileNumber)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, loc.Size)
	if _, err := f.ReadAt(buf, int64(loc.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// ListFileNumbers returns every blkNNNNN.dat index present in dir, sorted
// ascending; used by Rebuild/Rescan modes to decide where file zero is.
func ListFileNumbers(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var nums []uint32
	for _, e := range entries {
		var n uint32
		if _, err := fmt.Sscanf(e.Name(), "blk%05d.dat", &n); err == nil {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}
