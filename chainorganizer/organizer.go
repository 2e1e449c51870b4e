// Package chainorganizer drives block ingest: it pulls raw blocks from
// blockfile, parses them, feeds headers to headerchain, and on every
// resulting reorg (including the trivial one-block extension) commits
// the affected blocks through indexwriter and announces the result on
// notifbus (spec.md §4.2). Its dispatch loop and missed-block catch-up
// behavior directly adapt chainntnfs/bitcoindnotify's
// notificationDispatcher/catchUpOnMissedBlocks/getCommonBlockAncestorHeight,
// with the ZMQ/RPC block source replaced by the local blockfile+blockparser
// pipeline and confirmation/spend registrations replaced by the
// notifbus.Reorg/BlockApplied events indexwriter and zeroconf consume.
package chainorganizer

import (
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
	"github.com/armorynet/armoryd/blockfile"
	"github.com/armorynet/armoryd/blockparser"
	"github.com/armorynet/armoryd/headerchain"
	"github.com/armorynet/armoryd/indexwriter"
	"github.com/armorynet/armoryd/kvstore"
	"github.com/armorynet/armoryd/notifbus"
)

var log = armorylog.NewSubsystem("ORGN")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// blockRecord is everything the organizer needs to retain about a block
// it has fully parsed, so a later reorg's Undo/Apply lists can be
// replayed without re-reading the block file.
type blockRecord struct {
	height   int32
	hash     [32]byte
	block    *blockparser.Block
	location blockfile.Location
}

// Organizer owns the header chain, the block-file reader, and the index
// writer, and is the only goroutine that calls either's mutating methods
// (spec.md §5: ingest is single-threaded).
type Organizer struct {
	net     wire.BitcoinNet
	reader  *blockfile.Reader
	chain   *headerchain.Chain
	writer  *indexwriter.Writer
	bus     *notifbus.Bus
	parsed  map[[32]byte]*blockRecord
	quit    chan struct{}
}

// New constructs an Organizer. blockDir is the directory of blkNNNNN.dat
// files; start resumes the file reader from the store's last committed
// (file_number, offset).
func New(net wire.BitcoinNet, blockDir string, start blockfile.Cursor,
	chain *headerchain.Chain, writer *indexwriter.Writer, bus *notifbus.Bus) *Organizer {

	return &Organizer{
		net:    net,
		reader: blockfile.New(blockDir, net, start),
		chain:  chain,
		writer: writer,
		bus:    bus,
		parsed: make(map[[32]byte]*blockRecord),
		quit:   make(chan struct{}),
	}
}

// Stop signals Run to exit after its current iteration.
func (o *Organizer) Stop() { close(o.quit) }

// Run drives ingest until the block-file reader reaches io.EOF (the tip
// of what's currently on disk) or Stop is called. Callers that tail new
// block files as they appear should call Run again once more data has
// landed; it resumes from the reader's cursor.
func (o *Organizer) Run() error {
	for {
		select {
		case <-o.quit:
			return nil
		default:
		}

		raw, err := o.reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return armoryerr.Wrap(armoryerr.KindChain, err)
		}

		if err := o.ingestOne(raw); err != nil {
			return err
		}
	}
}

// ingestOne parses one raw block, inserts its header, and — if the
// insertion produced a reorg (the common, one-block case where Apply is
// exactly the new block and Undo is empty, or a genuine multi-block
// branch switch) — commits it through the index writer and announces the
// result (spec.md §4.2 steps 2-3).
func (o *Organizer) ingestOne(raw *blockfile.Block) error {
	blk, err := blockparser.Parse(raw.Bytes)
	if err != nil {
		log.Warnf("skipping malformed block at file=%d offset=%d: %v",
			raw.Location.FileNumber, raw.Location.Offset, err)
		return nil
	}

	reorg, err := o.chain.InsertHeader(&blk.Header, headerchain.FileLocation{
		FileNumber: raw.Location.FileNumber,
		Offset:     raw.Location.Offset,
		Size:       raw.Location.Size,
	})
	if err != nil {
		return armoryerr.Wrap(armoryerr.KindChain, err)
	}

	hdr, _ := o.chain.HeaderByHash(blk.Hash)
	rec := &blockRecord{
		height:   hdr.Height,
		hash:     blk.Hash,
		block:    blk,
		location: raw.Location,
	}
	o.parsed[blk.Hash] = rec

	if reorg == nil {
		return nil
	}
	return o.applyReorg(reorg)
}

// applyReorg replays a headerchain.ReorgEvent through the index writer:
// undo the abandoned branch highest-first, then apply the new branch
// lowest-first, matching the teacher's tip-first/mrca-first ordering in
// getCommonBlockAncestorHeight's callers.
func (o *Organizer) applyReorg(reorg *headerchain.ReorgEvent) error {
	busUndo := make([]notifbus.BlockApplied, 0, len(reorg.Undo))
	busApply := make([]notifbus.BlockApplied, 0, len(reorg.Apply))

	for _, h := range reorg.Undo {
		rec, ok := o.parsed[h.Hash]
		if !ok {
			return armoryerr.Wrap(armoryerr.KindChain, armoryerr.ErrMissingParent)
		}
		if err := o.writer.UndoBlock(indexwriter.AppliedBlock{
			Height: rec.height,
			Hash:   h.Hash,
			Block:  rec.block,
		}); err != nil {
			return err
		}
		busUndo = append(busUndo, notifbus.BlockApplied{Height: rec.height, Hash: h.Hash})
	}

	for _, h := range reorg.Apply {
		rec, ok := o.parsed[h.Hash]
		if !ok {
			return armoryerr.Wrap(armoryerr.KindChain, armoryerr.ErrMissingParent)
		}
		if err := o.writer.ApplyBlock(indexwriter.AppliedBlock{
			Height: rec.height,
			Hash:   h.Hash,
			Block:  rec.block,
			Location: kvstore.Progress{
				TopHeight:  rec.height,
				TopHash:    h.Hash,
				FileNumber: rec.location.FileNumber,
				FileOffset: rec.location.Offset,
			},
			Size: rec.location.Size,
		}); err != nil {
			return err
		}
		busApply = append(busApply, notifbus.BlockApplied{Height: rec.height, Hash: h.Hash})

		// Once a block is durably applied, its parsed form is no
		// longer needed for a future reorg walk-back.
		delete(o.parsed, h.Hash)
	}
	for _, h := range reorg.Undo {
		delete(o.parsed, h.Hash)
	}

	// Only now that every undo/apply has been durably committed by the
	// index writer is it safe to make the branch switch visible
	// (spec.md §4.2 step 3).
	o.chain.CommitReorg(reorg)

	if len(reorg.Undo) > 0 {
		log.Infof("reorg applied: mrca_height=%d undo=%d apply=%d",
			reorg.MRCAHeight, len(reorg.Undo), len(reorg.Apply))
	}

	return o.bus.SendUpdate(notifbus.Reorg{
		MRCAHeight: reorg.MRCAHeight,
		Undo:       busUndo,
		Apply:      busApply,
	})
}
