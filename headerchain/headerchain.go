// Package headerchain holds every parsed block header the engine has ever
// seen, computes the main branch under the tie-break rule of spec.md
// §4.2, and serves height<->hash and parent lookups. It is the leaf-most
// component of block ingest (spec.md §2).
package headerchain

import (
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/btcsuite/btclog"

	"github.com/armorynet/armoryd/armorylog"
)

var log = armorylog.NewSubsystem("CHNH")

// UseLogger rewires this package's logger, called once backend logging is
// configured (the same per-subsystem UseLogger convention the teacher
// uses throughout lnd).
func UseLogger(l btclog.Logger) { log = l }

// MainBranchID is the branch ID reserved for the canonical chain.
const MainBranchID = 0

// FileLocation pins a header's serialized block to a position in the
// on-disk block-file set (spec.md §3.1).
type FileLocation struct {
	FileNumber uint32
	Offset     uint64
	Size       uint32
}

// BlockHeader is the 80-byte Bitcoin header plus the derived fields
// spec.md §3.1 requires: height, branch ID, cumulative work, and file
// location.
type BlockHeader struct {
	wire.BlockHeader

	Hash   chainhash.Hash
	Height int32

	// BranchID is 0 for the main branch; any other value marks the
	// header off-branch (an orphan fork still attached to a known
	// parent, or an alternate-history leaf).
	BranchID uint32

	CumulativeWork *big.Int

	Location FileLocation

	// firstSeenOrder breaks equal-work ties in favor of whichever
	// branch's tip was inserted first (spec.md §4.2).
	firstSeenOrder uint64
}

// Chain is the mapping hash -> BlockHeader plus the main-branch height
// index. All mutation is brief (one header insertion) and goes through a
// sync.RWMutex, per spec.md §5.
type Chain struct {
	mu sync.RWMutex

	headers    map[chainhash.Hash]*BlockHeader
	mainBranch map[int32]*BlockHeader // height -> header, main branch only
	orphans    map[chainhash.Hash]*BlockHeader

	tip     *BlockHeader
	genesis *BlockHeader

	insertSeq uint64
}

// New creates an empty Chain. Callers insert the genesis header with
// InsertGenesis before calling InsertHeader.
func New() *Chain {
	return &Chain{
		headers:    make(map[chainhash.Hash]*BlockHeader),
		mainBranch: make(map[int32]*BlockHeader),
		orphans:    make(map[chainhash.Hash]*BlockHeader),
	}
}

// InsertGenesis seeds the chain with the network's genesis header at
// height 0 on the main branch.
func (c *Chain) InsertGenesis(hdr *wire.BlockHeader, loc FileLocation) *BlockHeader {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := hdr.BlockHash()
	bh := &BlockHeader{
		BlockHeader:    *hdr,
		Hash:           hash,
		Height:         0,
		BranchID:       MainBranchID,
		CumulativeWork: blockchain.CalcWork(hdr.Bits),
		Location:       loc,
		firstSeenOrder: c.nextSeq(),
	}
	c.headers[hash] = bh
	c.mainBranch[0] = bh
	c.tip = bh
	c.genesis = bh
	return bh
}

func (c *Chain) nextSeq() uint64 {
	c.insertSeq++
	return c.insertSeq
}

// ReorgEvent describes a main-branch change: the branch point height, and
// the headers to undo (highest-first) and apply (lowest-first) to move
// the index writer from the old tip to the new one. NewTip is the
// candidate header that triggered the event; it is also Apply's last
// element, kept as its own field so CommitReorg doesn't need to assume
// Apply is non-empty.
type ReorgEvent struct {
	MRCAHeight int32
	Undo       []*BlockHeader
	Apply      []*BlockHeader
	NewTip     *BlockHeader
}

// InsertHeader adds a new header to the chain. If its parent is unknown
// the header is held as an orphan and (nil, nil) is returned. Otherwise
// its height and cumulative work are computed; if cumulative work exceeds
// the current tip's, a ReorgEvent is returned describing the branch
// switch. InsertHeader itself does NOT flip BranchID/mainBranch/tip —
// per spec.md §4.2 step 3, "main branch pointers are not flipped until
// the index writer acknowledges completion of the apply/undo". The
// caller (chainorganizer) must replay Undo/Apply through the index
// writer and only then call CommitReorg with the returned event.
func (c *Chain) InsertHeader(hdr *wire.BlockHeader, loc FileLocation) (*ReorgEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := hdr.BlockHash()
	if _, exists := c.headers[hash]; exists {
		return nil, nil
	}

	parent, ok := c.headers[hdr.PrevBlock]
	if !ok {
		// Orphan: hold it until its parent arrives.
		bh := &BlockHeader{
			BlockHeader:    *hdr,
			Hash:           hash,
			Height:         -1,
			BranchID:       ^uint32(0),
			CumulativeWork: blockchain.CalcWork(hdr.Bits),
			Location:       loc,
			firstSeenOrder: c.nextSeq(),
		}
		c.orphans[hash] = bh
		log.Debugf("holding orphan header %v (parent %v unseen)", hash, hdr.PrevBlock)
		return nil, nil
	}

	work := new(big.Int).Add(parent.CumulativeWork, blockchain.CalcWork(hdr.Bits))
	bh := &BlockHeader{
		BlockHeader:    *hdr,
		Hash:           hash,
		Height:         parent.Height + 1,
		BranchID:       parent.BranchID + 1,
		CumulativeWork: work,
		Location:       loc,
		firstSeenOrder: c.nextSeq(),
	}
	if parent.BranchID == MainBranchID {
		// Parent is on the main branch: start a new off-branch id
		// distinct from every other fork so two forks off the same
		// point don't collide.
		bh.BranchID = uint32(c.nextSeq()) + 1
	} else {
		bh.BranchID = parent.BranchID
	}
	c.headers[hash] = bh

	// Promote any orphans whose parent is this header.
	c.promoteOrphans(bh)

	if c.isBetterTip(bh) {
		ev := c.computeReorg(bh)
		return ev, nil
	}

	log.Debugf("header %v at height %d stays off main branch (work=%v < tip=%v)",
		hash, bh.Height, bh.CumulativeWork, c.tip.CumulativeWork)
	return nil, nil
}

// isBetterTip applies the greater-cumulative-work / first-seen tie-break
// rule from spec.md §4.2.
func (c *Chain) isBetterTip(candidate *BlockHeader) bool {
	cmp := candidate.CumulativeWork.Cmp(c.tip.CumulativeWork)
	if cmp > 0 {
		return true
	}
	if cmp == 0 {
		return candidate.firstSeenOrder < c.tip.firstSeenOrder
	}
	return false
}

func (c *Chain) promoteOrphans(parent *BlockHeader) {
	for hash, orphan := range c.orphans {
		if orphan.PrevBlock != parent.Hash {
			continue
		}
		delete(c.orphans, hash)
		work := new(big.Int).Add(parent.CumulativeWork, blockchain.CalcWork(orphan.Bits))
		orphan.Height = parent.Height + 1
		orphan.CumulativeWork = work
		orphan.BranchID = parent.BranchID
		c.headers[hash] = orphan
		c.promoteOrphans(orphan)
	}
}

// computeReorg walks back from newTip and the current tip to their MRCA,
// building the undo (old branch, highest-first) and apply (new branch,
// lowest-first) lists. It is a pure computation: it does not touch
// BranchID, mainBranch, or tip. Callers replay Undo/Apply through the
// index writer and only then call CommitReorg to make the switch visible
// (spec.md §4.2 step 3).
func (c *Chain) computeReorg(newTip *BlockHeader) *ReorgEvent {
	oldTip := c.tip

	oldChain := []*BlockHeader{}
	newChain := []*BlockHeader{}

	a, b := oldTip, newTip
	for a.Height > b.Height {
		oldChain = append(oldChain, a)
		a = c.headers[a.PrevBlock]
	}
	for b.Height > a.Height {
		newChain = append(newChain, b)
		b = c.headers[b.PrevBlock]
	}
	for a.Hash != b.Hash {
		oldChain = append(oldChain, a)
		newChain = append(newChain, b)
		a = c.headers[a.PrevBlock]
		b = c.headers[b.PrevBlock]
	}
	mrca := a

	// newChain was built tip-to-mrca; apply order is mrca-to-tip.
	for i, j := 0, len(newChain)-1; i < j; i, j = i+1, j-1 {
		newChain[i], newChain[j] = newChain[j], newChain[i]
	}

	if len(oldChain) > 0 || len(newChain) > 0 {
		log.Infof("reorg computed: mrca height=%d, undo=%d blocks, apply=%d blocks",
			mrca.Height, len(oldChain), len(newChain))
	}

	return &ReorgEvent{
		MRCAHeight: mrca.Height,
		Undo:       oldChain,
		Apply:      newChain,
		NewTip:     newTip,
	}
}

// CommitReorg makes a previously computed ReorgEvent visible: it flips
// BranchID for every header in Undo/Apply, rewrites the mainBranch height
// index, and moves the tip. Callers must call this only after the index
// writer has durably applied/undone every block in ev (spec.md §4.2 step
// 3) — InsertHeader itself never calls this.
func (c *Chain) CommitReorg(ev *ReorgEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	abandoned := uint32(c.nextSeq()) + 1
	for _, h := range ev.Undo {
		h.BranchID = abandoned
		delete(c.mainBranch, h.Height)
	}
	for _, h := range ev.Apply {
		h.BranchID = MainBranchID
		c.mainBranch[h.Height] = h
	}
	c.tip = ev.NewTip

	log.Infof("reorg committed: mrca height=%d, new tip=%v at height %d",
		ev.MRCAHeight, c.tip.Hash, c.tip.Height)
}

// Tip returns the current main-branch tip.
func (c *Chain) Tip() *BlockHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// HeaderByHash looks up any known header, on or off the main branch.
func (c *Chain) HeaderByHash(hash chainhash.Hash) (*BlockHeader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.headers[hash]
	return h, ok
}

// HeaderByHeight looks up the main-branch header at a height.
func (c *Chain) HeaderByHeight(height int32) (*BlockHeader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.mainBranch[height]
	return h, ok
}

// Parent returns a header's parent, if known.
func (c *Chain) Parent(h *BlockHeader) (*BlockHeader, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.headers[h.PrevBlock]
	return p, ok
}
