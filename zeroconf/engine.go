// Package zeroconf is the in-memory zero-confirmation transaction
// acceptor of spec.md §4.4. It owns a single-threaded admission loop in
// the style of chainntnfs/bitcoindnotify's notificationDispatcher:
// candidate transactions, block-commit notifications, and reorg
// notifications from chainorganizer are all serialized through one
// request channel so replacement/eviction bookkeeping never races a
// query.
package zeroconf

import (
	"time"

	"github.com/NebulousLabs/fastrand"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
	"github.com/armorynet/armoryd/blockparser"
	"github.com/armorynet/armoryd/kvstore"
	"github.com/armorynet/armoryd/notifbus"
)

var log = armorylog.NewSubsystem("ZERO")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// defaultExpiry is how long an admitted ZC survives with no block or
// replacement activity before the sweep evicts it; jittered by fastrand
// so many transactions admitted in the same instant don't all expire in
// the same sweep tick.
const defaultExpiry = 72 * time.Hour

// ChainView is the subset of kvstore.Store the ZC engine needs to
// resolve an input's producing output and on-chain spentness. Declared
// here, consumer-side, so tests can supply an in-memory fake instead of
// a real bbolt-backed Store.
type ChainView interface {
	ResolveOutpoint(op wire.OutPoint) (kvstore.STXORecord, bool, error)
}

// ZcTransaction is the admitted-transaction record spec.md §3.2
// describes: the parsed transaction, the broadcast ID that introduced it
// (empty if it arrived over the peer network), its admission time, and
// the ZC-to-ZC parent edges it depends on.
type ZcTransaction struct {
	Hash        chainhash.Hash
	Tx          *blockparser.Tx
	BroadcastID string
	ZCIndex     uint64
	AdmittedAt  time.Time
	Expiry      time.Time

	// Fee is the transaction's fee resolved against its real input
	// values at admission time, used as the RBF replacement baseline
	// (spec.md §4.4) instead of recomputing it later against inputs
	// that may no longer be resolvable (e.g. after the parent itself
	// was evicted).
	Fee int64

	// Parents are ZC hashes this transaction directly spends from;
	// Children are ZC hashes that directly spend one of this
	// transaction's outputs. Both are confined to ZC-to-ZC edges per
	// spec.md §4.4.
	Parents  []chainhash.Hash
	Children []chainhash.Hash
}

// admitRequest and its replies flow through the single admission
// goroutine's request channel.
type admitRequest struct {
	tx          *blockparser.Tx
	broadcastID string
	reply       chan admitReply
}

type admitReply struct {
	zc  *ZcTransaction
	err error
}

type blockCommitRequest struct {
	minedHashes []chainhash.Hash
	reply       chan struct{}
}

type reorgRequest struct {
	reinject []*blockparser.Tx
	reply    chan struct{}
}

// Engine is the ZC store plus its admission loop.
type Engine struct {
	chain ChainView
	bus   *notifbus.Bus

	txs           map[chainhash.Hash]*ZcTransaction
	spentBy       map[wire.OutPoint]chainhash.Hash
	scripthashes  map[chainhash.Hash]map[chainhash.Hash]struct{} // scripthash -> tx hashes touching it
	nextZCIndex   uint64

	expirySweep ticker.Ticker

	admitReqs chan admitRequest
	commitReqs chan blockCommitRequest
	reorgReqs  chan reorgRequest
	queryReqs  chan func()
	quit       chan struct{}
}

// New constructs an Engine bound to chain for outpoint resolution and
// bus for ZCAdded/ZCRemoved notifications.
func New(chain ChainView, bus *notifbus.Bus) *Engine {
	return NewWithTicker(chain, bus, ticker.New(time.Hour))
}

// NewWithTicker is New with an injectable expiry-sweep ticker, so tests
// can drive eviction deterministically with ticker.NewForce instead of
// waiting on a real hour-long interval.
func NewWithTicker(chain ChainView, bus *notifbus.Bus, sweep ticker.Ticker) *Engine {
	return &Engine{
		chain:        chain,
		bus:          bus,
		txs:          make(map[chainhash.Hash]*ZcTransaction),
		spentBy:      make(map[wire.OutPoint]chainhash.Hash),
		scripthashes: make(map[chainhash.Hash]map[chainhash.Hash]struct{}),
		expirySweep:  sweep,
		admitReqs:    make(chan admitRequest),
		commitReqs:   make(chan blockCommitRequest),
		reorgReqs:    make(chan reorgRequest),
		queryReqs:    make(chan func()),
		quit:         make(chan struct{}),
	}
}

// Start launches the admission loop.
func (e *Engine) Start() {
	go e.loop()
}

// Stop halts the admission loop.
func (e *Engine) Stop() { close(e.quit) }

func (e *Engine) loop() {
	e.expirySweep.Resume()
	defer e.expirySweep.Stop()

	for {
		select {
		case req := <-e.admitReqs:
			zc, err := e.admit(req.tx, req.broadcastID)
			req.reply <- admitReply{zc: zc, err: err}

		case req := <-e.commitReqs:
			e.onBlockCommitted(req.minedHashes)
			close(req.reply)

		case req := <-e.reorgReqs:
			e.onReorg(req.reinject)
			close(req.reply)

		case fn := <-e.queryReqs:
			fn()

		case <-e.expirySweep.Ticks():
			e.sweepExpired()

		case <-e.quit:
			return
		}
	}
}

// Admit submits a candidate transaction for admission, blocking until
// the admission loop has processed it (spec.md §4.4 steps 1-4).
func (e *Engine) Admit(tx *blockparser.Tx, broadcastID string) (*ZcTransaction, error) {
	reply := make(chan admitReply, 1)
	e.admitReqs <- admitRequest{tx: tx, broadcastID: broadcastID, reply: reply}
	r := <-reply
	return r.zc, r.err
}

// OnBlockCommitted tells the engine a block was just applied to the main
// branch, so it can silently drop newly-confirmed ZCs and revalidate the
// rest (spec.md §4.4 "Interaction with new blocks").
func (e *Engine) OnBlockCommitted(minedHashes []chainhash.Hash) {
	reply := make(chan struct{})
	e.commitReqs <- blockCommitRequest{minedHashes: minedHashes, reply: reply}
	<-reply
}

// OnReorg reinjects the transactions from undone blocks as candidate ZCs
// in their original order, then revalidates the survivors (spec.md §4.4
// "Reorg"). Transactions already present in newly-applied blocks are the
// caller's responsibility to exclude before calling this (they'll be
// dropped on the subsequent OnBlockCommitted silently, same as any other
// newly-mined ZC).
func (e *Engine) OnReorg(reinject []*blockparser.Tx) {
	reply := make(chan struct{})
	e.reorgReqs <- reorgRequest{reinject: reinject, reply: reply}
	<-reply
}

// query runs fn on the admission goroutine and waits for it, giving
// read-only lookups (ScripthashZCs, Get) the same serialization as
// mutations without a separate lock.
func (e *Engine) query(fn func()) {
	done := make(chan struct{})
	e.queryReqs <- func() { fn(); close(done) }
	<-done
}

// Get returns the admitted ZC for a hash, if any.
func (e *Engine) Get(hash chainhash.Hash) (*ZcTransaction, bool) {
	var zc *ZcTransaction
	var ok bool
	e.query(func() { zc, ok = e.txs[hash] })
	return zc, ok
}

// ScripthashZCs returns the set of ZC hashes touching a scripthash, for
// building the unconfirmed portion of a history page (spec.md §4.7).
func (e *Engine) ScripthashZCs(scripthash chainhash.Hash) []chainhash.Hash {
	var out []chainhash.Hash
	e.query(func() {
		for h := range e.scripthashes[scripthash] {
			out = append(out, h)
		}
	})
	return out
}

func (e *Engine) admit(tx *blockparser.Tx, broadcastID string) (*ZcTransaction, error) {
	if existing, exists := e.txs[tx.Hash]; exists {
		// Already admitted: this is a rebroadcast of the same
		// transaction, not a new candidate. Still tag it with the new
		// broadcast ID and announce it, so a client that rebroadcasts
		// gets back a ZC notification for its new broadcast_id
		// (spec.md §4.4/§8 round-trip property).
		existing.BroadcastID = broadcastID
		e.bus.SendUpdate(notifbus.ZCAdded{BroadcastID: broadcastID, TxHash: existing.Hash})
		return existing, nil
	}

	var parents []chainhash.Hash
	var evict []chainhash.Hash
	replacedFee := int64(0)

	inputValues := make([]int64, len(tx.Inputs))
	prevScripts := make([][]byte, len(tx.Inputs))

	for i, in := range tx.Inputs {
		op := in.PreviousOutPoint

		if producer, ok := e.spentBy[op]; ok {
			// Spent by another ZC: apply replacement policy.
			rival := e.txs[producer]
			if rival == nil || !blockparser.IsRBFSignaled(rival.Tx) {
				return nil, armoryerr.Wrap(armoryerr.KindZC, armoryerr.ErrReplacementRejected)
			}
			evict = append(evict, e.collectDescendants(producer)...)
			evict = append(evict, producer)
			replacedFee += e.subtreeFee(producer)
		}

		rec, found, err := e.chain.ResolveOutpoint(op)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindZC, err)
		}
		if found {
			if rec.HasSpender {
				return nil, armoryerr.Wrap(armoryerr.KindZC, armoryerr.ErrAlreadySpentOnChain)
			}
			inputValues[i] = rec.Value
			prevScripts[i] = rec.Script
			continue
		}

		// Not on-chain: must be produced by a still-live ZC.
		if producerZC, ok := e.txs[op.Hash]; ok {
			if int(op.Index) >= len(producerZC.Tx.Outputs) {
				return nil, armoryerr.Wrap(armoryerr.KindZC, armoryerr.ErrUnknownParent)
			}
			inputValues[i] = producerZC.Tx.Outputs[op.Index].Value
			prevScripts[i] = producerZC.Tx.Outputs[op.Index].Script
			parents = append(parents, op.Hash)
			continue
		}

		return nil, armoryerr.Wrap(armoryerr.KindZC, armoryerr.ErrUnknownParent)
	}

	fee := blockparser.Fee(tx, inputValues)
	if len(evict) > 0 && fee <= replacedFee {
		return nil, armoryerr.Wrap(armoryerr.KindZC, armoryerr.ErrReplacementRejected)
	}

	for i := range tx.Inputs {
		if err := e.evaluateScript(tx, i, prevScripts[i], inputValues[i]); err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindZC, armoryerr.ErrScriptInvalid)
		}
	}

	for _, hash := range evict {
		e.evictOne(hash, "replaced")
	}

	now := time.Now()
	zc := &ZcTransaction{
		Hash:        tx.Hash,
		Tx:          tx,
		BroadcastID: broadcastID,
		ZCIndex:     e.nextZCIndex,
		AdmittedAt:  now,
		Expiry:      now.Add(jitteredExpiry()),
		Parents:     parents,
		Fee:         fee,
	}
	e.nextZCIndex++
	e.txs[tx.Hash] = zc

	for _, in := range tx.Inputs {
		e.spentBy[in.PreviousOutPoint] = tx.Hash
	}
	for _, p := range parents {
		if parentZC, ok := e.txs[p]; ok {
			parentZC.Children = append(parentZC.Children, tx.Hash)
		}
	}

	touched := make([]chainhash.Hash, 0, len(tx.Outputs))
	for _, out := range tx.Outputs {
		if e.scripthashes[out.Scripthash] == nil {
			e.scripthashes[out.Scripthash] = make(map[chainhash.Hash]struct{})
		}
		e.scripthashes[out.Scripthash][tx.Hash] = struct{}{}
		touched = append(touched, out.Scripthash)
	}

	e.bus.SendUpdate(notifbus.ZCAdded{BroadcastID: broadcastID, TxHash: tx.Hash})

	return zc, nil
}

// evaluateScript runs input i's script against the resolved previous
// output's script and value, using btcsuite/btcd/txscript the same way
// consensus validation does, but standalone: no block context (BIP16/
// segwit activation height, etc.) is checked here, since per-transaction
// script evaluation is explicitly in scope while block-level consensus
// validation is not (spec.md §1).
func (e *Engine) evaluateScript(tx *blockparser.Tx, i int, prevScript []byte, prevValue int64) error {
	vm, err := txscript.NewEngine(
		prevScript, tx.Raw, i, txscript.StandardVerifyFlags, nil, nil, prevValue,
	)
	if err != nil {
		return err
	}
	return vm.Execute()
}

// collectDescendants returns every ZC transitively spending outputs of
// hash, for cascading eviction on replacement or invalidation.
func (e *Engine) collectDescendants(hash chainhash.Hash) []chainhash.Hash {
	zc, ok := e.txs[hash]
	if !ok {
		return nil
	}
	var out []chainhash.Hash
	for _, child := range zc.Children {
		out = append(out, child)
		out = append(out, e.collectDescendants(child)...)
	}
	return out
}

// subtreeFee sums the real admission-time fee (spec.md §4.4) of hash and
// everything it transitively spawned, the baseline a replacement must
// strictly exceed.
func (e *Engine) subtreeFee(hash chainhash.Hash) int64 {
	zc, ok := e.txs[hash]
	if !ok {
		return 0
	}
	total := zc.Fee
	for _, child := range zc.Children {
		total += e.subtreeFee(child)
	}
	return total
}

// evictOne removes a single ZC (not its descendants — callers pass the
// full transitive set) and announces ZCRemoved.
func (e *Engine) evictOne(hash chainhash.Hash, reason string) {
	zc, ok := e.txs[hash]
	if !ok {
		return
	}
	delete(e.txs, hash)
	for _, in := range zc.Tx.Inputs {
		if e.spentBy[in.PreviousOutPoint] == hash {
			delete(e.spentBy, in.PreviousOutPoint)
		}
	}
	for _, out := range zc.Tx.Outputs {
		if set := e.scripthashes[out.Scripthash]; set != nil {
			delete(set, hash)
			if len(set) == 0 {
				delete(e.scripthashes, out.Scripthash)
			}
		}
	}
	e.bus.SendUpdate(notifbus.ZCRemoved{BroadcastID: zc.BroadcastID, TxHash: hash, Reason: reason})
}

// onBlockCommitted implements spec.md §4.4's "Interaction with new
// blocks": mined ZCs are dropped silently, survivors are revalidated
// against the new tip.
func (e *Engine) onBlockCommitted(minedHashes []chainhash.Hash) {
	mined := make(map[chainhash.Hash]struct{}, len(minedHashes))
	for _, h := range minedHashes {
		mined[h] = struct{}{}
	}
	for hash := range e.txs {
		if _, isMined := mined[hash]; isMined {
			e.dropSilently(hash)
		}
	}
	e.revalidateAll()
}

func (e *Engine) dropSilently(hash chainhash.Hash) {
	zc, ok := e.txs[hash]
	if !ok {
		return
	}
	delete(e.txs, hash)
	for _, in := range zc.Tx.Inputs {
		if e.spentBy[in.PreviousOutPoint] == hash {
			delete(e.spentBy, in.PreviousOutPoint)
		}
	}
	for _, out := range zc.Tx.Outputs {
		if set := e.scripthashes[out.Scripthash]; set != nil {
			delete(set, hash)
		}
	}
}

// revalidateAll re-checks every remaining ZC's inputs against the chain
// view, evicting (with InvalidatedZC) any that now conflict with
// something just mined or whose parent no longer exists.
func (e *Engine) revalidateAll() {
	for hash, zc := range e.txs {
		for _, in := range zc.Tx.Inputs {
			if _, isZCParent := e.txs[in.PreviousOutPoint.Hash]; isZCParent {
				continue
			}
			rec, found, err := e.chain.ResolveOutpoint(in.PreviousOutPoint)
			if err != nil {
				continue
			}
			if !found || (rec.HasSpender && rec.SpenderHash != hash) {
				for _, d := range e.collectDescendants(hash) {
					e.evictOne(d, "invalidated-by-reorg")
				}
				e.evictOne(hash, "invalidated-by-reorg")
				break
			}
		}
	}
}

// onReorg reinjects undone-block transactions as candidates, in
// original order, then revalidates.
func (e *Engine) onReorg(reinject []*blockparser.Tx) {
	for _, tx := range reinject {
		if tx.IsCoinbase {
			continue
		}
		if _, exists := e.txs[tx.Hash]; exists {
			continue
		}
		if _, err := e.admit(tx, ""); err != nil {
			log.Debugf("reorg reinjection of %v dropped: %v", tx.Hash, err)
		}
	}
	e.revalidateAll()
}

func (e *Engine) sweepExpired() {
	now := time.Now()
	var expired []chainhash.Hash
	for hash, zc := range e.txs {
		if now.After(zc.Expiry) {
			expired = append(expired, hash)
		}
	}
	for _, hash := range expired {
		e.evictOne(hash, "expired")
	}
}

func jitteredExpiry() time.Duration {
	jitterMinutes := fastrand.Intn(60)
	return defaultExpiry + time.Duration(jitterMinutes)*time.Minute
}
