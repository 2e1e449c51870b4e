package dispatcher

import (
	"bytes"
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"golang.org/x/time/rate"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
	"github.com/armorynet/armoryd/blockparser"
	"github.com/armorynet/armoryd/broadcastclient"
	"github.com/armorynet/armoryd/kvstore"
	"github.com/armorynet/armoryd/notifbus"
	"github.com/armorynet/armoryd/sessionregistry"
	"github.com/armorynet/armoryd/transport"
	"github.com/armorynet/armoryd/zeroconf"
)

var log = armorylog.NewSubsystem("DISP")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// requestRate and requestBurst bound per-session request admission
// (spec.md §4.9's throttling concern; not a protocol requirement but
// needed so a single session can't starve the dispatcher's handler
// pool).
const (
	requestRate  = 200 // requests/sec
	requestBurst = 400
)

// Store is the subset of kvstore.Store the dispatcher's read handlers
// need, declared consumer-side for testability.
type Store interface {
	ScripthashRollup(scripthash chainhash.Hash) (kvstore.SSHRecord, bool, error)
	HistoryPage(scripthash chainhash.Hash, afterHeight int32, pageSize int) ([]kvstore.HistoryEntry, int32, error)
	ResolveOutpoint(op wire.OutPoint) (kvstore.STXORecord, bool, error)
	CreditedOutpoints(scripthash chainhash.Hash, afterHeight int32) ([]kvstore.CreditedOutpoint, error)
	TxByHash(txHash chainhash.Hash) ([]byte, bool, error)
	HeaderByHash(hash chainhash.Hash) (wire.BlockHeader, int32, bool, error)
	HeaderByHeight(height int32) (wire.BlockHeader, bool, error)
	Progress(bucketName []byte) (kvstore.Progress, error)
}

// Dispatcher binds one transport.Conn (one BDV session) to the shared
// component handles it routes requests to.
type Dispatcher struct {
	conn    *transport.Conn
	session *sessionregistry.Session
	reg     *sessionregistry.Registry
	store   Store
	zc      *zeroconf.Engine

	// broadcaster serves BroadcastThroughRPC/NodeStatus/EstimateFee/
	// FeeSchedule, which go straight to the node rather than through the
	// in-memory ZC engine. Nil in tests that don't exercise those paths.
	broadcaster broadcastclient.Broadcaster
	feeEst      broadcastclient.FeeEstimator

	limiter *rate.Limiter

	// pending tracks client-originated requests still awaiting reply,
	// for symmetry with a future client-side implementation; the
	// server side here only ever replies, it never needs the map, but
	// it mirrors spec.md §4.9's "client maintains a pending-request
	// map" note so the same Dispatcher type could drive either role.
	mu      sync.Mutex
	pending map[uint32]chan []byte
}

// New constructs a Dispatcher for one accepted connection. broadcaster
// may be nil, in which case BroadcastThroughRPC, EstimateFee and
// FeeSchedule reply with ErrRPCUnreachable, and NodeStatus still replies
// with the tip but reports the node as down.
func New(conn *transport.Conn, reg *sessionregistry.Registry, store Store, zc *zeroconf.Engine, broadcaster *broadcastclient.RPCBroadcaster) *Dispatcher {
	session := reg.NewSession()
	d := &Dispatcher{
		conn:    conn,
		session: session,
		reg:     reg,
		store:   store,
		zc:      zc,
		limiter: rate.NewLimiter(rate.Limit(requestRate), requestBurst),
		pending: make(map[uint32]chan []byte),
	}
	if broadcaster != nil {
		d.broadcaster = broadcaster
		d.feeEst = broadcaster
	}
	return d
}

// Serve reads requests from the connection until it closes, dispatching
// each to its handler and writing the reply frame. It also drains the
// session's outbound notification queue onto the same connection using
// the reserved unsolicited message ID (spec.md §4.9).
func (d *Dispatcher) Serve() {
	go d.pumpNotifications()

	for {
		msgID, payload, err := d.conn.Recv()
		if err != nil {
			log.Debugf("session %s connection closed: %v", d.session.ID, err)
			break
		}
		if err := d.limiter.Wait(context.Background()); err != nil {
			continue
		}
		go d.handle(msgID, payload)
	}

	d.reg.CloseSession(d.session.ID)
}

// pumpNotifications forwards the session's outbound event queue to the
// wire under the reserved unsolicited ID.
func (d *Dispatcher) pumpNotifications() {
	for ev := range d.session.Events {
		body := encodeNotification(ev)
		if err := d.conn.Send(uint64(UnsolicitedID), body); err != nil {
			return
		}
	}
}

func (d *Dispatcher) handle(msgID uint64, payload []byte) {
	hdr, body, err := DecodeRequestHeader(payload)
	if err != nil {
		d.reply(uint32(msgID), nil, err)
		return
	}
	if hdr.Version < MinSupportedVersion {
		d.reply(hdr.RequestID, nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrUnsupportedVer))
		return
	}

	var respBody []byte
	switch hdr.Type {
	case ReqRegisterWallet:
		respBody, err = d.handleRegisterWallet(body)
	case ReqUnregisterWallet:
		respBody, err = d.handleUnregisterWallet(body)
	case ReqGetCombinedBalance:
		respBody, err = d.handleGetCombinedBalance(body)
	case ReqGetCombinedTxnCount:
		respBody, err = d.handleGetCombinedTxnCounts(body)
	case ReqGetHistoryPage:
		respBody, err = d.handleGetHistoryPage(body)
	case ReqGetOutpointsForAddresses:
		respBody, err = d.handleGetOutpointsForAddresses(body)
	case ReqGetSpentnessForOutputs:
		respBody, err = d.handleGetSpentnessForOutputs(body)
	case ReqBroadcastTx:
		respBody, err = d.handleBroadcastTx(body)
	case ReqGoOnline:
		respBody, err = d.handleGoOnline(body)
	case ReqGetUTXOs:
		respBody, err = d.handleGetUTXOs(body)
	case ReqGetTxByHash:
		respBody, err = d.handleGetTxByHash(body)
	case ReqGetTxBatchByHash:
		respBody, err = d.handleGetTxBatchByHash(body)
	case ReqGetHeaderByHash:
		respBody, err = d.handleGetHeaderByHash(body)
	case ReqGetHeaderByHeight:
		respBody, err = d.handleGetHeaderByHeight(body)
	case ReqBroadcastThroughRPC:
		respBody, err = d.handleBroadcastThroughRPC(body)
	case ReqNodeStatus:
		respBody, err = d.handleNodeStatus(body)
	case ReqEstimateFee:
		respBody, err = d.handleEstimateFee(body)
	case ReqFeeSchedule:
		respBody, err = d.handleFeeSchedule(body)
	default:
		err = armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	d.reply(hdr.RequestID, respBody, err)
}

func (d *Dispatcher) reply(requestID uint32, body []byte, err error) {
	status := StatusFor(err)
	frame := EncodeReplyHeader(body, requestID, status)
	if sendErr := d.conn.Send(uint64(requestID), frame); sendErr != nil {
		log.Debugf("session %s: reply send failed: %v", d.session.ID, sendErr)
	}
}

func (d *Dispatcher) handleRegisterWallet(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	walletIDBytes, err := readBytes(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	isNewFlag, err := readU8(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	count, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	scripthashes := make([]chainhash.Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		h, err := readHash(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}
		scripthashes = append(scripthashes, chainhash.Hash(h))
	}

	d.reg.RegisterWallet(d.session, string(walletIDBytes), scripthashes, isNewFlag != 0)
	return nil, nil
}

func (d *Dispatcher) handleUnregisterWallet(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	walletIDBytes, err := readBytes(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	d.reg.UnregisterWallet(d.session, string(walletIDBytes))
	return nil, nil
}

// handleGetCombinedBalance answers GetCombinedBalances(wallet_ids[]):
// one rollup per requested wallet, each carrying a per-wallet "changed"
// flag derived from comparing every one of its scripthashes' current SSH
// version against what this session last reported for it (spec.md
// §6.2). A wallet whose every scripthash is unchanged since the last
// call is still included in the reply (so the client's wallet_ids[]
// input and the reply are position-for-position), just flagged
// unchanged rather than omitted.
func (d *Dispatcher) handleGetCombinedBalance(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	var buf bytes.Buffer
	writeU32(&buf, count)
	for i := uint32(0); i < count; i++ {
		walletIDBytes, err := readBytes(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}
		walletID := string(walletIDBytes)
		writeBytes(&buf, walletIDBytes)

		w, err := d.session.Wallet(walletID)
		if err != nil {
			writeU8(&buf, 0) // unknown wallet: zero rollup, unchanged
			writeI64(&buf, 0)
			writeI64(&buf, 0)
			writeI64(&buf, 0)
			continue
		}

		var confirmed, unconfirmed, totalReceived int64
		changed := false
		for sh := range w.Scripthashes {
			rec, found, err := d.store.ScripthashRollup(sh)
			if err != nil {
				return nil, armoryerr.Wrap(armoryerr.KindChain, err)
			}
			if !found {
				continue
			}
			confirmed += rec.ConfirmedBalance
			unconfirmed += rec.UnconfirmedBalance
			totalReceived += rec.TotalReceived
			if rec.Version != w.LastSeenVersion(sh) {
				changed = true
				w.SetLastSeenVersion(sh, rec.Version)
			}
		}

		if changed {
			writeU8(&buf, 1)
		} else {
			writeU8(&buf, 0)
		}
		writeI64(&buf, confirmed)
		writeI64(&buf, unconfirmed)
		writeI64(&buf, totalReceived)
	}
	return buf.Bytes(), nil
}

// handleGetCombinedTxnCounts answers GetCombinedTxnCounts(wallet_ids[])
// by deduping CreditedOutpoints' underlying tx hashes across a wallet's
// scripthashes (spec.md §6.2); it reuses the same delta-version tracking
// GetCombinedBalance does; a wallet is flagged changed if any scripthash
// rollup version advanced.
func (d *Dispatcher) handleGetCombinedTxnCounts(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	var buf bytes.Buffer
	writeU32(&buf, count)
	for i := uint32(0); i < count; i++ {
		walletIDBytes, err := readBytes(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}
		writeBytes(&buf, walletIDBytes)

		w, err := d.session.Wallet(string(walletIDBytes))
		if err != nil {
			writeU8(&buf, 0)
			writeU32(&buf, 0)
			continue
		}

		seen := make(map[chainhash.Hash]struct{})
		changed := false
		for sh := range w.Scripthashes {
			rec, found, rerr := d.store.ScripthashRollup(sh)
			if rerr != nil {
				return nil, armoryerr.Wrap(armoryerr.KindChain, rerr)
			}
			if found && rec.Version != w.LastSeenVersion(sh) {
				changed = true
				w.SetLastSeenVersion(sh, rec.Version)
			}

			outs, oerr := d.store.CreditedOutpoints(sh, 0)
			if oerr != nil {
				return nil, armoryerr.Wrap(armoryerr.KindChain, oerr)
			}
			for _, o := range outs {
				seen[o.TxHash] = struct{}{}
			}
		}

		if changed {
			writeU8(&buf, 1)
		} else {
			writeU8(&buf, 0)
		}
		writeU32(&buf, uint32(len(seen)))
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) handleGetHistoryPage(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	scripthash, err := readHash(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	afterHeight, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	pageSizeRaw, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	entries, next, err := d.store.HistoryPage(chainhash.Hash(scripthash), int32(afterHeight), int(pageSizeRaw))
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindChain, err)
	}

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(entries)))
	for _, e := range entries {
		writeU32(&buf, uint32(e.Height))
		writeU32(&buf, e.Entry.TxIndex)
		writeU32(&buf, e.Entry.OutputIndex)
		writeI64(&buf, e.Entry.Value)
		flags := uint8(0)
		if e.Entry.IsSpent {
			flags |= 1
		}
		if e.Entry.IsDebit {
			flags |= 2
		}
		writeU8(&buf, flags)
	}
	writeU32(&buf, uint32(next))
	return buf.Bytes(), nil
}

func (d *Dispatcher) handleGetSpentnessForOutputs(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	var buf bytes.Buffer
	writeU32(&buf, count)
	for i := uint32(0); i < count; i++ {
		txHash, err := readHash(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}
		index, err := readU32(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}

		rec, found, err := d.store.ResolveOutpoint(wire.OutPoint{Hash: chainhash.Hash(txHash), Index: index})
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindChain, err)
		}
		writeHash(&buf, txHash)
		writeU32(&buf, index)
		if !found {
			writeU8(&buf, 0) // Invalid
			continue
		}
		if rec.HasSpender {
			writeU8(&buf, 2) // Spent
			writeHash(&buf, [32]byte(rec.SpenderHash))
		} else {
			writeU8(&buf, 1) // Unspent
		}
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) handleBroadcastTx(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	raw, err := readBytes(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	tx, err := blockparser.ParseTx(raw)
	if err != nil {
		return nil, err
	}

	broadcastID := notifbus.NewBroadcastID()
	zc, err := d.zc.Admit(tx, broadcastID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writeHash(&buf, [32]byte(zc.Hash))
	return buf.Bytes(), nil
}

// handleGoOnline answers GoOnline() synchronously with the engine's
// current tip (height, hash): a client that's already caught up can act
// on the reply directly, while one that registered wallets mid-scan
// still gets subsequent state through Refresh/BalanceChanged
// notifications as usual. Building a dedicated Ready notification fired
// only once an initial historical scan finishes is out of scope here —
// see DESIGN.md's Open Question note.
func (d *Dispatcher) handleGoOnline(body []byte) ([]byte, error) {
	progress, err := d.store.Progress(kvstore.BucketHeaders)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindChain, err)
	}
	var buf bytes.Buffer
	writeU32(&buf, uint32(progress.TopHeight))
	writeHash(&buf, progress.TopHash)
	return buf.Bytes(), nil
}

func writeUTXOs(buf *bytes.Buffer, outs []kvstore.CreditedOutpoint, minValue int64) {
	kept := outs[:0]
	for _, o := range outs {
		if o.Value >= minValue {
			kept = append(kept, o)
		}
	}
	writeU32(buf, uint32(len(kept)))
	for _, o := range kept {
		writeHash(buf, [32]byte(o.TxHash))
		writeU32(buf, o.OutputIndex)
		writeI64(buf, o.Value)
		writeU32(buf, uint32(o.Height))
		writeBytes(buf, o.Script)
	}
}

// handleGetUTXOs answers GetUTXOs(wallet_id, min_value?) by unioning
// CreditedOutpoints across every scripthash the wallet registered
// (spec.md §6.2).
func (d *Dispatcher) handleGetUTXOs(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	walletIDBytes, err := readBytes(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	minValue, err := readI64(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	w, err := d.session.Wallet(string(walletIDBytes))
	if err != nil {
		return nil, err
	}

	var all []kvstore.CreditedOutpoint
	for sh := range w.Scripthashes {
		outs, err := d.store.CreditedOutpoints(sh, 0)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindChain, err)
		}
		all = append(all, outs...)
	}

	var buf bytes.Buffer
	writeUTXOs(&buf, all, minValue)
	return buf.Bytes(), nil
}

// handleGetOutpointsForAddresses answers
// GetOutpointsForAddresses(scripthashes[], height_cutoff, zc_cutoff) with
// one CreditedOutpoints batch per scripthash above height_cutoff. The
// zero-conf cutoff isn't applicable here (CreditedOutpoints only ever
// walks confirmed subSSH history); zc_cutoff is read off the wire to
// keep the framing stable but otherwise unused.
func (d *Dispatcher) handleGetOutpointsForAddresses(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	scripthashes := make([]chainhash.Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		h, err := readHash(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}
		scripthashes = append(scripthashes, chainhash.Hash(h))
	}
	heightCutoff, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	if _, err := readU32(r); err != nil { // zc_cutoff, unused
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(scripthashes)))
	for _, sh := range scripthashes {
		outs, err := d.store.CreditedOutpoints(sh, int32(heightCutoff)+1)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindChain, err)
		}
		writeHash(&buf, sh)
		writeUTXOs(&buf, outs, 0)
	}
	return buf.Bytes(), nil
}

// handleGetTxByHash answers GetTxByHash(hash) → RawTx | NotFound.
func (d *Dispatcher) handleGetTxByHash(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	txHash, err := readHash(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	raw, found, err := d.store.TxByHash(chainhash.Hash(txHash))
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindChain, err)
	}

	var buf bytes.Buffer
	if !found {
		writeU8(&buf, 0)
		return buf.Bytes(), nil
	}
	writeU8(&buf, 1)
	writeBytes(&buf, raw)
	return buf.Bytes(), nil
}

// handleGetTxBatchByHash answers GetTxBatchByHash(hashes[]) →
// map<hash, RawTx|NotFound>, allowing partial hits within one batch
// (spec.md §6.2).
func (d *Dispatcher) handleGetTxBatchByHash(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	count, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	var buf bytes.Buffer
	writeU32(&buf, count)
	for i := uint32(0); i < count; i++ {
		txHash, err := readHash(r)
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
		}
		raw, found, err := d.store.TxByHash(chainhash.Hash(txHash))
		if err != nil {
			return nil, armoryerr.Wrap(armoryerr.KindChain, err)
		}
		writeHash(&buf, txHash)
		if !found {
			writeU8(&buf, 0)
			continue
		}
		writeU8(&buf, 1)
		writeBytes(&buf, raw)
	}
	return buf.Bytes(), nil
}

func writeHeaderReply(buf *bytes.Buffer, hdr wire.BlockHeader, height int32, found bool) {
	if !found {
		writeU8(buf, 0)
		return
	}
	writeU8(buf, 1)
	writeU32(buf, uint32(height))
	writeBytes(buf, kvstore.EncodeHeader(hdr))
}

// handleGetHeaderByHash answers GetHeaderBy{Hash}(hash) → RawHeader.
func (d *Dispatcher) handleGetHeaderByHash(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	hash, err := readHash(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	hdr, height, found, err := d.store.HeaderByHash(chainhash.Hash(hash))
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindChain, err)
	}
	var buf bytes.Buffer
	writeHeaderReply(&buf, hdr, height, found)
	return buf.Bytes(), nil
}

// handleGetHeaderByHeight answers GetHeaderBy{Height}(height) → RawHeader.
func (d *Dispatcher) handleGetHeaderByHeight(body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	height, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	hdr, found, err := d.store.HeaderByHeight(int32(height))
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindChain, err)
	}
	var buf bytes.Buffer
	writeHeaderReply(&buf, hdr, int32(height), found)
	return buf.Bytes(), nil
}

// handleBroadcastThroughRPC answers BroadcastThroughRPC(raw_tx) →
// broadcast_id by submitting straight to the configured node rather than
// through the in-memory ZC engine (spec.md §6.2) — used when a caller
// wants the node's own mempool-acceptance policy rather than this
// engine's RBF/eviction rules.
func (d *Dispatcher) handleBroadcastThroughRPC(body []byte) ([]byte, error) {
	if d.broadcaster == nil {
		return nil, armoryerr.Wrap(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable)
	}
	r := bytes.NewReader(body)
	raw, err := readBytes(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	tx, err := blockparser.ParseTx(raw)
	if err != nil {
		return nil, err
	}
	if err := d.broadcaster.Broadcast(context.Background(), tx.Raw); err != nil {
		return nil, err
	}

	broadcastID := notifbus.NewBroadcastID()
	var buf bytes.Buffer
	writeBytes(&buf, []byte(broadcastID))
	return buf.Bytes(), nil
}

// handleNodeStatus answers NodeStatus() with this engine's own chain tip
// plus whether its configured node RPC connection is reachable.
func (d *Dispatcher) handleNodeStatus(body []byte) ([]byte, error) {
	progress, err := d.store.Progress(kvstore.BucketHeaders)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindChain, err)
	}

	rpcUp := uint8(0)
	if d.broadcaster != nil {
		if _, err := d.broadcaster.Confirmations(context.Background(), chainhash.Hash(progress.TopHash)); err == nil {
			rpcUp = 1
		}
	}

	var buf bytes.Buffer
	writeU32(&buf, uint32(progress.TopHeight))
	writeHash(&buf, progress.TopHash)
	writeU8(&buf, rpcUp)
	return buf.Bytes(), nil
}

// handleEstimateFee answers EstimateFee(n_blocks, mode) with a fee rate
// in satoshis/kB from the configured node's smart-fee estimator.
func (d *Dispatcher) handleEstimateFee(body []byte) ([]byte, error) {
	if d.feeEst == nil {
		return nil, armoryerr.Wrap(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable)
	}
	r := bytes.NewReader(body)
	nBlocks, err := readU32(r)
	if err != nil {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	if _, err := readU8(r); err != nil { // mode, currently advisory only
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	satPerKB, err := d.feeEst.EstimateFee(context.Background(), int64(nBlocks))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	writeI64(&buf, satPerKB)
	return buf.Bytes(), nil
}

// feeScheduleTargets are the confirmation-target tiers FeeSchedule
// reports a rate for, matching the tiers a typical wallet fee-bump UI
// offers (next block, within an hour, within a few hours, economy).
var feeScheduleTargets = []uint32{1, 3, 6, 25}

// handleFeeSchedule answers FeeSchedule(mode) with one fee rate per
// feeScheduleTargets entry; a target the node can't estimate yet (too
// little history) is reported as a zero rate rather than failing the
// whole request.
func (d *Dispatcher) handleFeeSchedule(body []byte) ([]byte, error) {
	if d.feeEst == nil {
		return nil, armoryerr.Wrap(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable)
	}
	r := bytes.NewReader(body)
	if _, err := readU8(r); err != nil { // mode, currently advisory only
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}

	var buf bytes.Buffer
	writeU32(&buf, uint32(len(feeScheduleTargets)))
	for _, n := range feeScheduleTargets {
		satPerKB, err := d.feeEst.EstimateFee(context.Background(), int64(n))
		if err != nil {
			satPerKB = 0
		}
		writeU32(&buf, n)
		writeI64(&buf, satPerKB)
	}
	return buf.Bytes(), nil
}

// encodeNotification renders a bus event for the wire: a one-byte tag
// followed by the type-specific body, matching the tagged-field codec
// style used for requests (spec.md §4.6's event table).
func encodeNotification(ev interface{}) []byte {
	var buf bytes.Buffer
	switch v := ev.(type) {
	case notifbus.BlockApplied:
		writeU8(&buf, notifTagNewBlock)
		writeU32(&buf, uint32(v.Height))
		writeHash(&buf, v.Hash)
	case notifbus.Reorg:
		writeU8(&buf, notifTagReorg)
		writeU32(&buf, uint32(v.MRCAHeight))
	case notifbus.ZCAdded:
		writeU8(&buf, notifTagZC)
		writeBytes(&buf, []byte(v.BroadcastID))
		writeHash(&buf, v.TxHash)
	case notifbus.ZCRemoved:
		writeU8(&buf, notifTagInvalidatedZC)
		writeHash(&buf, v.TxHash)
	case notifbus.BalanceChanged:
		writeU8(&buf, notifTagBalanceChanged)
		writeHash(&buf, v.Scripthash)
		writeU32(&buf, uint32(v.Height))
	default:
		writeU8(&buf, notifTagUnknown)
	}
	return buf.Bytes()
}

// Notification tags, spec.md §4.6's event table realized as one byte
// each on the wire.
const (
	notifTagUnknown uint8 = iota
	notifTagReady
	notifTagNewBlock
	notifTagReorg
	notifTagRefresh
	notifTagZC
	notifTagInvalidatedZC
	notifTagNodeStatus
	notifTagProgress
	notifTagBalanceChanged
	notifTagError
)
