package dispatcher

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/armorynet/armoryd/kvstore"
	"github.com/armorynet/armoryd/notifbus"
	"github.com/armorynet/armoryd/sessionregistry"
	"github.com/armorynet/armoryd/zeroconf"
)

// fakeStore is an in-memory Store for dispatcher handler tests.
type fakeStore struct {
	rollups  map[chainhash.Hash]kvstore.SSHRecord
	outpoint map[wire.OutPoint]kvstore.STXORecord
	utxos    map[chainhash.Hash][]kvstore.CreditedOutpoint
	txs      map[chainhash.Hash][]byte
	headers  map[int32]wire.BlockHeader
	progress kvstore.Progress
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rollups:  make(map[chainhash.Hash]kvstore.SSHRecord),
		outpoint: make(map[wire.OutPoint]kvstore.STXORecord),
		utxos:    make(map[chainhash.Hash][]kvstore.CreditedOutpoint),
		txs:      make(map[chainhash.Hash][]byte),
		headers:  make(map[int32]wire.BlockHeader),
	}
}

func (s *fakeStore) ScripthashRollup(sh chainhash.Hash) (kvstore.SSHRecord, bool, error) {
	rec, ok := s.rollups[sh]
	return rec, ok, nil
}

func (s *fakeStore) HistoryPage(sh chainhash.Hash, afterHeight int32, pageSize int) ([]kvstore.HistoryEntry, int32, error) {
	return nil, 0, nil
}

func (s *fakeStore) ResolveOutpoint(op wire.OutPoint) (kvstore.STXORecord, bool, error) {
	rec, ok := s.outpoint[op]
	return rec, ok, nil
}

func (s *fakeStore) CreditedOutpoints(sh chainhash.Hash, afterHeight int32) ([]kvstore.CreditedOutpoint, error) {
	return s.utxos[sh], nil
}

func (s *fakeStore) TxByHash(txHash chainhash.Hash) ([]byte, bool, error) {
	raw, ok := s.txs[txHash]
	return raw, ok, nil
}

func (s *fakeStore) HeaderByHash(hash chainhash.Hash) (wire.BlockHeader, int32, bool, error) {
	return wire.BlockHeader{}, 0, false, nil
}

func (s *fakeStore) HeaderByHeight(height int32) (wire.BlockHeader, bool, error) {
	hdr, ok := s.headers[height]
	return hdr, ok, nil
}

func (s *fakeStore) Progress(bucketName []byte) (kvstore.Progress, error) {
	return s.progress, nil
}

// fakeChainView satisfies zeroconf.ChainView for handleBroadcastTx tests.
type fakeChainView struct{ store *fakeStore }

func (f *fakeChainView) ResolveOutpoint(op wire.OutPoint) (kvstore.STXORecord, bool, error) {
	return f.store.ResolveOutpoint(op)
}

func newTestDispatcher(t *testing.T, store *fakeStore) *Dispatcher {
	t.Helper()
	bus := notifbus.New()
	if err := bus.Start(); err != nil {
		t.Fatalf("bus.Start: %v", err)
	}
	t.Cleanup(bus.Stop)

	reg := sessionregistry.New(bus)
	zc := zeroconf.New(&fakeChainView{store: store}, bus)
	zc.Start()
	t.Cleanup(zc.Stop)

	return New(nil, reg, store, zc, nil)
}

func TestHandleRegisterWalletThenGetCombinedBalance(t *testing.T) {
	store := newFakeStore()
	sh := chainhash.Hash{1, 2, 3}
	store.rollups[sh] = kvstore.SSHRecord{ConfirmedBalance: 5000, UnconfirmedBalance: 100, TotalReceived: 6000, Version: 1}

	d := newTestDispatcher(t, store)

	var reqBuf bytes.Buffer
	writeBytes(&reqBuf, []byte("wallet-1"))
	writeU8(&reqBuf, 1) // isNew
	writeU32(&reqBuf, 1)
	writeHash(&reqBuf, sh)

	if _, err := d.handleRegisterWallet(reqBuf.Bytes()); err != nil {
		t.Fatalf("handleRegisterWallet: %v", err)
	}

	var balReq bytes.Buffer
	writeU32(&balReq, 1)
	writeBytes(&balReq, []byte("wallet-1"))
	respBody, err := d.handleGetCombinedBalance(balReq.Bytes())
	if err != nil {
		t.Fatalf("handleGetCombinedBalance: %v", err)
	}

	r := bytes.NewReader(respBody)
	walletCount, _ := readU32(r)
	if walletCount != 1 {
		t.Fatalf("expected 1 wallet in reply, got %d", walletCount)
	}
	walletID, _ := readBytes(r)
	changed, _ := readU8(r)
	confirmed, _ := readI64(r)
	unconfirmed, _ := readI64(r)
	totalReceived, _ := readI64(r)
	if string(walletID) != "wallet-1" {
		t.Fatalf("expected wallet-1 echoed back, got %q", walletID)
	}
	if changed != 1 {
		t.Fatalf("expected the first call to report a changed balance")
	}
	if confirmed != 5000 || unconfirmed != 100 || totalReceived != 6000 {
		t.Fatalf("unexpected balance: confirmed=%d unconfirmed=%d total=%d", confirmed, unconfirmed, totalReceived)
	}

	// A second call with nothing changed on-chain reports changed=0.
	respBody2, err := d.handleGetCombinedBalance(balReq.Bytes())
	if err != nil {
		t.Fatalf("handleGetCombinedBalance (second call): %v", err)
	}
	r2 := bytes.NewReader(respBody2)
	readU32(r2)
	readBytes(r2)
	changed2, _ := readU8(r2)
	if changed2 != 0 {
		t.Fatalf("expected the second call to report no change, got changed=%d", changed2)
	}
}

func TestHandleGetCombinedBalanceUnknownWalletReportsZero(t *testing.T) {
	d := newTestDispatcher(t, newFakeStore())

	var req bytes.Buffer
	writeU32(&req, 1)
	writeBytes(&req, []byte("nonexistent"))
	resp, err := d.handleGetCombinedBalance(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetCombinedBalance: %v", err)
	}

	r := bytes.NewReader(resp)
	readU32(r)
	walletID, _ := readBytes(r)
	changed, _ := readU8(r)
	confirmed, _ := readI64(r)
	if string(walletID) != "nonexistent" || changed != 0 || confirmed != 0 {
		t.Fatalf("expected a zeroed, unchanged rollup for an unregistered wallet")
	}
}

func TestHandleGetSpentnessForOutputsReportsUnspentAndUnknown(t *testing.T) {
	store := newFakeStore()
	known := wire.OutPoint{Hash: chainhash.Hash{9}, Index: 0}
	store.outpoint[known] = kvstore.STXORecord{Value: 1000}

	d := newTestDispatcher(t, store)

	var req bytes.Buffer
	writeU32(&req, 2)
	writeHash(&req, known.Hash)
	writeU32(&req, known.Index)
	unknown := chainhash.Hash{8}
	writeHash(&req, unknown)
	writeU32(&req, 0)

	resp, err := d.handleGetSpentnessForOutputs(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetSpentnessForOutputs: %v", err)
	}

	r := bytes.NewReader(resp)
	count, _ := readU32(r)
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}

	h1, _ := readHash(r)
	idx1, _ := readU32(r)
	status1, _ := readU8(r)
	if chainhash.Hash(h1) != known.Hash || idx1 != known.Index || status1 != 1 {
		t.Fatalf("expected known outpoint reported unspent (1), got status=%d", status1)
	}

	h2, _ := readHash(r)
	idx2, _ := readU32(r)
	status2, _ := readU8(r)
	if chainhash.Hash(h2) != unknown || idx2 != 0 || status2 != 0 {
		t.Fatalf("expected unknown outpoint reported invalid (0), got status=%d", status2)
	}
}

func TestHandleBroadcastTxAdmitsValidTransaction(t *testing.T) {
	store := newFakeStore()
	script, _ := txscript.NewScriptBuilder().AddOp(txscript.OP_TRUE).Script()
	spend := wire.OutPoint{Hash: chainhash.Hash{7}, Index: 0}
	store.outpoint[spend] = kvstore.STXORecord{Value: 5000, Script: script}

	d := newTestDispatcher(t, store)

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxIn(&wire.TxIn{PreviousOutPoint: spend, Sequence: wire.MaxTxInSequenceNum})
	msgTx.AddTxOut(&wire.TxOut{Value: 4000, PkScript: script})
	var rawTx bytes.Buffer
	if err := msgTx.Serialize(&rawTx); err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var req bytes.Buffer
	writeBytes(&req, rawTx.Bytes())

	resp, err := d.handleBroadcastTx(req.Bytes())
	if err != nil {
		t.Fatalf("handleBroadcastTx: %v", err)
	}
	got, err := readHash(bytes.NewReader(resp))
	if err != nil {
		t.Fatalf("readHash: %v", err)
	}
	if chainhash.Hash(got) != msgTx.TxHash() {
		t.Fatalf("expected reply to echo admitted tx hash %v, got %v", msgTx.TxHash(), chainhash.Hash(got))
	}
}

func TestHandleGoOnlineReportsTip(t *testing.T) {
	store := newFakeStore()
	store.progress = kvstore.Progress{TopHeight: 42, TopHash: chainhash.Hash{9, 9}}
	d := newTestDispatcher(t, store)

	resp, err := d.handleGoOnline(nil)
	if err != nil {
		t.Fatalf("handleGoOnline: %v", err)
	}
	r := bytes.NewReader(resp)
	height, _ := readU32(r)
	hash, _ := readHash(r)
	if height != 42 || chainhash.Hash(hash) != store.progress.TopHash {
		t.Fatalf("expected tip (42, %v), got (%d, %v)", store.progress.TopHash, height, chainhash.Hash(hash))
	}
}

func TestHandleGetUTXOsFiltersByMinValue(t *testing.T) {
	store := newFakeStore()
	sh := chainhash.Hash{5}
	store.utxos[sh] = []kvstore.CreditedOutpoint{
		{TxHash: chainhash.Hash{1}, OutputIndex: 0, Value: 1000, Height: 10},
		{TxHash: chainhash.Hash{2}, OutputIndex: 1, Value: 50, Height: 11},
	}

	d := newTestDispatcher(t, store)
	var reqBuf bytes.Buffer
	writeBytes(&reqBuf, []byte("wallet-1"))
	writeU8(&reqBuf, 1)
	writeU32(&reqBuf, 1)
	writeHash(&reqBuf, sh)
	if _, err := d.handleRegisterWallet(reqBuf.Bytes()); err != nil {
		t.Fatalf("handleRegisterWallet: %v", err)
	}

	var req bytes.Buffer
	writeBytes(&req, []byte("wallet-1"))
	writeI64(&req, 500) // min_value
	resp, err := d.handleGetUTXOs(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetUTXOs: %v", err)
	}
	r := bytes.NewReader(resp)
	count, _ := readU32(r)
	if count != 1 {
		t.Fatalf("expected 1 UTXO above min_value, got %d", count)
	}
	txHash, _ := readHash(r)
	if chainhash.Hash(txHash) != (chainhash.Hash{1}) {
		t.Fatalf("expected the 1000-sat output to survive filtering, got %v", chainhash.Hash(txHash))
	}
}

func TestHandleGetOutpointsForAddressesReturnsPerScripthashBatches(t *testing.T) {
	store := newFakeStore()
	sh := chainhash.Hash{6}
	store.utxos[sh] = []kvstore.CreditedOutpoint{
		{TxHash: chainhash.Hash{3}, OutputIndex: 0, Value: 100, Height: 5},
	}
	d := newTestDispatcher(t, store)

	var req bytes.Buffer
	writeU32(&req, 1)
	writeHash(&req, sh)
	writeU32(&req, 0) // height_cutoff
	writeU32(&req, 0) // zc_cutoff, unused
	resp, err := d.handleGetOutpointsForAddresses(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetOutpointsForAddresses: %v", err)
	}
	r := bytes.NewReader(resp)
	shCount, _ := readU32(r)
	if shCount != 1 {
		t.Fatalf("expected 1 scripthash batch, got %d", shCount)
	}
	gotSh, _ := readHash(r)
	if chainhash.Hash(gotSh) != sh {
		t.Fatalf("expected scripthash echoed back, got %v", chainhash.Hash(gotSh))
	}
	utxoCount, _ := readU32(r)
	if utxoCount != 1 {
		t.Fatalf("expected 1 UTXO for the scripthash, got %d", utxoCount)
	}
}

func TestHandleGetTxByHashReportsFoundAndNotFound(t *testing.T) {
	store := newFakeStore()
	known := chainhash.Hash{4}
	store.txs[known] = []byte("raw-tx-bytes")
	d := newTestDispatcher(t, store)

	var req bytes.Buffer
	writeHash(&req, known)
	resp, err := d.handleGetTxByHash(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetTxByHash: %v", err)
	}
	r := bytes.NewReader(resp)
	found, _ := readU8(r)
	raw, _ := readBytes(r)
	if found != 1 || string(raw) != "raw-tx-bytes" {
		t.Fatalf("expected known tx to be found with its raw bytes, got found=%d raw=%q", found, raw)
	}

	var missReq bytes.Buffer
	writeHash(&missReq, chainhash.Hash{0xff})
	missResp, err := d.handleGetTxByHash(missReq.Bytes())
	if err != nil {
		t.Fatalf("handleGetTxByHash (miss): %v", err)
	}
	missFound, _ := readU8(bytes.NewReader(missResp))
	if missFound != 0 {
		t.Fatal("expected an unknown tx hash to report not found")
	}
}

func TestHandleGetTxBatchByHashReportsPartialHits(t *testing.T) {
	store := newFakeStore()
	known := chainhash.Hash{4}
	store.txs[known] = []byte("raw-tx-bytes")
	unknown := chainhash.Hash{0xee}
	d := newTestDispatcher(t, store)

	var req bytes.Buffer
	writeU32(&req, 2)
	writeHash(&req, known)
	writeHash(&req, unknown)
	resp, err := d.handleGetTxBatchByHash(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetTxBatchByHash: %v", err)
	}
	r := bytes.NewReader(resp)
	count, _ := readU32(r)
	if count != 2 {
		t.Fatalf("expected 2 entries echoed back, got %d", count)
	}
	h1, _ := readHash(r)
	found1, _ := readU8(r)
	raw1, _ := readBytes(r)
	if chainhash.Hash(h1) != known || found1 != 1 || string(raw1) != "raw-tx-bytes" {
		t.Fatalf("expected known tx hit, got hash=%v found=%d raw=%q", chainhash.Hash(h1), found1, raw1)
	}
	h2, _ := readHash(r)
	found2, _ := readU8(r)
	if chainhash.Hash(h2) != unknown || found2 != 0 {
		t.Fatalf("expected unknown tx miss, got hash=%v found=%d", chainhash.Hash(h2), found2)
	}
}

func TestHandleGetHeaderByHeightReportsFoundAndNotFound(t *testing.T) {
	store := newFakeStore()
	store.headers[10] = wire.BlockHeader{Version: 1, Nonce: 7}
	d := newTestDispatcher(t, store)

	var req bytes.Buffer
	writeU32(&req, 10)
	resp, err := d.handleGetHeaderByHeight(req.Bytes())
	if err != nil {
		t.Fatalf("handleGetHeaderByHeight: %v", err)
	}
	r := bytes.NewReader(resp)
	found, _ := readU8(r)
	height, _ := readU32(r)
	raw, _ := readBytes(r)
	if found != 1 || height != 10 {
		t.Fatalf("expected header found at height 10, got found=%d height=%d", found, height)
	}
	hdr, err := kvstore.DecodeHeader(raw)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if hdr.Nonce != 7 {
		t.Fatalf("expected decoded header nonce 7, got %d", hdr.Nonce)
	}

	var missReq bytes.Buffer
	writeU32(&missReq, 999)
	missResp, err := d.handleGetHeaderByHeight(missReq.Bytes())
	if err != nil {
		t.Fatalf("handleGetHeaderByHeight (miss): %v", err)
	}
	missFound, _ := readU8(bytes.NewReader(missResp))
	if missFound != 0 {
		t.Fatal("expected an unknown height to report not found")
	}
}

func TestHandleBroadcastThroughRPCFailsWithoutConfiguredNode(t *testing.T) {
	d := newTestDispatcher(t, newFakeStore())
	var req bytes.Buffer
	writeBytes(&req, []byte("irrelevant"))
	if _, err := d.handleBroadcastThroughRPC(req.Bytes()); err == nil {
		t.Fatal("expected an error when no RPC broadcaster is configured")
	}
}

func TestHandleEstimateFeeFailsWithoutConfiguredNode(t *testing.T) {
	d := newTestDispatcher(t, newFakeStore())
	var req bytes.Buffer
	writeU32(&req, 6)
	writeU8(&req, 0)
	if _, err := d.handleEstimateFee(req.Bytes()); err == nil {
		t.Fatal("expected an error when no fee estimator is configured")
	}
}

func TestEncodeNotificationTagsEachEventType(t *testing.T) {
	tests := []struct {
		name string
		ev   interface{}
		tag  uint8
	}{
		{"block", notifbus.BlockApplied{Height: 1}, notifTagNewBlock},
		{"reorg", notifbus.Reorg{MRCAHeight: 1}, notifTagReorg},
		{"zc", notifbus.ZCAdded{BroadcastID: "x"}, notifTagZC},
		{"invalidated", notifbus.ZCRemoved{}, notifTagInvalidatedZC},
		{"balance", notifbus.BalanceChanged{}, notifTagBalanceChanged},
		{"unknown", struct{}{}, notifTagUnknown},
	}
	for _, tc := range tests {
		body := encodeNotification(tc.ev)
		if len(body) == 0 {
			t.Fatalf("%s: expected a non-empty encoded notification", tc.name)
		}
		if body[0] != tc.tag {
			t.Fatalf("%s: expected tag %d, got %d", tc.name, tc.tag, body[0])
		}
	}
}

func TestDecodeRequestHeaderRejectsUnsupportedVersionUpstream(t *testing.T) {
	// Sanity check that the version floor used by handle() is internally
	// consistent with DecodeRequestHeader's layout.
	var buf bytes.Buffer
	writeU32(&buf, 1)
	writeU16(&buf, 0) // below MinSupportedVersion
	writeU8(&buf, uint8(ReqGetCombinedBalance))

	hdr, _, err := DecodeRequestHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeRequestHeader: %v", err)
	}
	if hdr.Version >= MinSupportedVersion {
		t.Fatal("test fixture should encode a version below the floor")
	}
}
