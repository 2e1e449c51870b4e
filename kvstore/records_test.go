package kvstore

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
)

func TestSTXORecordRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  STXORecord
	}{
		{
			name: "unspent",
			rec: STXORecord{
				Value:       5_000_000_000,
				Script:      []byte{0x76, 0xa9, 0x14},
				TxHash:      chainhash.Hash{1, 2, 3},
				OutputIndex: 0,
				Scripthash:  chainhash.Hash{4, 5, 6},
			},
		},
		{
			name: "spent",
			rec: STXORecord{
				Value:       1234,
				Script:      []byte{},
				HasSpender:  true,
				SpenderHash: chainhash.Hash{9, 9, 9},
				TxHash:      chainhash.Hash{7, 7, 7},
				OutputIndex: 3,
				Scripthash:  chainhash.Hash{8, 8, 8},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeSTXORecord(tc.rec.Encode())
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Value != tc.rec.Value ||
				got.HasSpender != tc.rec.HasSpender ||
				got.SpenderHash != tc.rec.SpenderHash ||
				got.TxHash != tc.rec.TxHash ||
				got.OutputIndex != tc.rec.OutputIndex ||
				got.Scripthash != tc.rec.Scripthash ||
				string(got.Script) != string(tc.rec.Script) {
				t.Fatalf("round trip mismatch:\nwant %s\ngot  %s",
					spew.Sdump(tc.rec), spew.Sdump(got))
			}
		})
	}
}

func TestDecodeSTXORecordShort(t *testing.T) {
	if _, err := DecodeSTXORecord([]byte{0x00}); err == nil {
		t.Fatal("expected error decoding truncated record")
	}
}

func TestSubSSHEntriesRoundTrip(t *testing.T) {
	entries := []SubSSHEntry{
		{TxIndex: 0, OutputIndex: 1, Value: 100, IsSpent: false, IsDebit: false},
		{TxIndex: 2, OutputIndex: 0, Value: -50, IsSpent: true, IsDebit: true},
	}

	got, err := DecodeSubSSHEntries(EncodeSubSSHEntries(entries))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestSubSSHEntriesEmpty(t *testing.T) {
	got, err := DecodeSubSSHEntries(EncodeSubSSHEntries(nil))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected 0 entries, got %d", len(got))
	}
}

func TestSSHRecordRoundTrip(t *testing.T) {
	rec := SSHRecord{
		ConfirmedBalance:   1000,
		UnconfirmedBalance: -200,
		TotalReceived:      5000,
		Version:            42,
	}
	got, err := DecodeSSHRecord(rec.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	hdr := wire.BlockHeader{
		Version:   2,
		PrevBlock: chainhash.Hash{1, 2, 3},
		Bits:      0x1d00ffff,
		Nonce:     12345,
	}
	got, err := DecodeHeader(EncodeHeader(hdr))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != hdr.Version || got.PrevBlock != hdr.PrevBlock ||
		got.Bits != hdr.Bits || got.Nonce != hdr.Nonce {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, hdr)
	}
}

func TestBlkLocationRoundTrip(t *testing.T) {
	loc := BlkLocation{FileNumber: 7, Offset: 123456789, Size: 999}
	got, err := DecodeBlkLocation(loc.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != loc {
		t.Fatalf("got %+v, want %+v", got, loc)
	}
}

func TestDecodeBlkLocationShort(t *testing.T) {
	if _, err := DecodeBlkLocation([]byte{0x00}); err == nil {
		t.Fatal("expected error decoding truncated block location")
	}
}

func TestTxhintsRoundTrip(t *testing.T) {
	entries := []TxhintEntry{
		{Height: 100, TxIndex: 1, TxHash: chainhash.Hash{1}},
		{Height: 101, TxIndex: 0, TxHash: chainhash.Hash{2}},
	}
	got, err := DecodeTxhints(EncodeTxhints(entries))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Fatalf("entry %d mismatch: got %+v, want %+v", i, got[i], entries[i])
		}
	}
}
