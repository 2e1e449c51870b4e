package blockfile

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

const testNet = wire.BitcoinNet(0xdeadbeef)

// writeRecord appends one magic+length+payload record to f.
func writeRecord(t *testing.T, f *os.File, payload []byte) {
	t.Helper()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(testNet))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := f.Write(hdr[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestReaderYieldsBlocksInOrder(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "blk00000.dat"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	writeRecord(t, f, []byte("block-one"))
	writeRecord(t, f, []byte("block-two"))
	f.Close()

	r := New(dir, testNet, Cursor{})

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(first.Bytes) != "block-one" {
		t.Fatalf("expected block-one, got %q", first.Bytes)
	}
	if first.Location.FileNumber != 0 || first.Location.Size != uint32(len("block-one")) {
		t.Fatalf("unexpected location: %+v", first.Location)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(second.Bytes) != "block-two" {
		t.Fatalf("expected block-two, got %q", second.Bytes)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end of directory, got %v", err)
	}
}

func TestReaderAdvancesAcrossFiles(t *testing.T) {
	dir := t.TempDir()

	f0, _ := os.Create(filepath.Join(dir, "blk00000.dat"))
	writeRecord(t, f0, []byte("file-zero-block"))
	f0.Close()

	f1, _ := os.Create(filepath.Join(dir, "blk00001.dat"))
	writeRecord(t, f1, []byte("file-one-block"))
	f1.Close()

	r := New(dir, testNet, Cursor{})

	b0, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(b0.Bytes) != "file-zero-block" {
		t.Fatalf("expected file-zero-block, got %q", b0.Bytes)
	}

	b1, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(b1.Bytes) != "file-one-block" {
		t.Fatalf("expected file-one-block, got %q", b1.Bytes)
	}
	if b1.Location.FileNumber != 1 {
		t.Fatalf("expected block to come from file 1, got %d", b1.Location.FileNumber)
	}
}

func TestReaderTreatsTornTailAsEOF(t *testing.T) {
	dir := t.TempDir()
	f, _ := os.Create(filepath.Join(dir, "blk00000.dat"))
	writeRecord(t, f, []byte("whole-block"))
	// Torn write: a magic + declared length whose payload never arrived.
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(testNet))
	binary.LittleEndian.PutUint32(hdr[4:8], 1000)
	f.Write(hdr[:])
	f.Write([]byte("short"))
	f.Close()

	r := New(dir, testNet, Cursor{})

	whole, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(whole.Bytes) != "whole-block" {
		t.Fatalf("expected whole-block, got %q", whole.Bytes)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected torn tail to surface as io.EOF, got %v", err)
	}
}

func TestReaderResumesFromCursor(t *testing.T) {
	dir := t.TempDir()
	f, _ := os.Create(filepath.Join(dir, "blk00000.dat"))
	writeRecord(t, f, []byte("skip-me"))
	writeRecord(t, f, []byte("resume-here"))
	f.Close()

	// Compute the offset just past the first record: 8-byte header + payload.
	resumeOffset := uint64(8 + len("skip-me"))

	r := New(dir, testNet, Cursor{FileNumber: 0, Offset: resumeOffset})
	blk, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(blk.Bytes) != "resume-here" {
		t.Fatalf("expected resume-here, got %q", blk.Bytes)
	}
}

func TestListFileNumbers(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"blk00002.dat", "blk00000.dat", "blk00001.dat"} {
		f, err := os.Create(filepath.Join(dir, n))
		if err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
		f.Close()
	}

	nums, err := ListFileNumbers(dir)
	if err != nil {
		t.Fatalf("ListFileNumbers: %v", err)
	}
	want := []uint32{0, 1, 2}
	if len(nums) != len(want) {
		t.Fatalf("expected %d file numbers, got %d", len(want), len(nums))
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("index %d: expected %d, got %d", i, want[i], nums[i])
		}
	}
}
