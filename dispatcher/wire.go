// Package dispatcher decodes requests off a transport.Conn, routes them
// to the component handlers (session registry, K/V queries, ZC engine,
// broadcast client), and serializes replies — the same request/reply
// routing and reserved unsolicited-message-ID shape spec.md §4.9
// describes. The wire codec is a hand-rolled tagged-field,
// length-prefixed binary format in the style of btcsuite/btcd/wire's
// explicit Read/Write functions (see DESIGN.md for why this repo does
// not generate protobuf/gRPC stubs instead).
package dispatcher

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/armorynet/armoryd/armoryerr"
)

// UnsolicitedID is the reserved request ID the server uses to tag
// server-initiated messages (spec.md §4.9).
const UnsolicitedID uint32 = 0xFFFFFFFE

// RequestType tags the operation a request wire message carries.
type RequestType uint8

const (
	ReqRegisterWallet RequestType = iota + 1
	ReqUnregisterWallet
	ReqGetCombinedBalance
	ReqGetCombinedTxnCount
	ReqGetHistoryPage
	ReqGetOutpointsForAddresses
	ReqGetSpentnessForOutputs
	ReqBroadcastTx
	ReqGoOnline
	ReqGetUTXOs
	ReqGetTxByHash
	ReqGetTxBatchByHash
	ReqGetHeaderByHash
	ReqGetHeaderByHeight
	ReqBroadcastThroughRPC
	ReqNodeStatus
	ReqEstimateFee
	ReqFeeSchedule
)

// RequestHeader is the fixed prefix of every client request: its
// client-assigned ID, its message Version, and the operation it invokes.
// MinSupportedVersion is the dispatcher's floor for Version (spec.md
// §6.2: "each message carries a minor version").
type RequestHeader struct {
	RequestID uint32
	Version   uint16
	Type      RequestType
}

// MinSupportedVersion is the dispatcher's protocol floor; a request
// below it is rejected with UnsupportedVersion before it reaches any
// handler.
const MinSupportedVersion = 1

func writeU8(w io.Writer, v uint8) error   { return binary.Write(w, binary.LittleEndian, v) }
func writeU16(w io.Writer, v uint16) error { return binary.Write(w, binary.LittleEndian, v) }
func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.LittleEndian, v) }
func writeU64(w io.Writer, v uint64) error { return binary.Write(w, binary.LittleEndian, v) }
func writeI64(w io.Writer, v int64) error  { return binary.Write(w, binary.LittleEndian, v) }

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeHash(w io.Writer, h [32]byte) error {
	_, err := w.Write(h[:])
	return err
}

func readU8(r io.Reader) (uint8, error) {
	var v uint8
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU16(r io.Reader) (uint16, error) {
	var v uint16
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readI64(r io.Reader) (int64, error) {
	var v int64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// maxFieldBytes bounds a single length-prefixed field, guarding against
// a corrupt or hostile length prefix driving an unbounded allocation.
const maxFieldBytes = 16 * 1024 * 1024

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxFieldBytes {
		return nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readHash(r io.Reader) ([32]byte, error) {
	var h [32]byte
	_, err := io.ReadFull(r, h[:])
	return h, err
}

// DecodeRequestHeader reads the fixed request prefix from the front of a
// reassembled transport payload.
func DecodeRequestHeader(payload []byte) (RequestHeader, []byte, error) {
	if len(payload) < 4+2+1 {
		return RequestHeader{}, nil, armoryerr.Wrap(armoryerr.KindInput, armoryerr.ErrMalformedRequest)
	}
	h := RequestHeader{
		RequestID: binary.LittleEndian.Uint32(payload[0:4]),
		Version:   binary.LittleEndian.Uint16(payload[4:6]),
		Type:      RequestType(payload[6]),
	}
	return h, payload[7:], nil
}

// EncodeReplyHeader writes (request_id, status) ahead of a reply's
// type-specific body; status is 0 for success, nonzero for one of the
// armoryerr taxonomy codes (see StatusFor).
func EncodeReplyHeader(buf []byte, requestID uint32, status uint8) []byte {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], requestID)
	hdr[4] = status
	return append(hdr[:], buf...)
}

// StatusFor maps an armoryerr sentinel to its wire status code; unknown
// errors map to a generic internal-error code (0xFF) rather than leaking
// a Go error string onto the wire.
func StatusFor(err error) uint8 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, armoryerr.ErrMalformedRequest):
		return 1
	case errors.Is(err, armoryerr.ErrUnsupportedVer):
		return 2
	case errors.Is(err, armoryerr.ErrUnknownWallet):
		return 3
	case errors.Is(err, armoryerr.ErrUnknownScripthash):
		return 4
	case errors.Is(err, armoryerr.ErrAlreadySpentOnChain):
		return 10
	case errors.Is(err, armoryerr.ErrUnknownParent):
		return 11
	case errors.Is(err, armoryerr.ErrScriptInvalid):
		return 12
	case errors.Is(err, armoryerr.ErrReplacementRejected):
		return 13
	case errors.Is(err, armoryerr.ErrDoubleSpent):
		return 14
	case errors.Is(err, armoryerr.ErrExpired):
		return 15
	case errors.Is(err, armoryerr.ErrReorgInvalidated):
		return 16
	default:
		return 0xFF
	}
}
