// Package armoryerr defines the error taxonomy shared by every component
// of the engine (spec §7). Expected, typed conditions are sentinel values
// compared with errors.Is; I/O and protocol faults that benefit from a
// stack trace are wrapped with go-errors/errors, the same wrapping library
// the teacher depends on.
package armoryerr

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies an error into one of the taxonomy buckets from spec §7.
type Kind int

const (
	KindInput Kind = iota
	KindChain
	KindZC
	KindTransport
	KindBroadcast
)

// Sentinel errors. Compare with errors.Is; Wrap attaches a stack trace
// without losing the sentinel identity.
var (
	// Input
	ErrMalformedRequest  = stderrors.New("armoryerr: malformed request")
	ErrUnsupportedVer    = stderrors.New("armoryerr: unsupported protocol version")
	ErrUnknownWallet     = stderrors.New("armoryerr: unknown wallet")
	ErrUnknownScripthash = stderrors.New("armoryerr: unknown scripthash")

	// Chain / index
	ErrMalformedBlock = stderrors.New("armoryerr: malformed block")
	ErrMissingParent  = stderrors.New("armoryerr: missing parent header")
	ErrStoreIO        = stderrors.New("armoryerr: store I/O error")
	ErrCommitFailed   = stderrors.New("armoryerr: commit failed")
	ErrSchemaMismatch = stderrors.New("armoryerr: schema mismatch")

	// ZC
	ErrAlreadySpentOnChain = stderrors.New("armoryerr: already spent on chain")
	ErrUnknownParent       = stderrors.New("armoryerr: unknown parent outpoint")
	ErrScriptInvalid       = stderrors.New("armoryerr: script invalid")
	ErrReplacementRejected = stderrors.New("armoryerr: replacement rejected")
	ErrDoubleSpent         = stderrors.New("armoryerr: double spent")
	ErrExpired             = stderrors.New("armoryerr: expired")
	ErrReorgInvalidated    = stderrors.New("armoryerr: invalidated by reorg")

	// Transport
	ErrHandshakeFailed    = stderrors.New("armoryerr: handshake failed")
	ErrAuthRejected       = stderrors.New("armoryerr: authentication rejected")
	ErrSequenceOutOfOrder = stderrors.New("armoryerr: AEAD sequence out of order")
	ErrFrameViolation     = stderrors.New("armoryerr: frame violation")
	ErrConnectionLost     = stderrors.New("armoryerr: connection lost")

	// Broadcast
	ErrPeerUnreachable = stderrors.New("armoryerr: peer unreachable")
	ErrRPCUnreachable  = stderrors.New("armoryerr: rpc unreachable")
	ErrRPCRejected     = stderrors.New("armoryerr: rpc rejected")
)

// Wrap annotates err with a stack trace and a Kind, preserving Is/As
// compatibility with the sentinel it decorates.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, stack: goerrors.Wrap(err, 1), cause: err}
}

// Wrapf is Wrap with a formatted message prefixed to the sentinel.
func Wrapf(kind Kind, sentinel error, format string, args ...interface{}) error {
	return Wrap(kind, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel))
}

type wrapped struct {
	kind  Kind
	stack *goerrors.Error
	cause error
}

func (w *wrapped) Error() string { return w.stack.Error() }
func (w *wrapped) Unwrap() error { return w.cause }
func (w *wrapped) Kind() Kind    { return w.kind }

// ErrorStack returns the captured stack trace, for log lines that want it.
func (w *wrapped) ErrorStack() string { return w.stack.ErrorStack() }

// Is lets errors.Is(err, armoryerr.ErrStoreIO) succeed through a Kind wrap.
func Is(err, target error) bool { return stderrors.Is(err, target) }
