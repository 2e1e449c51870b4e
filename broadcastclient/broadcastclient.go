// Package broadcastclient defines the contracts the ZC engine and
// dispatcher use to push a transaction out to the network and learn
// whether it propagated (spec.md §1/§4.4), plus RPCBroadcaster, a concrete
// implementation over github.com/btcsuite/btcd/rpcclient that classifies
// github.com/btcsuite/btcd/btcjson RPC errors the way
// chainntnfs/bitcoindnotify does. Tests in this package drive it against
// a local JSON-RPC responder rather than a live node.
package broadcastclient

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcutil"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/armorynet/armoryd/armoryerr"
	"github.com/armorynet/armoryd/armorylog"
)

var log = armorylog.NewSubsystem("BCST")

// UseLogger rewires this package's logger.
func UseLogger(l btclog.Logger) { log = l }

// Broadcaster is what the ZC engine and dispatcher depend on to fan a
// raw transaction out to the network; a test double satisfies this
// directly, and RPCBroadcaster satisfies it against a live node.
type Broadcaster interface {
	// Broadcast submits raw to the network, returning the error the
	// node rejected it with (wrapped into the armoryerr taxonomy) or
	// nil once it's been accepted into at least one peer's mempool.
	Broadcast(ctx context.Context, raw *wire.MsgTx) error

	// Confirmations reports how many blocks have confirmed txHash, or
	// -1 if the node has no record of it at all (neither mempool nor
	// chain) — the same "no info" condition the teacher distinguishes
	// via btcjson.ErrRPCNoTxInfo.
	Confirmations(ctx context.Context, txHash chainhash.Hash) (int32, error)
}

// FeeEstimator is the subset of a node's RPC surface the dispatcher's
// EstimateFee/FeeSchedule handlers need (spec.md §6.2).
type FeeEstimator interface {
	// EstimateFee reports a fee rate, in satoshis per kilobyte, for
	// confirmation within confTarget blocks.
	EstimateFee(ctx context.Context, confTarget int64) (satPerKB int64, err error)
}

// RPCBroadcaster satisfies Broadcaster against a bitcoind-compatible
// JSON-RPC node, in the same request/error-classification shape
// bitcoindnotify.BitcoindNotifier uses its rpcclient.Client for.
// Connecting and maintaining that client is the external harness's
// job; this type only wraps an already-connected one.
type RPCBroadcaster struct {
	client *rpcclient.Client

	// retryBackoff paces resubmission after a transient RPC failure
	// (connection refused, timeout) as opposed to a definitive
	// rejection (already in chain, non-final, fee too low).
	retryBackoff ticker.Ticker
}

// NewRPCBroadcaster wraps an already-connected rpcclient.Client. The
// caller owns the client's lifecycle (Shutdown belongs to whoever
// called rpcclient.New).
func NewRPCBroadcaster(client *rpcclient.Client) *RPCBroadcaster {
	return &RPCBroadcaster{
		client:       client,
		retryBackoff: ticker.New(5 * time.Second),
	}
}

// Broadcast implements Broadcaster.
func (b *RPCBroadcaster) Broadcast(ctx context.Context, raw *wire.MsgTx) error {
	_, err := b.client.SendRawTransaction(raw, false)
	if err == nil {
		return nil
	}
	if jsonErr, ok := err.(*btcjson.RPCError); ok {
		// Any RPCError means the node parsed and evaluated the
		// request (as opposed to a connection/timeout failure below)
		// and rejected the transaction outright.
		return armoryerr.Wrapf(armoryerr.KindBroadcast, armoryerr.ErrRPCRejected,
			"node rejected tx (code %d): %v", jsonErr.Code, jsonErr.Message)
	}
	return armoryerr.Wrapf(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable, "sendrawtransaction: %v", err)
}

// Confirmations implements Broadcaster.
func (b *RPCBroadcaster) Confirmations(ctx context.Context, txHash chainhash.Hash) (int32, error) {
	result, err := b.client.GetRawTransactionVerbose(&txHash)
	if err != nil {
		if jsonErr, ok := err.(*btcjson.RPCError); ok && jsonErr.Code == btcjson.ErrRPCNoTxInfo {
			return -1, nil
		}
		return 0, armoryerr.Wrapf(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable, "getrawtransaction: %v", err)
	}
	return result.Confirmations, nil
}

// EstimateFee implements FeeEstimator against the node's smart-fee
// estimator, the same RPC bitcoindnotify's client wraps for mempool
// acceptance checks.
func (b *RPCBroadcaster) EstimateFee(ctx context.Context, confTarget int64) (int64, error) {
	result, err := b.client.EstimateSmartFee(confTarget, nil)
	if err != nil {
		return 0, armoryerr.Wrapf(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable, "estimatesmartfee: %v", err)
	}
	if result.FeeRate == nil {
		return 0, armoryerr.Wrap(armoryerr.KindBroadcast, armoryerr.ErrRPCUnreachable)
	}
	btcPerKB, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil {
		return 0, armoryerr.Wrap(armoryerr.KindBroadcast, err)
	}
	return int64(btcPerKB), nil
}

// RetryBroadcast resubmits raw on retryBackoff's schedule until ctx is
// canceled, Broadcast succeeds, or the node rejects the transaction
// outright (spec.md §4.4's "retries the broadcast with backoff while the
// transaction remains unconfirmed and un-rejected"). It returns the
// rejection, or the last error once ctx ends.
func (b *RPCBroadcaster) RetryBroadcast(ctx context.Context, raw *wire.MsgTx) error {
	b.retryBackoff.Resume()
	defer b.retryBackoff.Stop()

	err := b.Broadcast(ctx, raw)
	if err == nil {
		return nil
	}
	if armoryerr.Is(err, armoryerr.ErrRPCRejected) {
		return err
	}
	log.Warnf("initial broadcast of %s failed: %v", raw.TxHash(), err)

	for {
		select {
		case <-ctx.Done():
			return err
		case <-b.retryBackoff.Ticks():
			err = b.Broadcast(ctx, raw)
			if err == nil {
				return nil
			}
			if armoryerr.Is(err, armoryerr.ErrRPCRejected) {
				return err
			}
			log.Warnf("retry broadcast of %s failed: %v", raw.TxHash(), err)
		}
	}
}
