// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coincontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/chain"
)

// TxSender is the part of the node that accepts finished transactions.
type TxSender interface {
	// SendRawTransaction submits tx and returns its id.
	SendRawTransaction(ctx context.Context,
		tx *wire.MsgTx) (*chainhash.Hash, error)

	// TestMempoolAccept checks tx against the mempool policy without
	// broadcasting it.
	TestMempoolAccept(ctx context.Context,
		tx *wire.MsgTx) (*chain.MempoolAcceptResult, error)

	// GetTransaction reports whether the node's wallet knows txid.
	GetTransaction(ctx context.Context,
		txid *chainhash.Hash) (*chain.TxStatus, error)
}

var (
	// errAlreadyBroadcasted is a sentinel error used to indicate that a tx
	// has already been broadcasted.
	errAlreadyBroadcasted = errors.New("tx already broadcasted")

	// errInputsMissing is returned by the mempool check when the inputs
	// are gone, either spent by someone else or by this very tx.
	errInputsMissing = errors.New("tx inputs missing or spent")
)

// knownReasons are mempool reject reasons that mean the node already has the
// transaction.
var knownReasons = []string{
	"txn-already-in-mempool",
	"txn-already-known",
	"transaction already in block chain",
	"transaction already exists",
}

// missingInputReasons are reject reasons that mean the inputs are no longer
// available.
var missingInputReasons = []string{
	"missing-inputs",
	"missingorspent",
	"already spent",
	"orphan transaction",
}

// Broadcaster submits signed transactions to the node. It never resubmits a
// transaction on its own.
type Broadcaster struct {
	node TxSender

	// skipMempoolCheck disables the testmempoolaccept preflight.
	skipMempoolCheck bool
}

// NewBroadcaster returns a broadcaster using node.
func NewBroadcaster(node TxSender, skipMempoolCheck bool) *Broadcaster {
	return &Broadcaster{
		node:             node,
		skipMempoolCheck: skipMempoolCheck,
	}
}

// Broadcast submits a complete transaction once and returns its id. A
// transaction the node already knows is not submitted again. A rejection is
// reported as a BroadcastRejectedError carrying the node's reason verbatim.
func (b *Broadcaster) Broadcast(ctx context.Context,
	signed *SignedTransaction) (*chainhash.Hash, error) {

	if signed == nil || signed.Tx == nil || !signed.Complete {
		return nil, ErrNotFullySigned
	}

	tx := signed.Tx
	txid := tx.TxHash()

	// We'll start by checking if the tx is acceptable to the mempool.
	err := b.checkMempool(ctx, tx)
	switch {
	case errors.Is(err, errAlreadyBroadcasted):
		return &txid, nil

	// The inputs may be gone because this tx already made it into a
	// block, which only the wallet can tell us.
	case errors.Is(err, errInputsMissing):
		status, statusErr := b.Status(ctx, &txid)
		if statusErr == nil && status.Known {
			log.Infof("Tx %v already broadcasted, %d confirmations",
				txid, status.Confirmations)

			return &txid, nil
		}

		return nil, err

	case err != nil:
		return nil, err
	}

	sent, err := b.node.SendRawTransaction(ctx, tx)
	if err == nil {
		log.Infof("Broadcast tx %v", sent)

		return sent, nil
	}

	var rpcErr *chain.RPCError
	switch {
	case errors.As(err, &rpcErr) &&
		(rpcErr.Code == chain.ErrCodeAlreadyInChain ||
			matchReason(rpcErr.Message, knownReasons)):

		log.Infof("Tx %v already broadcasted: %v", txid, rpcErr.Message)

		return &txid, nil

	case errors.As(err, &rpcErr):
		log.Errorf("%v: broadcast rejected: %v", txid, err)

		return nil, &BroadcastRejectedError{
			Code:   rpcErr.Code,
			Reason: rpcErr.Message,
		}

	// The node may or may not have received the tx. The caller can use
	// Status to find out before deciding to try again.
	default:
		log.Errorf("%v: broadcast outcome unknown: %v", txid, err)

		return nil, fmt.Errorf("send raw transaction %v: %w", txid, err)
	}
}

// Status reports whether the node's wallet already knows txid.
func (b *Broadcaster) Status(ctx context.Context,
	txid *chainhash.Hash) (*chain.TxStatus, error) {

	status, err := b.node.GetTransaction(ctx, txid)
	if err != nil {
		return nil, fmt.Errorf("get transaction %v: %w", txid, err)
	}

	return status, nil
}

// checkMempool is a helper function that checks if a tx is acceptable to the
// mempool before broadcasting.
func (b *Broadcaster) checkMempool(ctx context.Context, tx *wire.MsgTx) error {
	if b.skipMempoolCheck {
		return nil
	}

	result, err := b.node.TestMempoolAccept(ctx, tx)

	switch {
	// If the backend does not support the mempool acceptance test, we'll
	// just attempt to publish the tx.
	case chain.IsRPCCode(err, chain.ErrCodeMethodNotFound),
		errors.Is(err, rpcclient.ErrBackendVersion):

		log.Warnf("Backend does not support mempool acceptance test, "+
			"broadcasting directly: %v", err)

		return nil

	case err != nil:
		return fmt.Errorf("test mempool accept: %w", err)

	case result.Allowed:
		return nil

	// If the tx is already in the mempool or confirmed, we can return
	// early.
	case matchReason(result.RejectReason, knownReasons):
		log.Infof("Tx %v already broadcasted", tx.TxHash())

		return errAlreadyBroadcasted

	case matchReason(result.RejectReason, missingInputReasons):
		return fmt.Errorf("%w: %w", errInputsMissing,
			&BroadcastRejectedError{Reason: result.RejectReason})

	// If the tx was rejected for any other reason, we'll return the error
	// directly.
	default:
		return &BroadcastRejectedError{Reason: result.RejectReason}
	}
}

// matchReason reports whether reason contains any of the given fragments.
func matchReason(reason string, fragments []string) bool {
	for _, fragment := range fragments {
		if strings.Contains(reason, fragment) {
			return true
		}
	}

	return false
}
