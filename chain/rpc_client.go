// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/coincontrol/pkg/btcunit"
)

// DefaultMaxConfs is the upper confirmation bound passed to listunspent when
// the caller does not restrict it.
const DefaultMaxConfs = 9999999

// ErrNoFeeEstimate is returned when the node has no fee estimate for the
// requested confirmation target.
var ErrNoFeeEstimate = errors.New("node has no fee estimate")

// UnspentOutput is a spendable output as reported by the node's wallet. It is
// a snapshot; the node owns the authoritative UTXO set.
type UnspentOutput struct {
	wire.OutPoint

	// Address is the address the output pays to, as encoded by the node.
	Address string

	// PkScript is the output script.
	PkScript []byte

	// Amount is the output value in satoshis.
	Amount btcutil.Amount

	// Confirmations is the number of blocks the output has been buried
	// under, zero while unconfirmed.
	Confirmations int64

	// Spendable is false for watch-only outputs the wallet cannot sign.
	Spendable bool
}

// MempoolAcceptResult is the node's verdict on a transaction it was asked to
// test against its mempool policy.
type MempoolAcceptResult struct {
	// Allowed is true if the transaction would be accepted.
	Allowed bool

	// RejectReason is the node's reason for refusing it.
	RejectReason string
}

// TxStatus is the node wallet's view of a transaction id.
type TxStatus struct {
	// Known is true if the wallet has seen the transaction, either in the
	// mempool or in a block.
	Known bool

	// Confirmations is the depth of the transaction, zero while it sits
	// in the mempool.
	Confirmations int64
}

// defaultMaxFeeRate is the node's own default fee rate ceiling in BTC/kvB
// for sendrawtransaction.
const defaultMaxFeeRate btcjson.BTCPerkvB = 0.1

// RPCClient issues typed JSON-RPC calls to a single node. Calls are blocking
// and bounded by a timeout. Reads go through rpcclient; calls that change the
// node's state are posted exactly once and never resent.
type RPCClient struct {
	client  *rpcclient.Client
	oneShot *oneShotClient
	cfg     *Config
}

// NewRPCClient creates a client for the node described by cfg. No connection
// is made until the first call.
func NewRPCClient(cfg *Config) (*RPCClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	// Note the notification parameter is nil since notifications are
	// not supported in HTTP POST mode.
	client, err := rpcclient.New(cfg.connConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	oneShot, err := newOneShotClient(cfg)
	if err != nil {
		client.Shutdown()

		return nil, fmt.Errorf("unable to create rpc client: %w", err)
	}

	return &RPCClient{
		client:  client,
		oneShot: oneShot,
		cfg:     cfg,
	}, nil
}

// Stop shuts down the underlying client and waits for it to exit.
func (c *RPCClient) Stop() {
	c.client.Shutdown()
	c.client.WaitForShutdown()
}

// ListUnspent returns the wallet's unspent outputs with a confirmation count
// within [minConf, maxConf]. When addrs is non-empty only outputs paying to
// one of them are returned.
func (c *RPCClient) ListUnspent(ctx context.Context, minConf, maxConf int,
	addrs []btcutil.Address) ([]UnspentOutput, error) {

	results, err := await(
		ctx, c.cfg.timeout(), MethodListUnspent,
		func() ([]btcjson.ListUnspentResult, error) {
			if len(addrs) == 0 {
				return c.client.ListUnspentMinMax(
					minConf, maxConf,
				)
			}

			return c.client.ListUnspentMinMaxAddresses(
				minConf, maxConf, addrs,
			)
		},
	)
	if err != nil {
		return nil, err
	}

	outputs := make([]UnspentOutput, 0, len(results))
	for _, result := range results {
		output, err := toUnspentOutput(result)
		if err != nil {
			return nil, &TransportError{
				Method: MethodListUnspent,
				Err:    err,
			}
		}

		outputs = append(outputs, output)
	}

	log.Debugf("Node reported %d unspent outputs", len(outputs))

	return outputs, nil
}

// toUnspentOutput converts a listunspent entry, turning the floating point
// coin amount into integer satoshis.
func toUnspentOutput(result btcjson.ListUnspentResult) (UnspentOutput,
	error) {

	hash, err := chainhash.NewHashFromStr(result.TxID)
	if err != nil {
		return UnspentOutput{}, fmt.Errorf("%w: txid %q: %v",
			ErrInvalidResponse, result.TxID, err)
	}

	pkScript, err := hex.DecodeString(result.ScriptPubKey)
	if err != nil {
		return UnspentOutput{}, fmt.Errorf("%w: script of %v:%d: %v",
			ErrInvalidResponse, hash, result.Vout, err)
	}

	amount, err := btcutil.NewAmount(result.Amount)
	if err != nil || amount < 0 {
		return UnspentOutput{}, fmt.Errorf("%w: amount %v of %v:%d",
			ErrInvalidResponse, result.Amount, hash, result.Vout)
	}

	return UnspentOutput{
		OutPoint:      *wire.NewOutPoint(hash, result.Vout),
		Address:       result.Address,
		PkScript:      pkScript,
		Amount:        amount,
		Confirmations: result.Confirmations,
		Spendable:     result.Spendable,
	}, nil
}

// GetRawChangeAddress asks the node's wallet for a new change address. Every
// call hands out a fresh address, so the request is posted exactly once.
func (c *RPCClient) GetRawChangeAddress(ctx context.Context) (
	btcutil.Address, error) {

	// The node's only parameter is the address type, which sits where
	// btcd expects its account.
	var addrType *string
	if c.cfg.ChangeAddressType != "" {
		addrType = btcjson.String(c.cfg.ChangeAddressType)
	}
	cmd := btcjson.NewGetRawChangeAddressCmd(addrType, nil)

	raw, err := c.oneShot.call(ctx, MethodGetRawChangeAddress, cmd)
	if err != nil {
		return nil, err
	}

	var addrStr string
	if err := json.Unmarshal(raw, &addrStr); err != nil {
		return nil, &TransportError{
			Method: MethodGetRawChangeAddress,
			Err:    fmt.Errorf("%w: %v", ErrInvalidResponse, err),
		}
	}

	addr, err := btcutil.DecodeAddress(addrStr, c.cfg.ChainParams)
	if err != nil || !addr.IsForNet(c.cfg.ChainParams) {
		return nil, &TransportError{
			Method: MethodGetRawChangeAddress,
			Err: fmt.Errorf("%w: address %q is not valid on %s",
				ErrInvalidResponse, addrStr,
				c.cfg.ChainParams.Name),
		}
	}

	return addr, nil
}

// CreateRawTransaction asks the node to build an unsigned transaction spending
// inputs and paying amounts.
func (c *RPCClient) CreateRawTransaction(ctx context.Context,
	inputs []wire.OutPoint,
	amounts map[btcutil.Address]btcutil.Amount) (*wire.MsgTx, error) {

	txInputs := make([]btcjson.TransactionInput, 0, len(inputs))
	for _, op := range inputs {
		txInputs = append(txInputs, btcjson.TransactionInput{
			Txid: op.Hash.String(),
			Vout: op.Index,
		})
	}

	return await(
		ctx, c.cfg.timeout(), MethodCreateRawTransaction,
		func() (*wire.MsgTx, error) {
			return c.client.CreateRawTransaction(
				txInputs, amounts, nil,
			)
		},
	)
}

// signResult bundles the two values returned by the signing calls.
type signResult struct {
	tx       *wire.MsgTx
	complete bool
}

// SignRawTransaction asks the node's wallet to sign tx. The returned flag is
// false when the wallet could not provide every signature.
func (c *RPCClient) SignRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*wire.MsgTx, bool, error) {

	method := MethodSignRawTransactionWithWallet
	if c.cfg.LegacySigner {
		method = MethodSignRawTransaction
	}

	result, err := await(
		ctx, c.cfg.timeout(), method, func() (signResult, error) {
			var (
				signed   *wire.MsgTx
				complete bool
				err      error
			)
			if c.cfg.LegacySigner {
				signed, complete, err =
					c.client.SignRawTransaction(tx)
			} else {
				signed, complete, err =
					c.client.SignRawTransactionWithWallet(tx)
			}

			return signResult{tx: signed, complete: complete}, err
		},
	)
	if err != nil {
		return nil, false, err
	}

	return result.tx, result.complete, nil
}

// SendRawTransaction submits a signed transaction and returns its id. The
// request is posted exactly once; a transport error leaves the outcome
// unknown.
func (c *RPCClient) SendRawTransaction(ctx context.Context,
	tx *wire.MsgTx) (*chainhash.Hash, error) {

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}

	// High fees are guarded by the caller's own max fee check, the node's
	// default limit stays in place.
	cmd := btcjson.NewBitcoindSendRawTransactionCmd(
		hex.EncodeToString(buf.Bytes()), defaultMaxFeeRate,
	)

	raw, err := c.oneShot.call(ctx, MethodSendRawTransaction, cmd)
	if err != nil {
		return nil, err
	}

	var txidStr string
	if err := json.Unmarshal(raw, &txidStr); err != nil {
		return nil, &TransportError{
			Method: MethodSendRawTransaction,
			Err:    fmt.Errorf("%w: %v", ErrInvalidResponse, err),
		}
	}

	txid, err := chainhash.NewHashFromStr(txidStr)
	if err != nil {
		return nil, &TransportError{
			Method: MethodSendRawTransaction,
			Err: fmt.Errorf("%w: txid %q: %v", ErrInvalidResponse,
				txidStr, err),
		}
	}

	return txid, nil
}

// TestMempoolAccept asks the node whether tx would be accepted to its mempool
// without broadcasting it.
func (c *RPCClient) TestMempoolAccept(ctx context.Context,
	tx *wire.MsgTx) (*MempoolAcceptResult, error) {

	// Use a max feerate of 0 means the default value will be used when
	// testing mempool acceptance.
	results, err := await(
		ctx, c.cfg.timeout(), MethodTestMempoolAccept,
		func() ([]*btcjson.TestMempoolAcceptResult, error) {
			return c.client.TestMempoolAccept(
				[]*wire.MsgTx{tx}, 0,
			)
		},
	)
	if err != nil {
		return nil, err
	}

	// Sanity check that the expected single result is returned.
	if len(results) != 1 || results[0] == nil {
		return nil, &TransportError{
			Method: MethodTestMempoolAccept,
			Err: fmt.Errorf("%w: expected 1 result, got %d",
				ErrInvalidResponse, len(results)),
		}
	}

	return &MempoolAcceptResult{
		Allowed:      results[0].Allowed,
		RejectReason: results[0].RejectReason,
	}, nil
}

// GetTransaction reports whether the node's wallet knows txid. An unknown id
// is not an error.
func (c *RPCClient) GetTransaction(ctx context.Context,
	txid *chainhash.Hash) (*TxStatus, error) {

	result, err := await(
		ctx, c.cfg.timeout(), MethodGetTransaction,
		func() (*btcjson.GetTransactionResult, error) {
			return c.client.GetTransaction(txid)
		},
	)

	switch {
	case IsRPCCode(err, ErrCodeInvalidAddress):
		return &TxStatus{}, nil

	case err != nil:
		return nil, err
	}

	return &TxStatus{
		Known:         true,
		Confirmations: result.Confirmations,
	}, nil
}

// EstimateFeeRate asks the node for the fee rate needed to confirm within
// confTarget blocks.
func (c *RPCClient) EstimateFeeRate(ctx context.Context,
	confTarget int64) (btcunit.SatPerKVByte, error) {

	result, err := await(
		ctx, c.cfg.timeout(), MethodEstimateSmartFee,
		func() (*btcjson.EstimateSmartFeeResult, error) {
			return c.client.EstimateSmartFee(confTarget, nil)
		},
	)
	if err != nil {
		return 0, err
	}

	if result.FeeRate == nil {
		return 0, fmt.Errorf("%w: target=%d, errors=%v",
			ErrNoFeeEstimate, confTarget, result.Errors)
	}

	// The node reports the rate in coins per kvB.
	rate, err := btcutil.NewAmount(*result.FeeRate)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: fee rate %v", ErrInvalidResponse,
			*result.FeeRate)
	}

	return btcunit.SatPerKVByte(rate), nil
}

// await runs call and waits for it to return or for the context to expire,
// whichever happens first. A context without deadline is bounded by timeout.
// An expired or cancelled context never issues the call.
func await[T any](ctx context.Context, timeout time.Duration, method Method,
	call func() (T, error)) (T, error) {

	var zero T

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return zero, &TransportError{Method: method, Err: err}
	}

	type response struct {
		val T
		err error
	}

	// The channel is buffered so the goroutine can always deliver its
	// result and exit, even after we stopped waiting for it.
	respChan := make(chan response, 1)

	start := time.Now()
	log.Tracef("Calling %s", method)

	go func() {
		val, err := call()
		respChan <- response{val: val, err: err}
	}()

	select {
	case resp := <-respChan:
		log.Tracef("Call %s returned after %v", method,
			time.Since(start))

		if resp.err != nil {
			return zero, mapRPCErr(method, resp.err)
		}

		return resp.val, nil

	case <-ctx.Done():
		log.Warnf("Call %s abandoned after %v: %v", method,
			time.Since(start), ctx.Err())

		return zero, &TransportError{Method: method, Err: ctx.Err()}
	}
}
