// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
)

var (
	// ErrInvalidResponse is returned when the node answers with a result
	// that cannot be decoded into the expected type.
	ErrInvalidResponse = errors.New("invalid response from node")

	// ErrMissingConfig is returned when no client config is supplied.
	ErrMissingConfig = errors.New("missing rpc config")

	// ErrMissingHost is returned when the node endpoint is not set.
	ErrMissingHost = errors.New("missing rpc host")

	// ErrMissingChainParams is returned when the network of the node is
	// not set.
	ErrMissingChainParams = errors.New("missing chain params")

	// ErrMissingCredentials is returned when neither a user/password pair
	// nor a cookie file is configured.
	ErrMissingCredentials = errors.New("missing rpc credentials, set " +
		"rpcuser/rpcpass or a cookie file")
)

// Method is one of the closed set of JSON-RPC methods the client issues.
type Method string

const (
	// MethodListUnspent lists the wallet's unspent outputs.
	MethodListUnspent Method = "listunspent"

	// MethodGetRawChangeAddress asks the wallet for a fresh change
	// address.
	MethodGetRawChangeAddress Method = "getrawchangeaddress"

	// MethodCreateRawTransaction builds an unsigned transaction.
	MethodCreateRawTransaction Method = "createrawtransaction"

	// MethodSignRawTransaction is the legacy signing call.
	MethodSignRawTransaction Method = "signrawtransaction"

	// MethodSignRawTransactionWithWallet signs with the wallet's keys.
	MethodSignRawTransactionWithWallet Method = "signrawtransactionwithwallet"

	// MethodSendRawTransaction submits a signed transaction.
	MethodSendRawTransaction Method = "sendrawtransaction"

	// MethodTestMempoolAccept checks a transaction against mempool policy
	// without submitting it.
	MethodTestMempoolAccept Method = "testmempoolaccept"

	// MethodGetTransaction looks up a wallet transaction.
	MethodGetTransaction Method = "gettransaction"

	// MethodEstimateSmartFee asks the node for a fee rate estimate.
	MethodEstimateSmartFee Method = "estimatesmartfee"
)

// RPCErrorCode is the numeric code of a JSON-RPC error object returned by the
// node. The values follow bitcoind's rpc/protocol.h.
type RPCErrorCode int

const (
	ErrCodeInvalidRequest    RPCErrorCode = -32600
	ErrCodeMethodNotFound    RPCErrorCode = -32601
	ErrCodeInvalidParams     RPCErrorCode = -32602
	ErrCodeInternal          RPCErrorCode = -32603
	ErrCodeParse             RPCErrorCode = -32700
	ErrCodeMisc              RPCErrorCode = -1
	ErrCodeType              RPCErrorCode = -3
	ErrCodeWallet            RPCErrorCode = -4
	ErrCodeInvalidAddress    RPCErrorCode = -5
	ErrCodeInsufficientFunds RPCErrorCode = -6
	ErrCodeOutOfMemory       RPCErrorCode = -7
	ErrCodeInvalidParam      RPCErrorCode = -8
	ErrCodeNotConnected      RPCErrorCode = -9
	ErrCodeInitialDownload   RPCErrorCode = -10
	ErrCodeKeypoolRanOut     RPCErrorCode = -12
	ErrCodeUnlockNeeded      RPCErrorCode = -13
	ErrCodeDatabase          RPCErrorCode = -20
	ErrCodeDeserialization   RPCErrorCode = -22
	ErrCodeVerify            RPCErrorCode = -25
	ErrCodeVerifyRejected    RPCErrorCode = -26
	ErrCodeAlreadyInChain    RPCErrorCode = -27
	ErrCodeInWarmup          RPCErrorCode = -28
	ErrCodeDeprecated        RPCErrorCode = -32
)

// rpcErrorCodeNames maps the known codes to a short name.
var rpcErrorCodeNames = map[RPCErrorCode]string{
	ErrCodeInvalidRequest:    "invalid request",
	ErrCodeMethodNotFound:    "method not found",
	ErrCodeInvalidParams:     "invalid params",
	ErrCodeInternal:          "internal error",
	ErrCodeParse:             "parse error",
	ErrCodeMisc:              "misc error",
	ErrCodeType:              "type error",
	ErrCodeWallet:            "wallet error",
	ErrCodeInvalidAddress:    "invalid address or key",
	ErrCodeInsufficientFunds: "insufficient funds",
	ErrCodeOutOfMemory:       "out of memory",
	ErrCodeInvalidParam:      "invalid parameter",
	ErrCodeNotConnected:      "client not connected",
	ErrCodeInitialDownload:   "initial block download",
	ErrCodeKeypoolRanOut:     "keypool ran out",
	ErrCodeUnlockNeeded:      "wallet unlock needed",
	ErrCodeDatabase:          "database error",
	ErrCodeDeserialization:   "deserialization error",
	ErrCodeVerify:            "verify error",
	ErrCodeVerifyRejected:    "verify rejected",
	ErrCodeAlreadyInChain:    "already in chain",
	ErrCodeInWarmup:          "in warmup",
	ErrCodeDeprecated:        "method deprecated",
}

// String returns the name of the code, or its number if it is unknown.
func (c RPCErrorCode) String() string {
	if name, ok := rpcErrorCodeNames[c]; ok {
		return fmt.Sprintf("%s (%d)", name, int(c))
	}

	return fmt.Sprintf("unknown code (%d)", int(c))
}

// Known reports whether the code is one of the codes defined above.
func (c RPCErrorCode) Known() bool {
	_, ok := rpcErrorCodeNames[c]
	return ok
}

// TransportError is returned when a call could not complete because of the
// connection to the node: refused connections, broken responses and
// timeouts. The request may or may not have reached the node.
type TransportError struct {
	// Method is the RPC method that was being called.
	Method Method

	// Err is the underlying cause.
	Err error
}

// Error returns a human-readable description of the failure.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Method, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RPCError is returned when the node answered with a JSON-RPC error object.
type RPCError struct {
	// Method is the RPC method that was rejected.
	Method Method

	// Code is the numeric error code reported by the node.
	Code RPCErrorCode

	// Message is the node's error message, verbatim.
	Message string
}

// Error returns a human-readable description of the failure.
func (e *RPCError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Method, e.Code, e.Message)
}

// IsRPCCode reports whether err is an RPCError carrying the given code.
func IsRPCCode(err error, code RPCErrorCode) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}

	return rpcErr.Code == code
}

// mapRPCErr maps an error returned by rpcclient into either an RPCError, when
// the node returned an error object, or a TransportError otherwise.
func mapRPCErr(method Method, err error) error {
	if err == nil {
		return nil
	}

	var jsonErr *btcjson.RPCError
	if errors.As(err, &jsonErr) {
		return &RPCError{
			Method:  method,
			Code:    RPCErrorCode(jsonErr.Code),
			Message: jsonErr.Message,
		}
	}

	return &TransportError{Method: method, Err: err}
}
