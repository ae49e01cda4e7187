// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
)

// DefaultTimeout bounds every RPC call whose context carries no deadline.
const DefaultTimeout = 30 * time.Second

// Config defines the config options used when initializing the RPC client. It
// is read once at startup and handed to NewRPCClient, the client never reads
// any global state.
type Config struct {
	// Host is the host:port of the node's JSON-RPC endpoint.
	Host string

	// User and Pass are the RPC credentials. They are ignored when
	// CookiePath is set.
	User string
	Pass string

	// CookiePath is the path of the node's auth cookie file.
	CookiePath string

	// DisableTLS talks plain HTTP to the node. Bitcoin Core does not serve
	// TLS itself, so this is the common setting for a local node.
	DisableTLS bool

	// Certificates are the PEM encoded certificates used to verify the
	// node when TLS is enabled. When empty the system roots are used.
	Certificates []byte

	// ChainParams defines the network the node runs on. It is used to
	// decode the addresses returned by the node.
	ChainParams *chaincfg.Params

	// Timeout bounds each call when the caller's context has no deadline.
	// Zero means DefaultTimeout.
	Timeout time.Duration

	// LegacySigner selects the pre-0.17 `signrawtransaction` call instead
	// of `signrawtransactionwithwallet`.
	LegacySigner bool

	// ChangeAddressType is passed to getrawchangeaddress when set, e.g.
	// "bech32" or "legacy".
	ChangeAddressType string
}

// validate checks the required config options are set.
func (c *Config) validate() error {
	if c == nil {
		return ErrMissingConfig
	}

	if c.Host == "" {
		return ErrMissingHost
	}

	if c.ChainParams == nil {
		return ErrMissingChainParams
	}

	if c.CookiePath == "" && (c.User == "" || c.Pass == "") {
		return ErrMissingCredentials
	}

	return nil
}

// timeout returns the per call timeout.
func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}

	return c.Timeout
}

// connConfig builds the rpcclient connection config. The node only speaks
// HTTP POST, so websockets and notifications are never used.
func (c *Config) connConfig() *rpcclient.ConnConfig {
	connCfg := &rpcclient.ConnConfig{
		Host:         c.Host,
		DisableTLS:   c.DisableTLS,
		Certificates: c.Certificates,
		HTTPPostMode: true,
	}

	if c.CookiePath != "" {
		connCfg.CookiePath = c.CookiePath
	} else {
		connCfg.User = c.User
		connCfg.Pass = c.Pass
	}

	return connCfg
}
