// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
)

// maxResponseSize bounds the body read from the node for a single call.
const maxResponseSize = 4 << 20

var (
	// ErrInvalidCookie is returned when the node's cookie file does not
	// hold a user:password pair.
	ErrInvalidCookie = errors.New("invalid rpc cookie file")

	// ErrNoCertificates is returned when TLS certificates are configured
	// but none of them could be parsed.
	ErrNoCertificates = errors.New("no valid tls certificates")
)

// oneShotClient posts a JSON-RPC request exactly once. Calls that change the
// node's state go through it: a request whose connection breaks is reported
// as a transport error, never sent again.
type oneShotClient struct {
	cfg        *Config
	url        string
	httpClient *http.Client
	nextID     atomic.Uint64
}

// newOneShotClient creates the client for the node described by cfg.
func newOneShotClient(cfg *Config) (*oneShotClient, error) {
	scheme := "https"
	transport := &http.Transport{
		// Every request gets a fresh connection, so the transport
		// never replays it on a stale keep-alive connection.
		DisableKeepAlives: true,
	}

	if cfg.DisableTLS {
		scheme = "http"
	} else {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if len(cfg.Certificates) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(cfg.Certificates) {
				return nil, ErrNoCertificates
			}
			tlsConfig.RootCAs = pool
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &oneShotClient{
		cfg: cfg,
		url: scheme + "://" + cfg.Host,
		httpClient: &http.Client{
			Transport: transport,
		},
	}, nil
}

// call marshals cmd, posts it once and returns the raw result. It honors the
// same timeout rules as await: an expired context never issues the request.
func (c *oneShotClient) call(ctx context.Context, method Method,
	cmd any) (json.RawMessage, error) {

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.timeout())
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}

	id := c.nextID.Add(1)
	body, err := btcjson.MarshalCmd(btcjson.RpcVersion1, id, cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	user, pass, err := c.credentials()
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(user, pass)

	start := time.Now()
	log.Tracef("Posting %s once", method)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warnf("Call %s failed after %v, not resending: %v", method,
			time.Since(start), err)

		return nil, &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{Method: method, Err: err}
	}

	log.Tracef("Call %s returned %s after %v", method, resp.Status,
		time.Since(start))

	// The node answers RPC errors with a non-200 status and an error
	// object, so the body is decoded before the status is looked at.
	var rpcResp btcjson.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &TransportError{
				Method: method,
				Err: fmt.Errorf("http status %s: %s",
					resp.Status,
					strings.TrimSpace(string(respBody))),
			}
		}

		return nil, &TransportError{
			Method: method,
			Err:    fmt.Errorf("%w: %v", ErrInvalidResponse, err),
		}
	}

	if rpcResp.Error != nil {
		return nil, mapRPCErr(method, rpcResp.Error)
	}

	return rpcResp.Result, nil
}

// credentials returns the user and password to authenticate with. The cookie
// file is read on every call since the node rewrites it when it restarts.
func (c *oneShotClient) credentials() (string, string, error) {
	if c.cfg.CookiePath == "" {
		return c.cfg.User, c.cfg.Pass, nil
	}

	cookie, err := os.ReadFile(c.cfg.CookiePath)
	if err != nil {
		return "", "", fmt.Errorf("read cookie: %w", err)
	}

	user, pass, ok := strings.Cut(strings.TrimSpace(string(cookie)), ":")
	if !ok || user == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidCookie,
			c.cfg.CookiePath)
	}

	return user, pass, nil
}
