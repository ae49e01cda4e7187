// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/coincontrol/chain"
	"github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "spendfrom.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "spendfrom.log"
	defaultMinConf        = 1
	defaultConfTarget     = 6
)

var (
	spendfromHomeDir  = btcutil.AppDataDir("spendfrom", false)
	nodeHomeDir       = btcutil.AppDataDir("bitcoin", false)
	defaultConfigFile = filepath.Join(spendfromHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(spendfromHomeDir, defaultLogDirname)

	// errNetworkConflict is returned when more than one network is
	// selected.
	errNetworkConflict = errors.New("the testnet, signet, regtest and " +
		"simnet params can't be used together, choose one of the four")

	// errNoCommand is returned when no command is given.
	errNoCommand = errors.New("no command given, use one of " +
		"listunspent, balances or send")
)

// config defines the configuration options for spendfrom.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	NoLogFile   bool   `long:"nologfile" description:"Do not write a log file"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	// Network selection
	TestNet3 bool `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`

	// RPC client options
	RPCConnect   string        `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the node RPC server (default port depends on the network)"`
	RPCUser      string        `short:"u" long:"rpcuser" description:"Username for RPC connections"`
	RPCPass      string        `short:"P" long:"rpcpass" default-mask:"-" description:"Password for RPC connections, prompted for when a username is given without one"`
	RPCCookie    string        `long:"rpccookie" description:"Path to the node's RPC cookie file (default: the node's data directory)"`
	TLS          bool          `long:"tls" description:"Connect to the node using TLS"`
	RPCCert      string        `long:"rpccert" description:"File containing the certificate of the node's RPC server"`
	Timeout      time.Duration `long:"timeout" description:"Timeout of a single RPC call"`
	LegacySigner bool          `long:"legacysigner" description:"Sign with signrawtransaction instead of signrawtransactionwithwallet"`
	ChangeType   string        `long:"changetype" description:"Address type passed to getrawchangeaddress {legacy, p2sh-segwit, bech32, bech32m}"`

	// Policy options
	DustRelayFee     amountFlag `long:"dustrelayfee" description:"Relay fee in BTC/kvB below which change is dust and left to the miners"`
	MinRelayFee      amountFlag `long:"minrelayfee" description:"Lowest fee rate in BTC/kvB ever paid, the node's minimum relay fee"`
	SkipMempoolCheck bool       `long:"skipmempoolcheck" description:"Do not test mempool acceptance before broadcasting"`

	ListUnspent listUnspentCommand `command:"listunspent" description:"List the spendable outputs of the node's wallet"`
	Balances    balancesCommand    `command:"balances" description:"Show the spendable balance of each address"`
	Send        sendCommand        `command:"send" description:"Pay one or more recipients from chosen outputs"`

	params *chaincfg.Params
	parser *flags.Parser
}

// filterOptions restricts the outputs a command looks at.
type filterOptions struct {
	From    []string `long:"from" description:"Only use outputs paying this address, may be repeated"`
	MinConf uint32   `long:"minconf" description:"Minimum number of confirmations of an output"`
}

// listUnspentCommand holds the options of the listunspent command.
type listUnspentCommand struct {
	filterOptions
}

// balancesCommand holds the options of the balances command.
type balancesCommand struct {
	filterOptions
}

// sendCommand holds the options of the send command.
type sendCommand struct {
	filterOptions

	To            []string       `long:"to" description:"Recipient address, may be repeated"`
	Amount        []amountFlag   `long:"amount" description:"Amount in BTC paid to the --to at the same position"`
	Inputs        []outPointFlag `long:"input" description:"Spend exactly this output (txid:vout), may be repeated"`
	Exclude       []outPointFlag `long:"exclude" description:"Never spend this output (txid:vout), may be repeated"`
	Fee           amountFlag     `long:"fee" description:"Flat fee in BTC"`
	FeeRate       uint64         `long:"feerate" description:"Fee rate in sat/vB"`
	ConfTarget    int64          `long:"conftarget" description:"Confirmation target in blocks for the node's fee estimate, used when neither --fee nor --feerate is set"`
	ChangeAddress string         `long:"changeaddress" description:"Send change to this address instead of a new one from the node"`
	MaxFee        amountFlag     `long:"maxfee" description:"Refuse to pay a fee above this amount in BTC, 0 to disable"`
	DryRun        bool           `long:"dryrun" description:"Sign but print the transaction instead of broadcasting it"`
	Yes           bool           `short:"y" long:"yes" description:"Do not ask for confirmation before broadcasting"`
}

// defaultConfig returns the configuration with every default applied.
func defaultConfig() config {
	return config{
		ConfigFile:   defaultConfigFile,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Timeout:      chain.DefaultTimeout,
		DustRelayFee: amountFlag(txrules.DefaultRelayFeePerKb),
		MinRelayFee:  amountFlag(txrules.DefaultRelayFeePerKb),
		ListUnspent: listUnspentCommand{
			filterOptions: filterOptions{MinConf: defaultMinConf},
		},
		Balances: balancesCommand{
			filterOptions: filterOptions{MinConf: defaultMinConf},
		},
		Send: sendCommand{
			filterOptions: filterOptions{MinConf: defaultMinConf},
			ConfTarget:    defaultConfTarget,
			MaxFee:        amountFlag(btcutil.SatoshiPerBitcoin / 100),
		},
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in spendfrom functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options. Command line options always take
// precedence.
func loadConfig(args []string) (*config, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := struct {
		ConfigFile string `short:"C" long:"configfile"`
	}{
		ConfigFile: defaultConfigFile,
	}
	preParser := flags.NewParser(&preCfg, flags.IgnoreUnknown)
	if _, err := preParser.ParseArgs(args); err != nil {
		return nil, err
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.SubcommandsOptional = true

	// Load additional config from file. A missing default config file is
	// not an error.
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err := flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) ||
			preCfg.ConfigFile != defaultConfigFile {

			return nil, fmt.Errorf("error parsing config file: %w",
				err)
		}
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	cfg.parser = parser

	if cfg.ShowVersion {
		return &cfg, nil
	}

	if parser.Active == nil {
		return nil, errNoCommand
	}

	cfg.params, err = selectNetwork(&cfg)
	if err != nil {
		return nil, err
	}

	if _, ok := btclogLevel(cfg.DebugLevel); !ok {
		return nil, fmt.Errorf("invalid debuglevel %q", cfg.DebugLevel)
	}

	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.RPCCert = cleanAndExpandPath(cfg.RPCCert)
	cfg.RPCCookie = cleanAndExpandPath(cfg.RPCCookie)

	if cfg.RPCConnect == "" {
		cfg.RPCConnect = "localhost"
	}
	cfg.RPCConnect = normalizeAddress(
		cfg.RPCConnect, defaultRPCPort(cfg.params),
	)

	// Without credentials fall back to the cookie the node writes to its
	// data directory.
	if cfg.RPCUser == "" && cfg.RPCCookie == "" {
		cfg.RPCCookie = filepath.Join(
			nodeHomeDir, networkDir(cfg.params), ".cookie",
		)
	}

	return &cfg, nil
}

// selectNetwork returns the params of the single network selected by the
// config, mainnet when none is.
func selectNetwork(cfg *config) (*chaincfg.Params, error) {
	params := &chaincfg.MainNetParams
	numNets := 0

	if cfg.TestNet3 {
		numNets++
		params = &chaincfg.TestNet3Params
	}
	if cfg.SigNet {
		numNets++
		params = &chaincfg.SigNetParams
	}
	if cfg.RegTest {
		numNets++
		params = &chaincfg.RegressionNetParams
	}
	if cfg.SimNet {
		numNets++
		params = &chaincfg.SimNetParams
	}

	if numNets > 1 {
		return nil, errNetworkConflict
	}

	return params, nil
}

// defaultRPCPort returns the node's default RPC port for the network.
func defaultRPCPort(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.TestNet3Params.Net:
		return "18332"
	case chaincfg.SigNetParams.Net:
		return "38332"
	case chaincfg.RegressionNetParams.Net:
		return "18443"
	case chaincfg.SimNetParams.Net:
		return "18556"
	default:
		return "8332"
	}
}

// networkDir returns the node's data subdirectory for the network.
func networkDir(params *chaincfg.Params) string {
	switch params.Net {
	case chaincfg.TestNet3Params.Net:
		return "testnet3"
	case chaincfg.SigNetParams.Net:
		return "signet"
	case chaincfg.RegressionNetParams.Net:
		return "regtest"
	case chaincfg.SimNetParams.Net:
		return "simnet"
	default:
		return ""
	}
}

// chainConfig returns the RPC client configuration.
func (cfg *config) chainConfig() (*chain.Config, error) {
	chainCfg := &chain.Config{
		Host:              cfg.RPCConnect,
		User:              cfg.RPCUser,
		Pass:              cfg.RPCPass,
		DisableTLS:        !cfg.TLS,
		ChainParams:       cfg.params,
		Timeout:           cfg.Timeout,
		LegacySigner:      cfg.LegacySigner,
		ChangeAddressType: cfg.ChangeType,
	}

	// A username disables the cookie.
	if cfg.RPCUser == "" {
		chainCfg.CookiePath = cfg.RPCCookie
	}

	if cfg.TLS && cfg.RPCCert != "" {
		certs, err := os.ReadFile(cfg.RPCCert)
		if err != nil {
			return nil, fmt.Errorf("unable to read rpc cert: %w",
				err)
		}
		chainCfg.Certificates = certs
	}

	return chainCfg, nil
}

// normalizeAddress returns addr with the default port appended if there is
// not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(spendfromHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
