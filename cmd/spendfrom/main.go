// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/coincontrol/chain"
	"github.com/jessevdk/go-flags"
	"golang.org/x/term"
)

const version = "0.1.0"

func main() {
	if err := spendfromMain(os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// spendfromMain is the real main function for spendfrom. It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func spendfromMain(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("spendfrom version %s\n", version)
		return nil
	}

	if !cfg.NoLogFile {
		logFile := filepath.Join(
			cfg.LogDir, cfg.params.Name, defaultLogFilename,
		)
		if err := initLogRotator(logFile); err != nil {
			return err
		}
		defer closeLogRotator()
	}
	setLogLevels(cfg.DebugLevel)

	if cfg.RPCUser != "" && cfg.RPCPass == "" {
		cfg.RPCPass, err = promptPassword(cfg.RPCUser)
		if err != nil {
			return err
		}
	}

	chainCfg, err := cfg.chainConfig()
	if err != nil {
		return err
	}

	client, err := chain.NewRPCClient(chainCfg)
	if err != nil {
		return err
	}
	defer client.Stop()

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	log.Debugf("Connecting to %s on %s", cfg.RPCConnect, cfg.params.Name)

	app := &app{
		cfg:    cfg,
		node:   client,
		out:    os.Stdout,
		prompt: promptYesNo,
	}

	switch cfg.parser.Active.Name {
	case "listunspent":
		return app.listUnspent(ctx, &cfg.ListUnspent.filterOptions)

	case "balances":
		return app.balances(ctx, &cfg.Balances.filterOptions)

	case "send":
		return app.send(ctx, &cfg.Send)

	default:
		return fmt.Errorf("unknown command %q", cfg.parser.Active.Name)
	}
}

// promptPassword reads the RPC password from the terminal without echoing
// it.
func promptPassword(user string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no rpcpass given for user %s", user)
	}

	fmt.Fprintf(os.Stderr, "RPC password for %s: ", user)
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(pass), nil
}
