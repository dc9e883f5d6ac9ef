package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"salebot/internal/accounting"
	"salebot/internal/app"
	"salebot/internal/chain"
	"salebot/internal/config"
	"salebot/internal/engine"
	"salebot/internal/keys"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	newAccount := flag.Bool("new-account", false, "create a keystore account and exit")
	debug := flag.Bool("debug", false, "enable debug logs")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *newAccount {
		passphrase := os.Getenv(cfg.Account.PassphraseEnv)
		if passphrase == "" {
			logger.Error("keystore passphrase env is empty", "env", cfg.Account.PassphraseEnv)
			os.Exit(1)
		}
		m, err := keys.NewManager(cfg.Account.KeystoreDir, passphrase, cfg.ChainIDBig())
		if err != nil {
			logger.Error("keystore init failed", "error", err)
			os.Exit(1)
		}
		addr, err := m.CreateAccount()
		if err != nil {
			logger.Error("create account failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("created %s in %s\n", addr.Hex(), m.KeystoreDir())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := confirm(ctx, cfg, logger); err != nil {
		logger.Error("confirm failed", "error", err)
		os.Exit(1)
	}
}

func confirm(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	signer, err := keys.FromConfig(cfg)
	if err != nil {
		return err
	}
	opts, err := app.EngineOptions(cfg)
	if err != nil {
		return err
	}
	client, err := chain.Dial(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	account := signer.Address()
	nodeChain, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	balance, err := client.Balance(ctx, account)
	if err != nil {
		return err
	}
	nonce, err := client.NonceAt(ctx, account)
	if err != nil {
		return err
	}

	env := opts.Env
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	row := func(k string, v interface{}) { fmt.Fprintf(w, "%s\t%v\n", k, v) }

	row("account", account.Hex())
	row("environment", env.Network)
	row("chain id (config)", env.ChainID)
	row("chain id (node)", nodeChain)
	row("balance (wei)", balance)
	row("nonce", nonce)
	row("recipient", env.Recipient.Hex())
	row("payload bytes", len(env.Payload))
	row("gas limit", opts.Gas.Limit)
	row("gas price (wei)", opts.Gas.Price)
	row("transactions", env.TxCount(opts.Gas))
	row("value mode", env.Mode())
	if env.Network == engine.Production {
		row("max spend (wei)", env.MaxSpend)
		row("fee policy", env.Fee.Policy)
		payees := make([]string, 0, len(env.Fee.Payees))
		for _, p := range env.Fee.Payees {
			payees = append(payees, p.Hex())
		}
		row("fee payees", strings.Join(payees, ","))
		if snap, err := accounting.Compute(balance, env.MaxSpend); err == nil {
			row("fee (wei)", snap.Fee)
			row("spendable (wei)", snap.Spendable)
		} else {
			row("accounting", err)
		}
	} else {
		row("probe base (wei)", env.ProbeBase)
		row("probe step (wei)", env.ProbeStep)
	}
	sched := opts.Schedule
	if sched.Start.IsZero() {
		row("start", "immediately")
	} else {
		row("start", sched.Start.Format(time.RFC3339))
		row("starts in", engine.StartDelay(sched.Start, sched.Buffer, time.Now()).Round(time.Second))
	}
	row("period", sched.Period)
	row("confirmation mode", sched.ConfirmationMode)
	if err := w.Flush(); err != nil {
		return err
	}

	if nodeChain.Cmp(env.ChainID) != 0 {
		return fmt.Errorf("rpc endpoint serves chain %s, config expects %s", nodeChain, env.ChainID)
	}
	return nil
}
