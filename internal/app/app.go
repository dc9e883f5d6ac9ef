package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"salebot/internal/api"
	"salebot/internal/chain"
	"salebot/internal/config"
	"salebot/internal/engine"
	"salebot/internal/keys"
	"salebot/internal/report"
	"salebot/internal/txbuilder"
)

type Options struct {
	// DryRun builds and signs the batch and reports it without broadcasting.
	DryRun bool
}

type App struct {
	cfg    *config.Config
	logger *slog.Logger
	opts   Options
}

func New(cfg *config.Config, logger *slog.Logger, opts Options) *App {
	return &App{cfg: cfg, logger: logger, opts: opts}
}

// Run executes one sale run. The API server, when configured, lives for the
// duration of the run.
func (a *App) Run(ctx context.Context) (engine.Result, error) {
	client, err := chain.Dial(a.cfg, a.logger)
	if err != nil {
		return engine.Result{}, err
	}
	defer client.Close()

	if err := verifyChainID(ctx, client, a.cfg.ChainIDBig()); err != nil {
		return engine.Result{}, err
	}

	signer, err := keys.FromConfig(a.cfg)
	if err != nil {
		return engine.Result{}, err
	}
	a.logger.Info("signer ready", "account", signer.Address().Hex())

	sink, err := report.Open(a.cfg.Output.JSONLPath, a.cfg.Output.SummaryPath, a.logger)
	if err != nil {
		return engine.Result{}, err
	}
	defer sink.Close()

	opts, err := EngineOptions(a.cfg)
	if err != nil {
		return engine.Result{}, err
	}
	token, ok, err := a.cfg.SaleToken()
	if err != nil {
		return engine.Result{}, err
	}
	if ok {
		opts.Summarize = TokenSummary(client.RPC(), token, a.logger)
	}

	eng, err := engine.New(opts, signer, client, sink, a.logger)
	if err != nil {
		return engine.Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.cfg.API.Listen != "" {
		server := api.NewServer(a.cfg, a.logger, eng, report.NewSummaryStore(a.cfg.Output.SummaryPath))
		g.Go(func() error {
			return server.Start(gctx)
		})
	}

	var res engine.Result
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = a.execute(gctx, eng)
		return err
	})

	err = g.Wait()
	return res, err
}

func (a *App) execute(ctx context.Context, eng *engine.Engine) (engine.Result, error) {
	if !a.opts.DryRun {
		return eng.Run(ctx)
	}
	plan, err := eng.Prepare(ctx)
	if err != nil {
		return engine.Result{RunID: eng.RunID(), Outcome: engine.OutcomeFatal, Reason: err.Error()}, err
	}
	eng.DryRun(plan)
	outcome, reason := eng.State().Outcome()
	return engine.Result{
		RunID:   eng.RunID(),
		Outcome: outcome,
		Reason:  reason,
		Planned: len(plan.Batch),
	}, nil
}

// EngineOptions resolves the environment, gas and schedule from config.
func EngineOptions(cfg *config.Config) (engine.Options, error) {
	env, err := engine.EnvironmentFromConfig(cfg)
	if err != nil {
		return engine.Options{}, err
	}
	gas, err := txbuilder.GasFromConfig(cfg)
	if err != nil {
		return engine.Options{}, err
	}
	sched, err := engine.ScheduleFromConfig(cfg)
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{Env: env, Gas: gas, Schedule: sched}, nil
}

// TokenSummary adds the account's sale token balance to the run summary, in
// base units and scaled by the token's decimals. Failed reads are logged.
func TokenSummary(caller txbuilder.RawCaller, token common.Address, logger *slog.Logger) func(context.Context, *report.Summary) {
	return func(ctx context.Context, s *report.Summary) {
		if !common.IsHexAddress(s.Account) {
			return
		}
		bal, err := txbuilder.ReadERC20Balance(ctx, caller, token, common.HexToAddress(s.Account))
		if err != nil {
			logger.Warn("token balance read failed", "token", token.Hex(), "error", err)
			return
		}
		s.TokenAddress = token.Hex()
		s.TokenBalance = bal.String()
		decimals, err := txbuilder.ReadERC20Decimals(ctx, caller, token)
		if err != nil {
			logger.Warn("token decimals read failed", "token", token.Hex(), "error", err)
			return
		}
		s.TokenUnits = txbuilder.FormatUnits(bal, decimals)
	}
}

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// verifyChainID refuses to run against a node serving a different chain than
// the one transactions are signed for.
func verifyChainID(ctx context.Context, r chainIDReader, want *big.Int) error {
	got, err := r.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if got == nil || got.Cmp(want) != 0 {
		return fmt.Errorf("rpc endpoint serves chain %v, config expects %s", got, want)
	}
	return nil
}
