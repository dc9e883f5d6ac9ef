// Package chain is the provider side of a run: raw transaction broadcast and
// the account/receipt queries the engine needs, with errors classified into
// transient and permanent failures.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"salebot/internal/config"
	"salebot/internal/metrics"
)

type Options struct {
	RequestTimeout   time.Duration
	ConfirmationPoll time.Duration
	// RateLimit caps RPC calls per second; zero disables limiting.
	RateLimit float64
}

type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	network string
}

func Dial(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{
		Timeout: cfg.Performance.RequestTimeout.Duration,
	}
	rpcClient, err := rpc.DialHTTPWithClient(cfg.RPC.HTTP, httpClient)
	if err != nil {
		return nil, err
	}
	rpcClient.SetHeader("User-Agent", "salebot")
	logger.Info("rpc http connected", "environment", cfg.Environment)
	return New(rpcClient, Options{
		RequestTimeout:   cfg.Performance.RequestTimeout.Duration,
		ConfirmationPoll: cfg.Dispatch.ConfirmationPoll.Duration,
		RateLimit:        cfg.Performance.RPCRateLimit,
	}, logger, cfg.Environment), nil
}

func New(rpcClient *rpc.Client, opts Options, logger *slog.Logger, network string) *Client {
	if opts.ConfirmationPoll <= 0 {
		opts.ConfirmationPoll = 2 * time.Second
	}
	c := &Client{
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		opts:    opts,
		logger:  logger,
		network: network,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

func (c *Client) Close() {
	c.rpc.Close()
}

// RPC exposes the raw client for eth_call based readers.
func (c *Client) RPC() *rpc.Client {
	return c.rpc
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.call(ctx, "eth_chainId", func(ctx context.Context) error {
		v, err := c.eth.ChainID(ctx)
		id = v
		return err
	})
	return id, err
}

func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	var bal *big.Int
	err := c.call(ctx, "eth_getBalance", func(ctx context.Context) error {
		v, err := c.eth.BalanceAt(ctx, account, nil)
		bal = v
		return err
	})
	return bal, err
}

// NonceAt returns the pending transaction count so transactions already in
// the pool are not reused.
func (c *Client) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.call(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		v, err := c.eth.PendingNonceAt(ctx, account)
		nonce = v
		return err
	})
	return nonce, err
}

// Broadcast submits signed raw bytes and returns the transaction hash. A node
// that already holds the transaction counts as acceptance.
func (c *Client) Broadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, &RejectedError{Reason: ReasonInvalidTransaction, Err: err}
	}
	var hash common.Hash
	err := c.call(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw))
	})
	if err != nil {
		if IsAlreadyKnown(err) {
			c.logger.Debug("tx already known to node", "tx", tx.Hash().Hex())
			return tx.Hash(), nil
		}
		return common.Hash{}, err
	}
	return hash, nil
}

// WaitForConfirmation polls for the receipt until it appears or timeout passes.
func (c *Client) WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	waitCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	ticker := time.NewTicker(c.opts.ConfirmationPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.receipt(waitCtx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && !IsTransient(err) {
			return nil, err
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &ConfirmationTimeoutError{Hash: hash, Timeout: timeout}
		case <-ticker.C:
		}
	}
}

func (c *Client) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.call(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		r, err := c.eth.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		receipt = r
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ethereum.NotFound
	}
	return receipt, err
}

func (c *Client) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ctxTimeout, cancel := withTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	start := time.Now()
	err := fn(ctxTimeout)
	metrics.RPCCallsTotal.WithLabelValues(c.network, method, rpcStatus(err)).Inc()
	metrics.RPCLatency.WithLabelValues(c.network, method).Observe(time.Since(start).Seconds())
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return err
	}
	if method == "eth_sendRawTransaction" && IsAlreadyKnown(err) {
		return err
	}
	return Classify(method, err)
}

func rpcStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ethereum.NotFound):
		return "not_found"
	default:
		return "error"
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
