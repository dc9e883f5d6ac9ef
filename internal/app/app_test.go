package app

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"salebot/internal/config"
	"salebot/internal/engine"
	"salebot/internal/keys"
	"salebot/internal/report"
)

const hardhatKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const publicTestConfig = `
environment: public-test
rpc:
  http: http://localhost:8545
gas:
  price_gwei: 1
sale:
  recipient: "0x00000000000000000000000000000000000000aa"
  period: 5ms
`

type fixedChainID struct {
	id  *big.Int
	err error
}

func (f fixedChainID) ChainID(ctx context.Context) (*big.Int, error) {
	return f.id, f.err
}

func TestVerifyChainID(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, verifyChainID(ctx, fixedChainID{id: big.NewInt(1)}, big.NewInt(1)))
	assert.Error(t, verifyChainID(ctx, fixedChainID{id: big.NewInt(5)}, big.NewInt(1)))
	assert.Error(t, verifyChainID(ctx, fixedChainID{err: errors.New("down")}, big.NewInt(1)))
}

// tokenCaller answers eth_call by selector: balanceOf with balance, decimals
// with decimals. An empty answer fails the call.
type tokenCaller struct {
	balance  string
	decimals string
}

func (c tokenCaller) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	call := args[0].(map[string]string)
	out := c.balance
	if strings.HasPrefix(call["data"], "0x313ce567") {
		out = c.decimals
	}
	if out == "" {
		return errors.New("reverted")
	}
	*(result.(*string)) = out
	return nil
}

func TestTokenSummary(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	account := "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	sum := &report.Summary{Account: account}
	// 1.5 tokens at 18 decimals
	TokenSummary(tokenCaller{balance: "0x14d1120d7b160000", decimals: "0x12"}, token, slogt.New(t))(context.Background(), sum)
	assert.Equal(t, token.Hex(), sum.TokenAddress)
	assert.Equal(t, "1500000000000000000", sum.TokenBalance)
	assert.Equal(t, "1.5", sum.TokenUnits)

	noDecimals := &report.Summary{Account: account}
	TokenSummary(tokenCaller{balance: "0x2a"}, token, slogt.New(t))(context.Background(), noDecimals)
	assert.Equal(t, "42", noDecimals.TokenBalance)
	assert.Empty(t, noDecimals.TokenUnits)

	failed := &report.Summary{Account: account}
	TokenSummary(tokenCaller{}, token, slogt.New(t))(context.Background(), failed)
	assert.Empty(t, failed.TokenBalance)
	assert.Empty(t, failed.TokenAddress)
}

func TestEngineOptionsFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(publicTestConfig))
	require.NoError(t, err)

	opts, err := EngineOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.PublicTest, opts.Env.Network)
	assert.Equal(t, uint64(21000), opts.Gas.Limit)
	assert.Equal(t, "1000000000", opts.Gas.Price.String())
	assert.Equal(t, 5*time.Millisecond, opts.Schedule.Period)
}

type quietChain struct {
	broadcasts int
}

func (q *quietChain) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000), nil
}

func (q *quietChain) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 4, nil
}

func (q *quietChain) Broadcast(ctx context.Context, raw []byte) (common.Hash, error) {
	q.broadcasts++
	return common.Hash{}, errors.New("unexpected broadcast")
}

func (q *quietChain) WaitForConfirmation(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	return nil, errors.New("unexpected confirmation")
}

func TestDryRunSignsWithoutBroadcast(t *testing.T) {
	cfg, err := config.Parse([]byte(publicTestConfig))
	require.NoError(t, err)
	opts, err := EngineOptions(cfg)
	require.NoError(t, err)
	signer, err := keys.NewPrivateKeySigner(hardhatKey, cfg.ChainIDBig())
	require.NoError(t, err)

	chain := &quietChain{}
	eng, err := engine.New(opts, signer, chain, nil, slogt.New(t))
	require.NoError(t, err)

	a := New(cfg, slogt.New(t), Options{DryRun: true})
	res, err := a.execute(context.Background(), eng)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeExhausted, res.Outcome)
	assert.Equal(t, "dry run", res.Reason)
	assert.Equal(t, engine.PublicTestProbes, res.Planned)
	assert.Zero(t, chain.broadcasts)
}
