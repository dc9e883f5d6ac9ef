package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"salebot/internal/accounting"
	"salebot/internal/config"
	"salebot/internal/txbuilder"
	"salebot/internal/util"
)

type Network int

const (
	Production Network = iota
	PublicTest
	Private
)

// PublicTestProbes is the fixed probe count on the public test network.
const PublicTestProbes = 3

func (n Network) String() string {
	switch n {
	case Production:
		return config.EnvProduction
	case PublicTest:
		return config.EnvPublicTest
	case Private:
		return config.EnvPrivate
	default:
		return "unknown"
	}
}

func ParseNetwork(s string) (Network, error) {
	switch s {
	case config.EnvProduction:
		return Production, nil
	case config.EnvPublicTest:
		return PublicTest, nil
	case config.EnvPrivate:
		return Private, nil
	default:
		return 0, fmt.Errorf("unknown environment %q", s)
	}
}

// Environment carries everything that differs between networks, so one
// engine serves all of them.
type Environment struct {
	Network   Network
	ChainID   *big.Int
	Recipient common.Address
	Payload   []byte

	// Production only.
	MaxSpend *big.Int
	Fee      FeePlan

	// Test networks only.
	ProbeCount int
	ProbeBase  *big.Int
	ProbeStep  *big.Int
}

func (e Environment) Mode() txbuilder.ValueMode {
	if e.Network == Production {
		return txbuilder.ValueLive
	}
	return txbuilder.ValueProbe
}

// TxCount is the number of purchase transactions to plan. Production derives
// it from the spend cap less the fee slots; test networks send probes.
func (e Environment) TxCount(gas txbuilder.GasParams) int {
	switch e.Network {
	case Production:
		return accounting.MaxTransactions(e.MaxSpend, gas.Limit, gas.Price, e.Fee.Slots())
	case PublicTest:
		return PublicTestProbes
	default:
		return e.ProbeCount
	}
}

func EnvironmentFromConfig(cfg *config.Config) (Environment, error) {
	network, err := ParseNetwork(cfg.Environment)
	if err != nil {
		return Environment{}, err
	}
	recipient, err := cfg.RecipientAddress()
	if err != nil {
		return Environment{}, err
	}
	payload, err := txbuilder.PurchaseCallData(cfg.Sale.ABIPath, cfg.Sale.Method)
	if err != nil {
		return Environment{}, err
	}
	env := Environment{
		Network:   network,
		ChainID:   cfg.ChainIDBig(),
		Recipient: recipient,
		Payload:   payload,
		Fee:       FeePlan{Policy: FeePolicyNone},
	}
	if network == Production {
		env.MaxSpend, err = cfg.MaxSpend()
		if err != nil {
			return Environment{}, err
		}
		env.Fee.Policy = cfg.Fee.Policy
		if cfg.Fee.Policy != config.FeePolicyNone {
			env.Fee.Payees, err = cfg.FeePayees()
			if err != nil {
				return Environment{}, err
			}
		}
		return env, nil
	}
	env.ProbeCount = cfg.ProbeCount()
	env.ProbeBase, env.ProbeStep, err = cfg.ProbeValues()
	if err != nil {
		return Environment{}, err
	}
	return env, nil
}

// ScheduleFromConfig resolves the dispatch timing and retry policy.
func ScheduleFromConfig(cfg *config.Config) (ScheduleConfig, error) {
	start, err := cfg.StartTime()
	if err != nil {
		return ScheduleConfig{}, err
	}
	return ScheduleConfig{
		Start:               start,
		Buffer:              cfg.Sale.StartBuffer.Duration,
		Period:              cfg.Sale.Period.Duration,
		ConfirmationMode:    cfg.Dispatch.ConfirmationMode,
		ConfirmationTimeout: cfg.Dispatch.ConfirmationTimeout.Duration,
		DetectPoll:          cfg.Dispatch.DetectPoll.Duration,
		Retry: util.Backoff{
			Max:     cfg.Performance.RetryMax,
			Initial: cfg.Performance.RetryBackoff.Duration,
			Cap:     cfg.Performance.RetryBackoffMax.Duration,
		},
	}, nil
}
