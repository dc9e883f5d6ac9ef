package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	EnvProduction = "production"
	EnvPublicTest = "public-test"
	EnvPrivate    = "private"

	FeePolicySplit = "split"
	FeePolicyLump  = "lump"
	FeePolicyNone  = "none"

	ConfirmNonBlocking = "non-blocking"
	ConfirmSerialized  = "serialized"

	// DefaultProbeCount applies when probe.count is absent. An explicit 0
	// is kept.
	DefaultProbeCount = 3
)

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	if value.Tag == "!!int" {
		var v int64
		if err := value.Decode(&v); err != nil {
			return err
		}
		d.Duration = time.Duration(v) * time.Millisecond
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = dur
	return nil
}

type Config struct {
	Environment string `yaml:"environment"`
	ChainID     uint64 `yaml:"chain_id"`

	RPC struct {
		HTTP string `yaml:"http"`
	} `yaml:"rpc"`

	Account struct {
		Address       string `yaml:"address"`
		KeystoreDir   string `yaml:"keystore_dir"`
		PassphraseEnv string `yaml:"passphrase_env"`
		PrivateKeyEnv string `yaml:"private_key_env"`
	} `yaml:"account"`

	Gas struct {
		Limit     uint64  `yaml:"limit"`
		PriceGwei float64 `yaml:"price_gwei"`
	} `yaml:"gas"`

	Sale struct {
		StartTime     string   `yaml:"start_time"`
		StartBuffer   Duration `yaml:"start_buffer"`
		Period        Duration `yaml:"period"`
		Recipient     string   `yaml:"recipient"`
		TestRecipient string   `yaml:"test_recipient"`
		MaxSpendWei   string   `yaml:"max_spend_wei"`
		MaxSpendEth   string   `yaml:"max_spend_eth"`
		ABIPath       string   `yaml:"abi_path"`
		Method        string   `yaml:"method"`
		TokenAddress  string   `yaml:"token_address"`
	} `yaml:"sale"`

	Probe struct {
		BaseWei string `yaml:"base_wei"`
		StepWei string `yaml:"step_wei"`
		Count   *int   `yaml:"count"`
	} `yaml:"probe"`

	Fee struct {
		Policy string   `yaml:"policy"`
		Payees []string `yaml:"payees"`
	} `yaml:"fee"`

	Dispatch struct {
		ConfirmationMode    string   `yaml:"confirmation_mode"`
		ConfirmationTimeout Duration `yaml:"confirmation_timeout"`
		ConfirmationPoll    Duration `yaml:"confirmation_poll"`
		DetectPoll          Duration `yaml:"detect_poll"`
	} `yaml:"dispatch"`

	Performance struct {
		RequestTimeout  Duration `yaml:"request_timeout"`
		RetryMax        int      `yaml:"retry_max"`
		RetryBackoff    Duration `yaml:"retry_backoff"`
		RetryBackoffMax Duration `yaml:"retry_backoff_max"`
		RPCRateLimit    float64  `yaml:"rpc_rate_limit"`
	} `yaml:"performance"`

	API struct {
		Listen    string `yaml:"listen"`
		AuthToken string `yaml:"auth_token"`
	} `yaml:"api"`

	Output struct {
		JSONLPath   string `yaml:"jsonl_path"`
		SummaryPath string `yaml:"summary_path"`
	} `yaml:"output"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	if c.ChainID == 0 {
		switch c.Environment {
		case EnvProduction:
			c.ChainID = 1
		case EnvPublicTest:
			c.ChainID = 11155111
		}
	}
	if c.Account.PassphraseEnv == "" {
		c.Account.PassphraseEnv = "SALEBOT_KEYSTORE_PASSPHRASE"
	}
	if c.Account.PrivateKeyEnv == "" {
		c.Account.PrivateKeyEnv = "SALEBOT_PRIVATE_KEY"
	}
	if c.Account.KeystoreDir == "" {
		c.Account.KeystoreDir = "data/keystore"
	}
	if c.Gas.Limit == 0 {
		c.Gas.Limit = 21000
	}
	if c.Sale.Period.Duration == 0 {
		c.Sale.Period = Duration{Duration: 100 * time.Millisecond}
	}
	if c.Probe.BaseWei == "" {
		c.Probe.BaseWei = "1"
	}
	if c.Probe.StepWei == "" {
		c.Probe.StepWei = "2"
	}
	if c.Probe.Count == nil {
		n := DefaultProbeCount
		c.Probe.Count = &n
	}
	if c.Fee.Policy == "" {
		if c.Environment == EnvProduction {
			c.Fee.Policy = FeePolicySplit
		} else {
			c.Fee.Policy = FeePolicyNone
		}
	}
	c.Fee.Policy = strings.ToLower(c.Fee.Policy)
	if c.Dispatch.ConfirmationMode == "" {
		c.Dispatch.ConfirmationMode = ConfirmNonBlocking
	}
	if c.Dispatch.ConfirmationTimeout.Duration == 0 {
		c.Dispatch.ConfirmationTimeout = Duration{Duration: 2 * time.Minute}
	}
	if c.Dispatch.ConfirmationPoll.Duration == 0 {
		c.Dispatch.ConfirmationPoll = Duration{Duration: 2 * time.Second}
	}
	if c.Performance.RequestTimeout.Duration == 0 {
		c.Performance.RequestTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Performance.RetryMax == 0 {
		c.Performance.RetryMax = 3
	}
	if c.Performance.RetryBackoff.Duration == 0 {
		c.Performance.RetryBackoff = Duration{Duration: 200 * time.Millisecond}
	}
	if c.Performance.RetryBackoffMax.Duration == 0 {
		c.Performance.RetryBackoffMax = Duration{Duration: 2 * time.Second}
	}
	if c.Output.JSONLPath == "" {
		c.Output.JSONLPath = "data/runs.jsonl"
	}
	if c.Output.SummaryPath == "" {
		c.Output.SummaryPath = "data/last_run.json"
	}
}

func (c *Config) validate() error {
	switch c.Environment {
	case EnvProduction, EnvPublicTest, EnvPrivate:
	default:
		return fmt.Errorf("unknown environment %q", c.Environment)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id is required for environment %q", c.Environment)
	}
	if c.RPC.HTTP == "" {
		return fmt.Errorf("rpc.http is required")
	}
	if c.Gas.PriceGwei <= 0 {
		return fmt.Errorf("gas.price_gwei must be > 0")
	}
	if _, err := c.StartTime(); err != nil {
		return err
	}
	if c.Sale.Period.Duration < 0 || c.Sale.StartBuffer.Duration < 0 {
		return fmt.Errorf("sale.period and sale.start_buffer must be non-negative")
	}
	if _, err := c.RecipientAddress(); err != nil {
		return err
	}
	if c.Environment == EnvProduction {
		if c.Sale.MaxSpendWei == "" && c.Sale.MaxSpendEth == "" {
			return fmt.Errorf("sale.max_spend_wei or sale.max_spend_eth is required")
		}
		if _, err := c.MaxSpend(); err != nil {
			return err
		}
	}
	if c.ProbeCount() < 0 {
		return fmt.Errorf("probe.count must be >= 0")
	}
	switch c.Fee.Policy {
	case FeePolicySplit, FeePolicyLump:
		if _, err := c.FeePayees(); err != nil {
			return err
		}
	case FeePolicyNone:
	default:
		return fmt.Errorf("unknown fee.policy %q", c.Fee.Policy)
	}
	switch c.Dispatch.ConfirmationMode {
	case ConfirmNonBlocking, ConfirmSerialized:
	default:
		return fmt.Errorf("unknown dispatch.confirmation_mode %q", c.Dispatch.ConfirmationMode)
	}
	if c.Performance.RetryMax < 0 {
		return fmt.Errorf("performance.retry_max must be >= 0")
	}
	if (c.Sale.ABIPath == "") != (c.Sale.Method == "") {
		return fmt.Errorf("sale.abi_path and sale.method must be set together")
	}
	return nil
}

// StartTime returns the zero time when no start time is configured, which
// means the sale is treated as already open.
func (c *Config) StartTime() (time.Time, error) {
	if strings.TrimSpace(c.Sale.StartTime) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(c.Sale.StartTime))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid sale.start_time %q: %w", c.Sale.StartTime, err)
	}
	return t, nil
}

// RecipientAddress picks the purchase target for the configured environment.
// Test networks send probes to sale.test_recipient when it is set.
func (c *Config) RecipientAddress() (common.Address, error) {
	value := c.Sale.Recipient
	if c.Environment != EnvProduction && c.Sale.TestRecipient != "" {
		value = c.Sale.TestRecipient
	}
	addr, err := parseAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("sale recipient: %w", err)
	}
	return addr, nil
}

func (c *Config) FeePayees() ([]common.Address, error) {
	if len(c.Fee.Payees) == 0 {
		return nil, fmt.Errorf("fee.payees is required when fee.policy is %q", c.Fee.Policy)
	}
	out := make([]common.Address, 0, len(c.Fee.Payees))
	for _, p := range c.Fee.Payees {
		addr, err := parseAddress(p)
		if err != nil {
			return nil, fmt.Errorf("fee payee: %w", err)
		}
		out = append(out, addr)
	}
	return out, nil
}

// SaleToken returns the token contract whose balance is added to the run
// summary. ok is false when none is configured.
func (c *Config) SaleToken() (addr common.Address, ok bool, err error) {
	if strings.TrimSpace(c.Sale.TokenAddress) == "" {
		return common.Address{}, false, nil
	}
	addr, err = parseAddress(c.Sale.TokenAddress)
	if err != nil {
		return common.Address{}, false, fmt.Errorf("sale.token_address: %w", err)
	}
	return addr, true, nil
}

func (c *Config) MaxSpend() (*big.Int, error) {
	if c.Sale.MaxSpendWei != "" {
		return parseWei(c.Sale.MaxSpendWei)
	}
	return parseEther(c.Sale.MaxSpendEth)
}

func (c *Config) GasPrice() (*big.Int, error) {
	return gweiToWei(c.Gas.PriceGwei)
}

func (c *Config) ProbeCount() int {
	if c.Probe.Count == nil {
		return DefaultProbeCount
	}
	return *c.Probe.Count
}

func (c *Config) ProbeValues() (*big.Int, *big.Int, error) {
	base, err := parseWei(c.Probe.BaseWei)
	if err != nil {
		return nil, nil, fmt.Errorf("probe.base_wei: %w", err)
	}
	step, err := parseWei(c.Probe.StepWei)
	if err != nil {
		return nil, nil, fmt.Errorf("probe.step_wei: %w", err)
	}
	return base, step, nil
}

func (c *Config) ChainIDBig() *big.Int {
	return new(big.Int).SetUint64(c.ChainID)
}
