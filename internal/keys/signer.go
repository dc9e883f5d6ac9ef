package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"salebot/internal/config"
)

// Signer signs unsigned transactions for one account on one chain.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// PrivateKeySigner signs with an in-memory key, typically loaded from the
// environment on test networks.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

func NewPrivateKeySigner(hexKey string, chainID *big.Int) (*PrivateKeySigner, error) {
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
	}, nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

func (s *PrivateKeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := checkChainID(s.chainID, chainID); err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.NewEIP155Signer(chainID), s.key)
}

// FromConfig prefers a raw private key from the environment and falls back
// to the keystore.
func FromConfig(cfg *config.Config) (Signer, error) {
	chainID := cfg.ChainIDBig()
	if raw := os.Getenv(cfg.Account.PrivateKeyEnv); raw != "" {
		s, err := NewPrivateKeySigner(raw, chainID)
		if err != nil {
			return nil, err
		}
		if cfg.Account.Address != "" && !strings.EqualFold(cfg.Account.Address, s.Address().Hex()) {
			return nil, fmt.Errorf("%s does not match account.address", cfg.Account.PrivateKeyEnv)
		}
		return s, nil
	}
	m, err := NewManager(cfg.Account.KeystoreDir, os.Getenv(cfg.Account.PassphraseEnv), chainID)
	if err != nil {
		return nil, err
	}
	if err := m.Use(cfg.Account.Address); err != nil {
		return nil, err
	}
	return m, nil
}

func checkChainID(configured, requested *big.Int) error {
	if requested == nil || requested.Sign() <= 0 {
		return errors.New("refusing to sign without a chain id")
	}
	if configured.Cmp(requested) != 0 {
		return fmt.Errorf("refusing to sign for chain %s, signer is bound to chain %s", requested, configured)
	}
	return nil
}
