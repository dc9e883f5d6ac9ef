package keys

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Manager signs with an account held in an encrypted go-ethereum keystore.
type Manager struct {
	ks         *keystore.KeyStore
	passphrase string
	dir        string
	chainID    *big.Int
	account    accounts.Account
	selected   bool
}

func NewManager(dir string, passphrase string, chainID *big.Int) (*Manager, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("keystore dir is required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain id is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	return &Manager{ks: ks, passphrase: passphrase, dir: dir, chainID: new(big.Int).Set(chainID)}, nil
}

func (m *Manager) CreateAccount() (common.Address, error) {
	if m.passphrase == "" {
		return common.Address{}, errors.New("keystore passphrase is empty")
	}
	acct, err := m.ks.NewAccount(m.passphrase)
	if err != nil {
		return common.Address{}, err
	}
	return acct.Address, nil
}

func (m *Manager) FindAccount(addr common.Address) (accounts.Account, error) {
	for _, acct := range m.ks.Accounts() {
		if acct.Address == addr {
			return acct, nil
		}
	}
	return accounts.Account{}, fmt.Errorf("account %s not found in keystore", addr.Hex())
}

// Use selects the signing account. An empty address picks the only account
// in the keystore and fails when there is more than one.
func (m *Manager) Use(address string) error {
	if strings.TrimSpace(address) != "" {
		if !common.IsHexAddress(address) {
			return fmt.Errorf("invalid account address %q", address)
		}
		acct, err := m.FindAccount(common.HexToAddress(address))
		if err != nil {
			return err
		}
		m.account, m.selected = acct, true
		return nil
	}
	list := m.ks.Accounts()
	switch len(list) {
	case 0:
		return errors.New("keystore has no accounts")
	case 1:
		m.account, m.selected = list[0], true
		return nil
	default:
		return fmt.Errorf("keystore has %d accounts, set account.address", len(list))
	}
}

func (m *Manager) Address() common.Address {
	return m.account.Address
}

func (m *Manager) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := checkChainID(m.chainID, chainID); err != nil {
		return nil, err
	}
	if !m.selected {
		return nil, errors.New("no signing account selected")
	}
	if m.passphrase == "" {
		return nil, errors.New("keystore passphrase is empty")
	}
	return m.ks.SignTxWithPassphrase(m.account, m.passphrase, tx, chainID)
}

func (m *Manager) KeystoreDir() string {
	return filepath.Clean(m.dir)
}
