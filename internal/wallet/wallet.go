package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
)

// Generator derives receive addresses for one network.
type Generator interface {
	// Network returns which blockchain this generator supports
	Network() models.Network

	// GenerateFromSeed derives the address at base/index from HD seed bytes
	GenerateFromSeed(seed []byte, base accounts.DerivationPath, index uint32) (*models.DerivedAddress, error)
}

// Vault holds the unlocked wallet seed and derives addresses from it.
// It is read-only after construction and safe for concurrent use.
type Vault struct {
	seed []byte
	gen  Generator
}

// NewVault unlocks m for derivation with the Ethereum generator.
func NewVault(m *Mnemonic) *Vault {
	return &Vault{
		seed: m.Seed(),
		gen:  NewETHGenerator(),
	}
}

// DeriveAddress returns the address at basePath/index. The result depends only on the
// mnemonic, basePath and index.
func (v *Vault) DeriveAddress(basePath string, index uint32) (*models.DerivedAddress, error) {
	base, err := ParseBasePath(basePath)
	if err != nil {
		return nil, err
	}
	addr, err := v.gen.GenerateFromSeed(v.seed, base, index)
	if err != nil {
		return nil, fmt.Errorf("derive %s/%d: %w", base, index, err)
	}
	return addr, nil
}
