package wallet

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	"github.com/tyler-smith/go-bip32"
	"golang.org/x/crypto/sha3"
)

// ETHGenerator generates Ethereum addresses using BIP-32 derivation.
// Typical base path: m/44'/60'/0'/0, with the address index appended.
type ETHGenerator struct{}

// NewETHGenerator returns a new Ethereum address generator.
func NewETHGenerator() *ETHGenerator {
	return &ETHGenerator{}
}

// Network returns the Ethereum network identifier.
func (g *ETHGenerator) Network() models.Network {
	return models.NetworkETH
}

// GenerateFromSeed derives an EIP-55 checksummed Ethereum address from a BIP-39 seed.
func (g *ETHGenerator) GenerateFromSeed(seed []byte, base accounts.DerivationPath, index uint32) (*models.DerivedAddress, error) {
	path := make(accounts.DerivationPath, 0, len(base)+1)
	path = append(path, base...)
	path = append(path, index)

	key, err := deriveKey(seed, path)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	_, pubKey := btcec.PrivKeyFromBytes(key)
	pubBytes := pubKey.SerializeUncompressed()

	// Ethereum address = last 20 bytes of Keccak256(publicKey)
	hash := keccak256(pubBytes[1:]) // skip 0x04 prefix
	address := common.BytesToAddress(hash[12:])

	return &models.DerivedAddress{
		Network:        models.NetworkETH,
		Address:        address.Hex(),
		DerivationPath: path.String(),
		Index:          index,
		PublicKey:      hex.EncodeToString(pubBytes),
	}, nil
}

// --- helpers ---

// deriveKey walks path from the BIP-32 master key and returns the child private key.
func deriveKey(seed []byte, path accounts.DerivationPath) ([]byte, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	for depth, component := range path {
		key, err = key.NewChildKey(component)
		if err != nil {
			return nil, fmt.Errorf("derive depth %d: %w", depth+1, err)
		}
	}

	return key.Key, nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
