package wallet

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
)

// DefaultBasePath is the BIP-44 Ethereum external chain; the address index is appended.
const DefaultBasePath = "m/44'/60'/0'/0"

// ParseBasePath parses a derivation path that stops before the address index.
// A trailing slash is accepted ("m/44'/60'/0'/0/").
func ParseBasePath(path string) (accounts.DerivationPath, error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(path), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("empty derivation path")
	}
	dp, err := accounts.ParseDerivationPath(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse derivation path %q: %w", path, err)
	}
	return dp, nil
}

// CanonicalBasePath normalizes path to the form stored in the ledger.
func CanonicalBasePath(path string) (string, error) {
	dp, err := ParseBasePath(path)
	if err != nil {
		return "", err
	}
	return dp.String(), nil
}
