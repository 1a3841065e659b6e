package models

import (
	"fmt"
	"math/big"
	"time"
)

// Network represents a blockchain network
type Network string

// NetworkETH is the only network watched for deposits.
const NetworkETH Network = "ETH"

// DerivedAddress holds a generated address with its derivation path
type DerivedAddress struct {
	Network        Network `json:"network"`
	Address        string  `json:"address"`
	DerivationPath string  `json:"derivation_path"`
	Index          uint32  `json:"index"`
	PublicKey      string  `json:"public_key"`
}

// AddressRecord is a ledger row for an allocated receive address.
// BasePath is the derivation path without the trailing index.
type AddressRecord struct {
	Address    string     `json:"address"`
	BasePath   string     `json:"derivation_path"`
	Index      uint32     `json:"index"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// TransferRecord is a token Transfer log decoded from the chain.
type TransferRecord struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Amount      *big.Int `json:"amount"`
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"hash"`
	LogIndex    uint64   `json:"index"`
}

// Position returns where the transfer sits in the chain's log order.
func (t TransferRecord) Position() Position {
	return Position{Block: t.BlockNumber, Index: t.LogIndex}
}

// Position identifies a log by block number and log index.
type Position struct {
	Block uint64 `json:"block"`
	Index uint64 `json:"index"`
}

// After reports whether p comes strictly after o.
func (p Position) After(o Position) bool {
	if p.Block != o.Block {
		return p.Block > o.Block
	}
	return p.Index > o.Index
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Block, p.Index)
}
