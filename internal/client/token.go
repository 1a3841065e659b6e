package client

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC20 is the parsed subset of the ERC-20 ABI used by the wallet.
var ERC20 = mustParseABI(erc20ABIJSON)

// TransferTopic is topic0 of Transfer(address,address,uint256).
var TransferTopic = ERC20.Events["Transfer"].ID

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// Token is a read-only ERC-20 contract client.
type Token struct {
	address common.Address
	caller  ethereum.ContractCaller
}

// NewToken binds the ERC-20 contract at address.
func NewToken(address common.Address, caller ethereum.ContractCaller) *Token {
	return &Token{address: address, caller: caller}
}

// Address returns the contract address.
func (t *Token) Address() common.Address { return t.address }

// BalanceOf returns owner's token balance at the latest block.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}

	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf(%s): %w", owner.Hex(), err)
	}

	values, err := ERC20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}
	return balance, nil
}
