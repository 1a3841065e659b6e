package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// EventKind is the discriminator written on the wire for a ChainEvent.
type EventKind string

// Wire discriminators. Subscribers already key on these exact strings.
const (
	KindNewTransaction EventKind = "newtx"
	KindNewAddress     EventKind = "NewAddress"
	KindNewDeposit     EventKind = "dpst"
)

// ChainEvent is one of NewTransaction, NewAddress or NewDeposit.
type ChainEvent interface {
	Kind() EventKind
	isChainEvent()
}

// NewTransaction announces a wallet transaction and its confirmation depth.
type NewTransaction struct {
	TxID          string `json:"txid"`
	Amount        int64  `json:"amount"`
	Confirmations uint32 `json:"confirmations"`
}

// NewAddress announces a freshly allocated receive address.
type NewAddress struct {
	Address string `json:"address"`
}

// NewDeposit announces a transfer into one of our receive addresses.
type NewDeposit struct {
	Deposit Deposit `json:"deposit"`
}

func (NewTransaction) Kind() EventKind { return KindNewTransaction }
func (NewAddress) Kind() EventKind     { return KindNewAddress }
func (NewDeposit) Kind() EventKind     { return KindNewDeposit }

func (NewTransaction) isChainEvent() {}
func (NewAddress) isChainEvent()     {}
func (NewDeposit) isChainEvent()     {}

// Deposit is encoded as the positional tuple
// [address, amount, block_number, tx_hash, log_index].
type Deposit struct {
	Address     string
	Amount      *big.Int
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
}

// DepositFromTransfer builds the deposit tuple credited to t.To.
func DepositFromTransfer(t TransferRecord) Deposit {
	amount := new(big.Int)
	if t.Amount != nil {
		amount.Set(t.Amount)
	}
	return Deposit{
		Address:     t.To,
		Amount:      amount,
		BlockNumber: t.BlockNumber,
		TxHash:      t.TxHash,
		LogIndex:    t.LogIndex,
	}
}

func (d Deposit) MarshalJSON() ([]byte, error) {
	amount := "0"
	if d.Amount != nil {
		amount = d.Amount.String()
	}
	return json.Marshal([]any{d.Address, amount, d.BlockNumber, d.TxHash, d.LogIndex})
}

func (d *Deposit) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("deposit tuple: %w", err)
	}
	if len(raw) != 5 {
		return fmt.Errorf("deposit tuple: expected 5 elements, got %d", len(raw))
	}

	var amount string
	if err := json.Unmarshal(raw[0], &d.Address); err != nil {
		return fmt.Errorf("deposit address: %w", err)
	}
	if err := json.Unmarshal(raw[1], &amount); err != nil {
		return fmt.Errorf("deposit amount: %w", err)
	}
	if err := json.Unmarshal(raw[2], &d.BlockNumber); err != nil {
		return fmt.Errorf("deposit block number: %w", err)
	}
	if err := json.Unmarshal(raw[3], &d.TxHash); err != nil {
		return fmt.Errorf("deposit tx hash: %w", err)
	}
	if err := json.Unmarshal(raw[4], &d.LogIndex); err != nil {
		return fmt.Errorf("deposit log index: %w", err)
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("deposit amount %q is not a base-10 integer", amount)
	}
	d.Amount = v
	return nil
}

// EncodeEvent serializes ev as a single-key object keyed by its discriminator,
// e.g. {"dpst":{"deposit":[...]}}.
func EncodeEvent(ev ChainEvent) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil chain event")
	}
	return json.Marshal(map[EventKind]ChainEvent{ev.Kind(): ev})
}

// DecodeEvent parses a payload produced by EncodeEvent.
func DecodeEvent(data []byte) (ChainEvent, error) {
	var envelope map[EventKind]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("event envelope: %w", err)
	}
	if len(envelope) != 1 {
		return nil, fmt.Errorf("event envelope: expected one discriminator, got %d", len(envelope))
	}

	for kind, body := range envelope {
		switch kind {
		case KindNewTransaction:
			var ev NewTransaction
			if err := json.Unmarshal(body, &ev); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
			return ev, nil
		case KindNewAddress:
			var ev NewAddress
			if err := json.Unmarshal(body, &ev); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
			return ev, nil
		case KindNewDeposit:
			var ev NewDeposit
			if err := json.Unmarshal(body, &ev); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
			return ev, nil
		default:
			return nil, fmt.Errorf("unknown event kind %q", kind)
		}
	}
	return nil, errors.New("unreachable")
}
