package listener

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/client"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
)

var (
	// ErrMalformedLog marks a log that is not a well-formed ERC-20 Transfer.
	ErrMalformedLog = errors.New("malformed transfer log")
	// ErrPendingLog marks a log that carries no block number yet.
	ErrPendingLog = errors.New("transfer log has no block number")
	// ErrRemovedLog marks a log retracted by a chain reorganization.
	ErrRemovedLog = errors.New("transfer log was removed")
)

// DecodeTransfer parses a Transfer(address indexed from, address indexed to, uint256 value) log.
func DecodeTransfer(l types.Log) (*models.TransferRecord, error) {
	if l.Removed {
		return nil, ErrRemovedLog
	}
	if l.BlockNumber == 0 && l.BlockHash == (common.Hash{}) {
		return nil, ErrPendingLog
	}
	if len(l.Topics) != 3 {
		return nil, fmt.Errorf("%w: %d topics", ErrMalformedLog, len(l.Topics))
	}
	if l.Topics[0] != client.TransferTopic {
		return nil, fmt.Errorf("%w: unexpected topic0 %s", ErrMalformedLog, l.Topics[0].Hex())
	}

	values, err := client.ERC20.Unpack("Transfer", l.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedLog, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: %d data values", ErrMalformedLog, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: value is %T", ErrMalformedLog, values[0])
	}

	return &models.TransferRecord{
		From:        topicAddress(l.Topics[1]).Hex(),
		To:          topicAddress(l.Topics[2]).Hex(),
		Amount:      amount,
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    uint64(l.Index),
	}, nil
}

// recipientTopic left-pads addr to a 32-byte topic.
func recipientTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func topicAddress(h common.Hash) common.Address {
	return common.BytesToAddress(h.Bytes())
}

// skipReason maps a decode error to its metrics label.
func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrPendingLog):
		return metrics.ReasonPending
	case errors.Is(err, ErrRemovedLog):
		return metrics.ReasonRemoved
	default:
		return metrics.ReasonMalformed
	}
}
