package client

import (
	"context"
	"fmt"
	"math/big"
	"net/url"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/sirupsen/logrus"
)

// Chain is the node surface the wallet depends on.
type Chain interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

var _ Chain = (*ethclient.Client)(nil)

// Dial connects to the node at url. Live subscriptions need a ws:// or ipc endpoint.
func Dial(ctx context.Context, rawURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", redactURL(rawURL), err)
	}

	logger := log.WithField("component", "client")
	if id, err := c.ChainID(ctx); err != nil {
		logger.WithError(err).Warn("could not read chain id")
	} else {
		logger.WithField("chain_id", id.String()).Info("connected to node")
	}
	return c, nil
}

// redactURL drops the path and credentials, which often carry provider API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "node"
	}
	return u.Scheme + "://" + u.Host
}
