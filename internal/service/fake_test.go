package service

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/client"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/storage"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
)

var (
	testContract = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	testSender   = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

// fakeChain serves history from memory and opens live subscriptions fed by the test.
type fakeChain struct {
	mu           sync.Mutex
	history      []types.Log
	subscribeErr error
	queries      []ethereum.FilterQuery

	feeds chan *fakeFeed
}

type fakeFeed struct {
	logs chan types.Log
	fail chan error
}

func newFakeChain() *fakeChain {
	return &fakeChain{feeds: make(chan *fakeFeed, 8)}
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, nil }

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)

	var out []types.Log
	for _, l := range c.history {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 2 && len(q.Topics[2]) > 0 && q.Topics[2][0] != l.Topics[2] {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *fakeChain) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.mu.Lock()
	err := c.subscribeErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f := &fakeFeed{logs: make(chan types.Log), fail: make(chan error, 1)}
	sub := event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case l := <-f.logs:
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			case err := <-f.fail:
				return err
			case <-quit:
				return nil
			}
		}
	})
	c.feeds <- f
	return sub, nil
}

func (c *fakeChain) lastQuery() ethereum.FilterQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[len(c.queries)-1]
}

func transferLog(to common.Address, amount int64, block uint64, index uint) types.Log {
	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			client.TransferTopic,
			common.BytesToHash(testSender.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(big.NewInt(int64(block)*1000 + int64(index))),
		Index:       index,
	}
}

type fakeBalances struct {
	balance *big.Int
	err     error
	owners  []common.Address
}

func (b *fakeBalances) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	b.owners = append(b.owners, owner)
	return b.balance, b.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ChainEvent
	err    error
	closed bool
	sent   chan models.ChainEvent

	// When gate is set, Publish signals entered and blocks until gate is closed.
	gate    chan struct{}
	entered chan struct{}
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{sent: make(chan models.ChainEvent, 16)}
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.ChainEvent) error {
	if p.gate != nil {
		p.entered <- struct{}{}
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	p.sent <- ev
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) published() []models.ChainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChainEvent(nil), p.events...)
}

// contendedLedger reports index contention for the first conflicts allocations.
type contendedLedger struct {
	*storage.MemoryLedger
	mu        sync.Mutex
	conflicts int
}

func (l *contendedLedger) AllocateNext(ctx context.Context, basePath string, derive storage.DeriveFunc) (*models.AddressRecord, error) {
	l.mu.Lock()
	if l.conflicts > 0 {
		l.conflicts--
		l.mu.Unlock()
		return nil, storage.ErrIndexTaken
	}
	l.mu.Unlock()
	return l.MemoryLedger.AllocateNext(ctx, basePath, derive)
}

var errNodeGone = errors.New("websocket: close 1006")
