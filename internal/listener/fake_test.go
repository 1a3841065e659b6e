package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	"github.com/stretchr/testify/require"
)

// fakeSource simulates a node: FilterLogs serves history, each SubscribeFilterLogs
// opens a fakeSub the test drives by hand.
type fakeSource struct {
	mu            sync.Mutex
	history       []types.Log
	head          uint64
	subscribeErrs []error
	filterErr     error
	maxSpan       uint64
	queries       []ethereum.FilterQuery

	subs chan *fakeSub
}

type fakeSub struct {
	feed chan types.Log
	fail chan error
	sub  event.Subscription
}

func newFakeSource(head uint64) *fakeSource {
	return &fakeSource{head: head, subs: make(chan *fakeSub, 8)}
}

func (f *fakeSource) addHistory(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, logs...)
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	if f.maxSpan > 0 && f.querySpan(q) > f.maxSpan {
		return nil, errQueryTooWide
	}
	var out []types.Log
	for _, l := range f.history {
		if matches(q, l) {
			out = append(out, l)
		}
	}
	return out, nil
}

// querySpan counts the blocks q covers, treating an open end as the head.
func (f *fakeSource) querySpan(q ethereum.FilterQuery) uint64 {
	var from uint64
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	to := f.head
	if q.ToBlock != nil {
		to = q.ToBlock.Uint64()
	}
	if from > to {
		return 0
	}
	return to - from + 1
}

func (f *fakeSource) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	if len(f.subscribeErrs) > 0 {
		err := f.subscribeErrs[0]
		f.subscribeErrs = f.subscribeErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	fs := &fakeSub{feed: make(chan types.Log), fail: make(chan error, 1)}
	fs.sub = event.NewSubscription(func(quit <-chan struct{}) error {
		for {
			select {
			case <-quit:
				return nil
			case err := <-fs.fail:
				return err
			case l := <-fs.feed:
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			}
		}
	})
	f.subs <- fs
	return fs.sub, nil
}

func (f *fakeSource) nextSub(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case s := <-f.subs:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription opened")
		return nil
	}
}

func (s *fakeSub) send(t *testing.T, l types.Log) {
	t.Helper()
	select {
	case s.feed <- l:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not accept log")
	}
}

func (s *fakeSub) drop(err error) { s.fail <- err }

func matches(q ethereum.FilterQuery, l types.Log) bool {
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
		return false
	}
	for i, want := range q.Topics {
		if len(want) == 0 {
			continue
		}
		if i >= len(l.Topics) || !containsHash(want, l.Topics[i]) {
			return false
		}
	}
	return true
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func recvTransfer(t *testing.T, ch <-chan models.TransferRecord) models.TransferRecord {
	t.Helper()
	select {
	case rec, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transfer")
		return models.TransferRecord{}
	}
}

func waitClosed(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	for range s.Transfers() {
	}
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []models.ChainEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev models.ChainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) published() []models.ChainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ChainEvent(nil), p.events...)
}

var (
	errNodeGone     = errors.New("websocket: close 1006")
	errQueryTooWide = errors.New("query exceeds max block range 1000")
)
