package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/listener"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/storage"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/wallet"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testPhrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type harness struct {
	wallet  *Wallet
	chain   *fakeChain
	ledger  storage.Ledger
	pub     *recordingPublisher
	balance *fakeBalances
	metrics *metrics.Pipeline
}

func newHarness(t *testing.T, ledger storage.Ledger, opts Options) *harness {
	t.Helper()
	m, err := wallet.ParseMnemonic(testPhrase)
	require.NoError(t, err)

	h := &harness{
		chain:   newFakeChain(),
		ledger:  ledger,
		pub:     newRecordingPublisher(),
		balance: &fakeBalances{balance: big.NewInt(0)},
		metrics: metrics.NewUnregistered(),
	}
	if opts.BasePath == "" {
		opts.BasePath = wallet.DefaultBasePath
	}
	watcher := listener.NewWatcher(h.chain, testContract, listener.ReconnectPolicy{}, h.metrics)
	h.wallet, err = New(wallet.NewVault(m), ledger, watcher, h.balance, h.pub, h.metrics, opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.wallet.StopSync(ctx)
	})
	return h
}

func (h *harness) nextFeed(t *testing.T) *fakeFeed {
	t.Helper()
	select {
	case f := <-h.chain.feeds:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription opened")
		return nil
	}
}

func TestRevealNextAddress_Sequential(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	ctx := context.Background()

	first, err := h.wallet.RevealNextAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), first.Index)
	require.Equal(t, "0x6Fac4D18c912343BF86fa7049364Dd4E424Ab9C0", first.Address)
	require.Equal(t, wallet.DefaultBasePath, first.BasePath)

	second, err := h.wallet.RevealNextAddress(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), second.Index)
	require.Equal(t, "0xb6716976A3ebe8D39aCEB04372f22Ff8e6802D7A", second.Address)

	listed, err := h.wallet.Addresses(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.AddressesAllocated))
	require.Empty(t, h.pub.published())
}

func TestRevealNextAddress_PublishesWhenEnabled(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{PublishNewAddress: true})

	rec, err := h.wallet.RevealNextAddress(context.Background())
	require.NoError(t, err)

	events := h.pub.published()
	require.Len(t, events, 1)
	require.Equal(t, models.NewAddress{Address: rec.Address}, events[0])
}

func TestRevealNextAddress_Concurrent(t *testing.T) {
	ledger, err := storage.NewSQLiteLedger(t.TempDir() + "/wallet.sqlite")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	h := newHarness(t, ledger, Options{AllocationRetries: 50})

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		indexes []int
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := h.wallet.RevealNextAddress(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			indexes = append(indexes, int(rec.Index))
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	sort.Ints(indexes)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, indexes)
}

func TestRevealNextAddress_RetriesContention(t *testing.T) {
	ledger := &contendedLedger{MemoryLedger: storage.NewMemoryLedger(), conflicts: 2}
	h := newHarness(t, ledger, Options{AllocationRetries: 2})

	rec, err := h.wallet.RevealNextAddress(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(1), rec.Index)
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.AllocationConflicts))
}

func TestRevealNextAddress_ContentionExhausted(t *testing.T) {
	ledger := &contendedLedger{MemoryLedger: storage.NewMemoryLedger(), conflicts: 10}
	h := newHarness(t, ledger, Options{AllocationRetries: 1})

	_, err := h.wallet.RevealNextAddress(context.Background())
	require.ErrorIs(t, err, storage.ErrIndexTaken)
}

func TestGetBalance(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	h.balance.balance = big.NewInt(1_500_000)

	got, err := h.wallet.GetBalance(context.Background(), " 0x9858EfFD232B4033E47d90003D41EC34EcaEda94 ")
	require.NoError(t, err)
	require.Equal(t, "1500000", got.String())
	require.Equal(t, common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"), h.balance.owners[0])

	_, err = h.wallet.GetBalance(context.Background(), "not-an-address")
	require.ErrorIs(t, err, ErrInvalidAddress)

	h.balance.err = errors.New("execution reverted")
	_, err = h.wallet.GetBalance(context.Background(), "0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	require.ErrorContains(t, err, "execution reverted")
}

func TestGetHistoricalDeposits(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	recipient := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	h.chain.history = append(h.chain.history,
		transferLog(recipient, 1, 99, 0),
		transferLog(recipient, 2, 150, 1),
		transferLog(other, 3, 160, 0),
		transferLog(recipient, 4, 200, 4),
		transferLog(recipient, 5, 201, 0),
	)

	from, to := uint64(100), uint64(200)
	got, err := h.wallet.GetHistoricalDeposits(context.Background(), recipient.Hex(), &from, &to)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rec := range got {
		require.Equal(t, recipient.Hex(), rec.To)
		require.GreaterOrEqual(t, rec.BlockNumber, from)
		require.LessOrEqual(t, rec.BlockNumber, to)
	}

	_, err = h.wallet.GetHistoricalDeposits(context.Background(), "0x123", nil, nil)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestStartSync_DoubleStartIsNoop(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	ctx := context.Background()

	first, started, err := h.wallet.StartSync(ctx)
	require.NoError(t, err)
	require.True(t, started)
	h.nextFeed(t)

	second, started, err := h.wallet.StartSync(ctx)
	require.NoError(t, err)
	require.False(t, started)
	require.Same(t, first, second)
	require.Len(t, h.chain.feeds, 0, "second start must not subscribe again")
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SyncActive))
}

func TestStartSync_StopThenStartYieldsFreshTask(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	ctx := context.Background()

	first, _, err := h.wallet.StartSync(ctx)
	require.NoError(t, err)
	h.nextFeed(t)

	require.NoError(t, h.wallet.StopSync(ctx))
	requireClosed(t, first.Done())
	require.Nil(t, h.wallet.SyncStatus())
	require.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SyncActive))
	require.ErrorIs(t, h.wallet.StopSync(ctx), ErrSyncNotRunning)

	second, started, err := h.wallet.StartSync(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.NotEqual(t, first.ID, second.ID)
	h.nextFeed(t)

	require.NoError(t, h.wallet.StopSync(ctx))
	requireClosed(t, second.Done())
}

func TestStopSync_TimeoutKeepsDrainingTaskRegistered(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	h.pub.gate = make(chan struct{})
	h.pub.entered = make(chan struct{}, 1)
	ctx := context.Background()

	rec, err := h.wallet.RevealNextAddress(ctx)
	require.NoError(t, err)
	first, _, err := h.wallet.StartSync(ctx)
	require.NoError(t, err)
	h.nextFeed(t).logs <- transferLog(common.HexToAddress(rec.Address), 1, 50, 0)

	select {
	case <-h.pub.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("deposit never reached the publisher")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.wallet.StopSync(stopCtx), context.DeadlineExceeded)
	require.Same(t, first, h.wallet.SyncStatus())

	again, started, err := h.wallet.StartSync(ctx)
	require.NoError(t, err)
	require.False(t, started, "a draining task must not be overlapped")
	require.Same(t, first, again)
	require.Len(t, h.chain.feeds, 0)

	// The first stop already cancelled the stream; releasing the publisher lets it drain.
	close(h.pub.gate)
	requireClosed(t, first.Done())
	require.Nil(t, h.wallet.SyncStatus())
	require.ErrorIs(t, h.wallet.StopSync(ctx), ErrSyncNotRunning)
	require.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SyncActive))
}

func TestStartSync_SetupFailure(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	h.chain.subscribeErr = errors.New("notifications not supported")

	_, _, err := h.wallet.StartSync(context.Background())
	require.ErrorContains(t, err, "notifications not supported")
	require.Nil(t, h.wallet.SyncStatus())
}

func TestSync_PublishesDepositToKnownAddress(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	ctx := context.Background()

	rec, err := h.wallet.RevealNextAddress(ctx)
	require.NoError(t, err)

	_, _, err = h.wallet.StartSync(ctx)
	require.NoError(t, err)
	feed := h.nextFeed(t)

	stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")
	feed.logs <- transferLog(stranger, 9, 101, 0)
	feed.logs <- transferLog(common.HexToAddress(rec.Address), 2_500_000, 101, 1)

	select {
	case ev := <-h.pub.sent:
		dep, ok := ev.(models.NewDeposit)
		require.True(t, ok)
		require.Equal(t, rec.Address, dep.Deposit.Address)
		require.Equal(t, "2500000", dep.Deposit.Amount.String())
		require.Equal(t, uint64(101), dep.Deposit.BlockNumber)
		require.Equal(t, uint64(1), dep.Deposit.LogIndex)
	case <-time.After(5 * time.Second):
		t.Fatal("deposit not published")
	}

	require.NoError(t, h.wallet.StopSync(ctx))
	require.Len(t, h.pub.published(), 1)

	pos, ok, err := h.ledger.Watermark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.Position{Block: 101, Index: 1}, pos)
}

func TestSync_EndsWhenSubscriptionDrops(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})

	handle, _, err := h.wallet.StartSync(context.Background())
	require.NoError(t, err)
	h.nextFeed(t).fail <- errNodeGone

	requireClosed(t, handle.Done())
	require.Nil(t, h.wallet.SyncStatus())
	require.Equal(t, 0.0, testutil.ToFloat64(h.metrics.SyncActive))

	_, started, err := h.wallet.StartSync(context.Background())
	require.NoError(t, err)
	require.True(t, started)
	h.nextFeed(t)
}

func TestStartSync_ResumesFromWatermark(t *testing.T) {
	ledger := storage.NewMemoryLedger()
	require.NoError(t, ledger.SetWatermark(context.Background(), models.Position{Block: 42, Index: 3}))
	h := newHarness(t, ledger, Options{ResumeFromWatermark: true})

	_, _, err := h.wallet.StartSync(context.Background())
	require.NoError(t, err)
	h.nextFeed(t)

	require.Eventually(t, func() bool {
		h.chain.mu.Lock()
		defer h.chain.mu.Unlock()
		return len(h.chain.queries) > 0
	}, 5*time.Second, 10*time.Millisecond)
	q := h.chain.lastQuery()
	require.Equal(t, uint64(42), q.FromBlock.Uint64())
}

func TestPublishTestEvents(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	events := []models.ChainEvent{
		models.NewDeposit{Deposit: models.Deposit{Address: "0x01", Amount: big.NewInt(1), BlockNumber: 1, TxHash: "0xaa"}},
		models.NewDeposit{Deposit: models.Deposit{Address: "0x02", Amount: big.NewInt(2), BlockNumber: 2, TxHash: "0xbb"}},
	}
	require.NoError(t, h.wallet.PublishTestEvents(context.Background(), events))
	require.Equal(t, events, h.pub.published())

	h.pub.err = errors.New("publisher closed")
	err := h.wallet.PublishTestEvents(context.Background(), events)
	require.ErrorContains(t, err, "publish event 0")
}

func TestClose(t *testing.T) {
	h := newHarness(t, storage.NewMemoryLedger(), Options{})
	handle, _, err := h.wallet.StartSync(context.Background())
	require.NoError(t, err)
	h.nextFeed(t)

	require.NoError(t, h.wallet.Close(context.Background()))
	requireClosed(t, handle.Done())
	require.True(t, h.pub.closed)
}

func requireClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
}
