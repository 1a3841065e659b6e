package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/listener"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/storage"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/wallet"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrSyncNotRunning is returned by StopSync when no sync task is active.
	ErrSyncNotRunning = errors.New("sync is not running")
	// ErrInvalidAddress is returned for input that is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid address")
)

// BalanceReader reads token balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// EventPublisher is the event bus as seen by the wallet.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.ChainEvent) error
	Close() error
}

// Options tune the wallet's behaviour.
type Options struct {
	BasePath            string
	AllocationRetries   int
	PublishNewAddress   bool
	ResumeFromWatermark bool
	// RPCTimeout bounds one-shot node queries; 0 leaves them to the caller's context.
	RPCTimeout time.Duration
}

// Wallet ties the key vault, address ledger, chain watcher and event bus together.
// The ledger and the publisher guard themselves; syncMu only covers the sync handle.
type Wallet struct {
	vault     *wallet.Vault
	ledger    storage.Ledger
	watcher   *listener.Watcher
	token     BalanceReader
	publisher EventPublisher
	metrics   *metrics.Pipeline
	opts      Options
	logger    *log.Entry

	syncMu sync.Mutex
	sync   *SyncHandle
}

// SyncHandle is the running live-subscription task.
type SyncHandle struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`

	sub  *listener.Subscription
	done chan struct{}
}

// Done is closed once the task has drained its stream and stopped.
func (h *SyncHandle) Done() <-chan struct{} { return h.done }

// New builds a Wallet. opts.BasePath is canonicalized.
func New(vault *wallet.Vault, ledger storage.Ledger, watcher *listener.Watcher, token BalanceReader,
	publisher EventPublisher, m *metrics.Pipeline, opts Options) (*Wallet, error) {
	base, err := wallet.CanonicalBasePath(opts.BasePath)
	if err != nil {
		return nil, fmt.Errorf("derivation path: %w", err)
	}
	opts.BasePath = base
	if opts.AllocationRetries < 0 {
		opts.AllocationRetries = 0
	}

	return &Wallet{
		vault:     vault,
		ledger:    ledger,
		watcher:   watcher,
		token:     token,
		publisher: publisher,
		metrics:   m,
		opts:      opts,
		logger:    log.WithField("component", "wallet"),
	}, nil
}

// RevealNextAddress allocates the next receive address on the base path.
// Index contention is retried with a fresh read up to AllocationRetries times.
func (w *Wallet) RevealNextAddress(ctx context.Context) (*models.AddressRecord, error) {
	derive := func(index uint32) (string, error) {
		addr, err := w.vault.DeriveAddress(w.opts.BasePath, index)
		if err != nil {
			return "", err
		}
		return addr.Address, nil
	}

	var (
		rec *models.AddressRecord
		err error
	)
	for attempt := 0; ; attempt++ {
		rec, err = w.ledger.AllocateNext(ctx, w.opts.BasePath, derive)
		if !errors.Is(err, storage.ErrIndexTaken) {
			break
		}
		w.metrics.AllocationConflicts.Inc()
		if attempt >= w.opts.AllocationRetries {
			break
		}
		w.logger.WithField("attempt", attempt+1).Debug("index taken, retrying allocation")
	}
	if err != nil {
		return nil, fmt.Errorf("allocate address: %w", err)
	}

	w.metrics.AddressesAllocated.Inc()
	w.logger.WithFields(log.Fields{
		"address": rec.Address,
		"path":    rec.BasePath,
		"index":   rec.Index,
	}).Info("address allocated")

	if w.opts.PublishNewAddress {
		if err := w.publisher.Publish(ctx, models.NewAddress{Address: rec.Address}); err != nil {
			w.logger.WithError(err).Warn("publish new address failed")
		}
	}
	return rec, nil
}

// Addresses lists every allocated address on the base path, ordered by index.
func (w *Wallet) Addresses(ctx context.Context) ([]models.AddressRecord, error) {
	return w.ledger.List(ctx, w.opts.BasePath)
}

// GetBalance returns the token balance of address in the token's base units.
func (w *Wallet) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	owner, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := w.rpcContext(ctx)
	defer cancel()

	start := time.Now()
	balance, err := w.token.BalanceOf(ctx, owner)
	w.metrics.RPCLatency.WithLabelValues("eth_call").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", owner.Hex(), err)
	}
	return balance, nil
}

// GetHistoricalDeposits returns transfers to address in [from, to]. Nil bounds mean
// earliest and latest.
func (w *Wallet) GetHistoricalDeposits(ctx context.Context, address string, from, to *uint64) ([]models.TransferRecord, error) {
	recipient, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := w.rpcContext(ctx)
	defer cancel()
	return w.watcher.HistoricalTransfers(ctx, from, to, recipient)
}

func (w *Wallet) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.opts.RPCTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.opts.RPCTimeout)
}

// StartSync starts the live deposit pipeline. If one is already running it is
// returned unchanged and started is false.
func (w *Wallet) StartSync(ctx context.Context) (h *SyncHandle, started bool, err error) {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()

	if w.sync != nil {
		return w.sync, false, nil
	}

	var resumeFrom *uint64
	if w.opts.ResumeFromWatermark {
		pos, ok, err := w.ledger.Watermark(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("read watermark: %w", err)
		}
		if ok {
			block := pos.Block
			resumeFrom = &block
		}
	}

	// The task outlives the caller's request.
	taskCtx := context.WithoutCancel(ctx)
	sub, err := w.watcher.Subscribe(taskCtx, resumeFrom)
	if err != nil {
		return nil, false, fmt.Errorf("start sync: %w", err)
	}

	h = &SyncHandle{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
		sub:       sub,
		done:      make(chan struct{}),
	}
	w.sync = h
	w.metrics.SyncActive.Set(1)

	logger := w.logger.WithField("sync_id", h.ID)
	if resumeFrom != nil {
		logger = logger.WithField("resume_from", *resumeFrom)
	}
	logger.Info("sync started")

	filter := listener.NewDepositFilter(w.ledger, w.ledger, w.publisher, w.metrics)
	go w.runSync(taskCtx, h, filter, logger)
	return h, true, nil
}

func (w *Wallet) runSync(ctx context.Context, h *SyncHandle, filter *listener.DepositFilter, logger *log.Entry) {
	defer close(h.done)

	filter.Run(ctx, h.sub.Transfers())
	if err := h.sub.Err(); err != nil {
		logger.WithError(err).Error("sync ended")
	} else {
		logger.Info("sync stopped")
	}

	w.syncMu.Lock()
	if w.sync == h {
		w.sync = nil
	}
	if w.sync == nil {
		w.metrics.SyncActive.Set(0)
	}
	w.syncMu.Unlock()
}

// StopSync cancels the running task and waits for it to finish. The task stays
// registered until it has drained, so a StartSync racing a slow stop returns the
// draining task instead of starting a second one. If ctx expires first the error
// is returned and the task keeps draining in the background.
func (w *Wallet) StopSync(ctx context.Context) error {
	w.syncMu.Lock()
	h := w.sync
	w.syncMu.Unlock()

	if h == nil {
		return ErrSyncNotRunning
	}

	h.sub.Cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncStatus returns the running task, or nil.
func (w *Wallet) SyncStatus() *SyncHandle {
	w.syncMu.Lock()
	defer w.syncMu.Unlock()
	return w.sync
}

// PublishTestEvents publishes events in order and stops at the first failure.
func (w *Wallet) PublishTestEvents(ctx context.Context, events []models.ChainEvent) error {
	for i, ev := range events {
		if err := w.publisher.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish event %d (%s): %w", i, ev.Kind(), err)
		}
	}
	return nil
}

// Close stops any running sync, then closes the publisher and the ledger.
func (w *Wallet) Close(ctx context.Context) error {
	var errs []error
	if err := w.StopSync(ctx); err != nil && !errors.Is(err, ErrSyncNotRunning) {
		errs = append(errs, err)
	}
	if err := w.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	if err := w.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ledger: %w", err))
	}
	return errors.Join(errs...)
}

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
