package listener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/client"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	log "github.com/sirupsen/logrus"
)

const (
	// liveBuffer bounds how many raw logs wait between the node and the decoder.
	liveBuffer = 256
	// DefaultBackfillSpan is the widest block window one replay query covers.
	DefaultBackfillSpan = 1000
)

var errSubscriptionClosed = errors.New("log subscription closed by node")

// ErrInvalidRange is returned when a historical query starts after it ends.
var ErrInvalidRange = errors.New("invalid block range")

// LogSource is the node surface the watcher needs.
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReconnectPolicy controls how a dropped live subscription is re-established.
type ReconnectPolicy struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxElapsed   time.Duration // 0 retries until cancelled
}

// Watcher queries and streams Transfer logs of one token contract.
type Watcher struct {
	source    LogSource
	contract  common.Address
	reconnect ReconnectPolicy
	span      uint64
	metrics   *metrics.Pipeline
	logger    *log.Entry
}

func NewWatcher(source LogSource, contract common.Address, policy ReconnectPolicy, m *metrics.Pipeline) *Watcher {
	return &Watcher{
		source:    source,
		contract:  contract,
		reconnect: policy,
		span:      DefaultBackfillSpan,
		metrics:   m,
		logger:    log.WithFields(log.Fields{"component": "watcher", "contract": contract.Hex()}),
	}
}

// HistoricalTransfers returns Transfer logs to recipient within [from, to].
// A nil from means the earliest block, a nil to the latest. Malformed and pending
// logs are skipped.
func (w *Watcher) HistoricalTransfers(ctx context.Context, from, to *uint64, recipient common.Address) ([]models.TransferRecord, error) {
	if from != nil && to != nil && *from > *to {
		return nil, fmt.Errorf("%w %d..%d", ErrInvalidRange, *from, *to)
	}

	q := ethereum.FilterQuery{
		FromBlock: blockArg(from),
		ToBlock:   blockArg(to),
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{{client.TransferTopic}, nil, {recipientTopic(recipient)}},
	}

	logs, err := w.filterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query transfers to %s: %w", recipient.Hex(), err)
	}

	out := make([]models.TransferRecord, 0, len(logs))
	for _, l := range logs {
		rec, err := DecodeTransfer(l)
		if err != nil {
			w.skip(l, err)
			continue
		}
		// The node applies the same filter; re-check so a lax node cannot leak rows.
		if !inRange(rec.BlockNumber, from, to) || !sameAddress(rec.To, recipient) {
			continue
		}
		out = append(out, *rec)
	}
	sortByPosition(out)
	return out, nil
}

// Subscribe starts streaming decoded transfers of the contract. When resumeFrom is
// set, logs from that block onward are replayed before live delivery. Setup errors
// are returned directly; later failures end the stream and are reported by Err.
func (w *Watcher) Subscribe(ctx context.Context, resumeFrom *uint64) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	logs := make(chan types.Log, liveBuffer)
	sub, err := w.source.SubscribeFilterLogs(ctx, w.liveQuery(), logs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe transfer logs: %w", err)
	}

	s := newSubscription(cancel)
	r := &stream{w: w, sub: s, logs: logs, head: head}
	go r.run(ctx, sub, resumeFrom)

	w.logger.WithField("head", head).Info("live subscription established")
	return s, nil
}

// SetBackfillSpan limits how many blocks each replay query spans. Zero keeps the default.
// Call it before Subscribe.
func (w *Watcher) SetBackfillSpan(blocks uint64) {
	if blocks > 0 {
		w.span = blocks
	}
}

func (w *Watcher) liveQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{w.contract},
		Topics:    [][]common.Hash{{client.TransferTopic}},
	}
}

func (w *Watcher) filterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	start := time.Now()
	logs, err := w.source.FilterLogs(ctx, q)
	w.metrics.RPCLatency.WithLabelValues("eth_getLogs").Observe(time.Since(start).Seconds())
	return logs, err
}

func (w *Watcher) skip(l types.Log, err error) {
	w.metrics.LogsSkipped.WithLabelValues(skipReason(err)).Inc()
	w.logger.WithFields(log.Fields{
		"block": l.BlockNumber,
		"tx":    l.TxHash.Hex(),
		"index": l.Index,
	}).WithError(err).Warn("skipping log")
}

// Subscription is the receiving side of a live transfer stream.
type Subscription struct {
	transfers chan models.TransferRecord
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func newSubscription(cancel context.CancelFunc) *Subscription {
	return &Subscription{
		transfers: make(chan models.TransferRecord, liveBuffer),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Transfers yields decoded transfers in chain order. It is closed when the stream
// ends; consumers must drain it.
func (s *Subscription) Transfers() <-chan models.TransferRecord { return s.transfers }

// Cancel asks the stream to stop. The log being delivered is finished first.
func (s *Subscription) Cancel() { s.cancel() }

// Done is closed after the stream has stopped and Transfers is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the stream ended. It is nil after Cancel and only valid once Done is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// stream is the state of one running subscription task.
type stream struct {
	w    *Watcher
	sub  *Subscription
	logs chan types.Log
	head uint64

	last      *models.Position
	lastBlock uint64
}

func (r *stream) run(ctx context.Context, sub ethereum.Subscription, resumeFrom *uint64) {
	defer close(r.sub.done)
	defer close(r.sub.transfers)
	defer r.sub.cancel()

	logger := r.w.logger

	if resumeFrom != nil {
		if err := r.backfill(ctx, *resumeFrom); err != nil {
			sub.Unsubscribe()
			if ctx.Err() == nil {
				r.sub.err = fmt.Errorf("resume from block %d: %w", *resumeFrom, err)
				logger.WithError(err).Error("resume backfill failed")
			}
			return
		}
	}

	for {
		err := r.pump(ctx, sub)
		sub.Unsubscribe()
		if err == nil || ctx.Err() != nil {
			logger.Info("live subscription stopped")
			return
		}

		logger.WithError(err).Warn("live subscription dropped")
		if !r.w.reconnect.Enabled {
			r.sub.err = err
			return
		}

		sub, err = r.resubscribe(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.sub.err = fmt.Errorf("reconnect: %w", err)
				logger.WithError(err).Error("giving up on live subscription")
			}
			return
		}

		from := r.head
		if r.last != nil && r.last.Block > from {
			from = r.last.Block
		}
		if err := r.backfill(ctx, from); err != nil {
			sub.Unsubscribe()
			if ctx.Err() == nil {
				r.sub.err = fmt.Errorf("gap fill from block %d: %w", from, err)
				logger.WithError(err).Error("gap fill failed")
			}
			return
		}
		logger.WithField("from_block", from).Info("live subscription resumed")
	}
}

// pump forwards live logs until the context ends (nil) or the subscription fails.
func (r *stream) pump(ctx context.Context, sub ethereum.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case l := <-r.logs:
			r.deliver(l)
		}
	}
}

// backfill replays contract Transfer logs from block onward through deliver.
// Blocks up to the current head are read in windows of at most w.span blocks;
// a last open-ended query picks up whatever was mined since.
func (r *stream) backfill(ctx context.Context, from uint64) error {
	head, err := r.w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}

	span := r.w.span
	replayed := 0
	start := from
	for ; start <= head; start += span {
		end := start + span - 1
		if end > head || end < start {
			end = head
		}
		n, err := r.replay(ctx, start, &end)
		if err != nil {
			return fmt.Errorf("blocks %d..%d: %w", start, end, err)
		}
		replayed += n
		if end == head {
			start = head + 1
			break
		}
	}

	n, err := r.replay(ctx, start, nil)
	if err != nil {
		return fmt.Errorf("blocks %d..latest: %w", start, err)
	}
	replayed += n

	r.w.logger.WithFields(log.Fields{"from_block": from, "head": head, "logs": replayed}).Info("replayed transfer logs")
	return nil
}

// replay delivers the contract's Transfer logs in [from, to] in chain order.
func (r *stream) replay(ctx context.Context, from uint64, to *uint64) (int, error) {
	q := r.w.liveQuery()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = blockArg(to)

	logs, err := r.w.filterLogs(ctx, q)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	for _, l := range logs {
		r.deliver(l)
	}
	return len(logs), nil
}

// resubscribe re-opens the live subscription with exponential backoff.
func (r *stream) resubscribe(ctx context.Context) (ethereum.Subscription, error) {
	policy := r.w.reconnect
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialDelay
	b.MaxInterval = policy.MaxDelay
	b.MaxElapsedTime = policy.MaxElapsed

	var sub ethereum.Subscription
	op := func() error {
		r.w.metrics.Reconnects.Inc()
		s, err := r.w.source.SubscribeFilterLogs(ctx, r.w.liveQuery(), r.logs)
		if err != nil {
			return err
		}
		sub = s
		return nil
	}
	notify := func(err error, next time.Duration) {
		r.w.logger.WithError(err).WithField("retry_in", next).Warn("resubscribe failed")
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return sub, nil
}

// deliver decodes l and forwards it unless it is at or before the last delivered position.
// The send is not interrupted by cancellation.
func (r *stream) deliver(l types.Log) {
	r.w.metrics.LogsReceived.Inc()

	rec, err := DecodeTransfer(l)
	if err != nil {
		r.w.skip(l, err)
		return
	}

	pos := rec.Position()
	if r.last != nil && !pos.After(*r.last) {
		r.w.metrics.LogsSkipped.WithLabelValues(metrics.ReasonDuplicate).Inc()
		return
	}
	r.last = &pos

	if rec.BlockNumber > r.lastBlock {
		r.lastBlock = rec.BlockNumber
		r.w.metrics.LastBlock.Set(float64(rec.BlockNumber))
		r.w.logger.WithField("block", rec.BlockNumber).Info("new block")
	}

	r.sub.transfers <- *rec
	r.w.metrics.TransfersDelivered.Inc()
}

func blockArg(n *uint64) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).SetUint64(*n)
}

func inRange(block uint64, from, to *uint64) bool {
	if from != nil && block < *from {
		return false
	}
	if to != nil && block > *to {
		return false
	}
	return true
}

func sameAddress(hexAddr string, addr common.Address) bool {
	return common.HexToAddress(hexAddr) == addr
}

func sortByPosition(recs []models.TransferRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[j].Position().After(recs[i].Position())
	})
}
