package listener

import (
	"context"
	"fmt"

	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/storage"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	log "github.com/sirupsen/logrus"
)

// Publisher delivers chain events to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev models.ChainEvent) error
}

// DepositFilter forwards transfers to ledger addresses as NewDeposit events.
// It checkpoints the last handled position so a restart can resume after it.
// A DepositFilter serves one stream at a time.
type DepositFilter struct {
	ledger    storage.AddressLedger
	marks     storage.WatermarkStore
	publisher Publisher
	metrics   *metrics.Pipeline
	logger    *log.Entry

	watermark    models.Position
	hasWatermark bool
	saved        models.Position
	// pinned stops the watermark at the last fully handled position once a
	// transfer failed, so a resume replays the failed one.
	pinned bool
}

func NewDepositFilter(ledger storage.AddressLedger, marks storage.WatermarkStore, publisher Publisher, m *metrics.Pipeline) *DepositFilter {
	return &DepositFilter{
		ledger:    ledger,
		marks:     marks,
		publisher: publisher,
		metrics:   m,
		logger:    log.WithField("component", "deposit_filter"),
	}
}

// Run handles transfers in arrival order until the channel is closed.
// Failures are logged; the loop never stops early so the producer is always drained.
func (f *DepositFilter) Run(ctx context.Context, transfers <-chan models.TransferRecord) {
	if err := f.loadWatermark(ctx); err != nil {
		f.logger.WithError(err).Error("could not load watermark, handling every transfer")
	}

	for t := range transfers {
		if _, err := f.Handle(ctx, t); err != nil {
			f.logger.WithFields(log.Fields{
				"tx":    t.TxHash,
				"block": t.BlockNumber,
				"to":    t.To,
			}).WithError(err).Error("handle transfer failed")
		}
	}
	f.checkpoint(context.WithoutCancel(ctx), true)
}

// Handle processes one transfer and reports whether it matched a ledger address.
// Transfers at or before the watermark are ignored. The watermark only moves past a
// transfer that was a non-match or whose deposit was published; after the first
// failure it stays put for the rest of the stream.
func (f *DepositFilter) Handle(ctx context.Context, t models.TransferRecord) (bool, error) {
	pos := t.Position()
	if f.hasWatermark && !pos.After(f.watermark) {
		f.metrics.LogsSkipped.WithLabelValues(metrics.ReasonDuplicate).Inc()
		return false, nil
	}

	// Entering a new block means the previous one is fully handled.
	if f.hasWatermark && pos.Block > f.watermark.Block {
		f.checkpoint(ctx, false)
	}

	known, err := f.ledger.Known(ctx, t.To)
	if err != nil {
		f.pin(pos)
		return false, fmt.Errorf("ledger lookup %s: %w", t.To, err)
	}
	if !known {
		f.advance(pos)
		return false, nil
	}

	f.metrics.DepositsDetected.Inc()
	logger := f.logger.WithFields(log.Fields{
		"address": t.To,
		"amount":  t.Amount.String(),
		"block":   t.BlockNumber,
		"tx":      t.TxHash,
		"index":   t.LogIndex,
	})
	logger.Info("deposit detected")

	ev := models.NewDeposit{Deposit: models.DepositFromTransfer(t)}
	if err := f.publisher.Publish(ctx, ev); err != nil {
		f.pin(pos)
		return true, fmt.Errorf("publish deposit: %w", err)
	}
	f.advance(pos)

	if err := f.ledger.MarkUsed(ctx, t.To); err != nil {
		logger.WithError(err).Warn("mark address used failed")
	}
	f.checkpoint(ctx, true)
	return true, nil
}

func (f *DepositFilter) loadWatermark(ctx context.Context) error {
	pos, ok, err := f.marks.Watermark(ctx)
	if err != nil {
		return err
	}
	if ok {
		f.watermark, f.hasWatermark, f.saved = pos, true, pos
		f.logger.WithField("watermark", pos.String()).Info("resuming after watermark")
	}
	return nil
}

// advance moves the watermark past a fully handled position.
func (f *DepositFilter) advance(pos models.Position) {
	if f.pinned {
		return
	}
	f.watermark = pos
	f.hasWatermark = true
}

func (f *DepositFilter) pin(pos models.Position) {
	if f.pinned {
		return
	}
	f.pinned = true
	f.logger.WithField("position", pos.String()).Warn("watermark held before failed transfer; a resume will replay it")
}

// checkpoint persists the in-memory watermark if it moved. Without force it only
// writes once per block.
func (f *DepositFilter) checkpoint(ctx context.Context, force bool) {
	if !f.hasWatermark || !f.watermark.After(f.saved) {
		return
	}
	if !force && f.watermark.Block == f.saved.Block {
		return
	}
	if err := f.marks.SetWatermark(ctx, f.watermark); err != nil {
		f.logger.WithError(err).Warn("persist watermark failed")
		return
	}
	f.saved = f.watermark
}
