package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/api"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/client"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/pubsub"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/service"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/storage"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/wallet"
	"github.com/olehkaliuzhnyi/deposit-watcher/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

type serveCommand struct {
	Sync bool `long:"sync" description:"Start the live deposit sync on startup"`
}

func (c *serveCommand) Execute([]string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	vault, err := unlockVault(cfg)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	node, err := client.Dial(dialCtx, cfg.RPCURL)
	cancel()
	if err != nil {
		return err
	}
	defer node.Close()

	ledger, err := storage.NewSQLiteLedger(cfg.LedgerPath())
	if err != nil {
		return err
	}
	// The socket must outlive ctx so the pipeline can flush while shutting down.
	publisher, err := newPublisher(context.Background(), cfg, m)
	if err != nil {
		ledger.Close()
		return err
	}

	token := client.NewToken(common.HexToAddress(cfg.ContractAddress), node)
	log.WithField("token", token.Address().Hex()).Info("watching token contract")
	w, err := service.New(
		vault,
		ledger,
		newWatcher(cfg, node, m),
		token,
		publisher,
		m,
		service.Options{
			BasePath:            cfg.DerivationPath,
			AllocationRetries:   cfg.AllocationRetries,
			PublishNewAddress:   cfg.PublishNewAddress,
			ResumeFromWatermark: cfg.ResumeFromWatermark,
			RPCTimeout:          cfg.RPCTimeout,
		},
	)
	if err != nil {
		publisher.Close()
		ledger.Close()
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.Close(closeCtx); err != nil {
			log.WithError(err).Warn("wallet close")
		}
	}()

	if c.Sync {
		h, _, err := w.StartSync(ctx)
		if err != nil {
			return err
		}
		go func() {
			select {
			case <-h.Done():
				if w.SyncStatus() == nil && ctx.Err() == nil {
					log.WithField("sync_id", h.ID).Warn("startup sync ended; POST /sync/start to resume")
				}
			case <-ctx.Done():
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewHandler(w, m.Handler()).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"port": cfg.Port, "env": cfg.Environment}).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}

type revealCommand struct {
	Count int `long:"count" short:"n" default:"1" description:"Number of addresses to allocate"`
}

func (c *revealCommand) Execute([]string) error {
	if c.Count < 1 {
		return fmt.Errorf("count must be positive, got %d", c.Count)
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	vault, err := unlockVault(cfg)
	if err != nil {
		return err
	}
	ledger, err := storage.NewSQLiteLedger(cfg.LedgerPath())
	if err != nil {
		return err
	}

	// Offline allocation: no sinks are bound, so nothing is announced.
	m := metrics.NewUnregistered()
	w, err := service.New(vault, ledger, nil, nil, pubsub.NewPublisher(cfg.EventTopic, m), m, service.Options{
		BasePath:          cfg.DerivationPath,
		AllocationRetries: cfg.AllocationRetries,
	})
	if err != nil {
		ledger.Close()
		return err
	}
	defer func() {
		if err := w.Close(context.Background()); err != nil {
			log.WithError(err).Warn("wallet close")
		}
	}()

	enc := json.NewEncoder(os.Stdout)
	for i := 0; i < c.Count; i++ {
		rec, err := w.RevealNextAddress(context.Background())
		if err != nil {
			return err
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

type addressesCommand struct {
	All     bool `long:"all" description:"List addresses on every derivation path"`
	Indexes bool `long:"indexes" description:"Print only the allocated indexes on the configured path"`
}

func (c *addressesCommand) Execute([]string) error {
	if c.All && c.Indexes {
		return errors.New("--all and --indexes are mutually exclusive")
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	base, err := wallet.CanonicalBasePath(cfg.DerivationPath)
	if err != nil {
		return err
	}
	ledger, err := storage.NewSQLiteLedger(cfg.LedgerPath())
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	if c.Indexes {
		idx, err := ledger.Indexes(ctx, base)
		if err != nil {
			return err
		}
		return enc.Encode(idx)
	}

	var recs []models.AddressRecord
	if c.All {
		recs, err = ledger.All(ctx)
	} else {
		recs, err = ledger.List(ctx, base)
	}
	if err != nil {
		return err
	}
	for i := range recs {
		if err := enc.Encode(recs[i]); err != nil {
			return err
		}
	}
	return nil
}

type depositsCommand struct {
	Address string  `long:"address" short:"a" required:"true" description:"Recipient address"`
	From    *uint64 `long:"from" description:"First block (default earliest)"`
	To      *uint64 `long:"to" description:"Last block (default latest)"`
}

func (c *depositsCommand) Execute([]string) error {
	if !common.IsHexAddress(c.Address) {
		return fmt.Errorf("%q is not a hex address", c.Address)
	}
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if cfg.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
	defer cancel()
	node, err := client.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return err
	}
	defer node.Close()

	watcher := newWatcher(cfg, node, metrics.NewUnregistered())
	transfers, err := watcher.HistoricalTransfers(ctx, c.From, c.To, common.HexToAddress(c.Address))
	if err != nil {
		return err
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	return out.Encode(transfers)
}
