package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/config"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/listener"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/metrics"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/pubsub"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/wallet"
	log "github.com/sirupsen/logrus"
)

// loadConfig reads and validates the environment and configures logging.
func loadConfig(serve bool) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	validate := cfg.Validate
	if serve {
		validate = cfg.ValidateServe
	}
	if err := validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return config.Config{}, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return config.Config{}, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// unlockVault loads the mnemonic, creating it on first run.
func unlockVault(cfg config.Config) (*wallet.Vault, error) {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}
	defer clear(passphrase)

	ks := wallet.NewKeystore(cfg.KeystorePath())
	m, err := ks.LoadOrCreate(passphrase)
	if err != nil {
		return nil, fmt.Errorf("unlock wallet: %w", err)
	}
	log.WithField("keystore", ks.Path()).Info("wallet unlocked")
	return wallet.NewVault(m), nil
}

// newPublisher binds the ZeroMQ socket and, when brokers are configured, adds Kafka.
func newPublisher(ctx context.Context, cfg config.Config, m *metrics.Pipeline) (*pubsub.Publisher, error) {
	zmqSink, err := pubsub.NewZMQSink(ctx, cfg.PublisherBindAddress)
	if err != nil {
		return nil, err
	}
	sinks := []pubsub.Sink{zmqSink}
	logger := log.WithFields(log.Fields{"component": "publisher", "bind": zmqSink.Addr().String()})

	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, pubsub.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger = logger.WithField("kafka_topic", cfg.KafkaTopic)
	}
	logger.Info("event bus ready")
	return pubsub.NewPublisher(cfg.EventTopic, m, sinks...), nil
}

// newWatcher builds the chain watcher with the configured reconnect and backfill settings.
func newWatcher(cfg config.Config, src listener.LogSource, m *metrics.Pipeline) *listener.Watcher {
	w := listener.NewWatcher(src, common.HexToAddress(cfg.ContractAddress), reconnectPolicy(cfg), m)
	w.SetBackfillSpan(cfg.BackfillBlockSpan)
	return w
}

func reconnectPolicy(cfg config.Config) listener.ReconnectPolicy {
	return listener.ReconnectPolicy{
		Enabled:      cfg.ReconnectEnabled,
		InitialDelay: cfg.ReconnectInitialDelay,
		MaxDelay:     cfg.ReconnectMaxDelay,
		MaxElapsed:   cfg.ReconnectMaxElapsed,
	}
}
