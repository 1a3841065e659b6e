package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kelseyhightower/envconfig"
	"github.com/olehkaliuzhnyi/deposit-watcher/internal/wallet"
	log "github.com/sirupsen/logrus"
	"golang.org/x/term"
)

const (
	EnvTest = "test"
	EnvProd = "prod"

	keystoreFile = "mnemonic.dat"
	ledgerFile   = "wallet.sqlite"
)

// Config holds all configurable parameters for the deposit watcher.
// WalletPassphrase is optional; Passphrase falls back to a terminal prompt.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT"`
	Port        int    `envconfig:"PORT"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	DataDir     string `envconfig:"DATA_DIR"`

	// Node and token
	RPCURL          string        `envconfig:"RPC_URL"`
	RPCTimeout      time.Duration `envconfig:"RPC_TIMEOUT"`
	ContractAddress string        `envconfig:"USDT_CONTRACT_ADDRESS"`

	// Key vault
	WalletPassphrase string `envconfig:"WALLET_PW"`
	DerivationPath   string `envconfig:"DERIVATION_PATH"`

	// Event bus
	PublisherBindAddress string   `envconfig:"PUBLISHER_BIND_ADDRESS"`
	EventTopic           string   `envconfig:"EVENT_TOPIC"`
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic           string   `envconfig:"KAFKA_TOPIC"`
	PublishNewAddress    bool     `envconfig:"PUBLISH_NEW_ADDRESS"`

	// Chain watcher
	ReconnectEnabled      bool          `envconfig:"RECONNECT_ENABLED"`
	ReconnectInitialDelay time.Duration `envconfig:"RECONNECT_INITIAL_DELAY"`
	ReconnectMaxDelay     time.Duration `envconfig:"RECONNECT_MAX_DELAY"`
	ReconnectMaxElapsed   time.Duration `envconfig:"RECONNECT_MAX_ELAPSED"`
	ResumeFromWatermark   bool          `envconfig:"RESUME_FROM_WATERMARK"`
	BackfillBlockSpan     uint64        `envconfig:"BACKFILL_BLOCK_SPAN"`

	// Address ledger
	AllocationRetries int `envconfig:"ALLOCATION_RETRIES"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		Environment: EnvTest,
		Port:        8080,
		LogLevel:    "info",
		DataDir:     "pers",

		RPCTimeout:      15 * time.Second,
		ContractAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7", // USDT

		DerivationPath: wallet.DefaultBasePath,

		PublisherBindAddress: "tcp://*:5556",
		EventTopic:           "tx",
		KafkaTopic:           "chain-events",

		ReconnectEnabled:      true,
		ReconnectInitialDelay: 1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMaxElapsed:   10 * time.Minute,
		ResumeFromWatermark:   true,
		BackfillBlockSpan:     1000,

		AllocationRetries: 5,
	}
}

// FromEnv returns a Config populated from environment variables,
// falling back to defaults for unset values.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process config: %w", err)
	}
	return cfg, nil
}

// Validate checks values that envconfig cannot.
func (c Config) Validate() error {
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("USDT_CONTRACT_ADDRESS %q is not a hex address", c.ContractAddress)
	}
	if _, err := wallet.ParseBasePath(c.DerivationPath); err != nil {
		return fmt.Errorf("DERIVATION_PATH: %w", err)
	}
	if err := validateEndpoint(c.PublisherBindAddress); err != nil {
		return fmt.Errorf("PUBLISHER_BIND_ADDRESS: %w", err)
	}
	if c.EventTopic == "" {
		return errors.New("EVENT_TOPIC must not be empty")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return errors.New("KAFKA_TOPIC must be set when KAFKA_BROKERS is")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.AllocationRetries < 1 {
		return fmt.Errorf("ALLOCATION_RETRIES must be at least 1, got %d", c.AllocationRetries)
	}
	if c.ReconnectInitialDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("invalid reconnect delays %s..%s", c.ReconnectInitialDelay, c.ReconnectMaxDelay)
	}
	if c.BackfillBlockSpan == 0 {
		return errors.New("BACKFILL_BLOCK_SPAN must be positive")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// ValidateServe additionally requires the settings only the long-running server needs.
func (c Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}
	return nil
}

// KeystorePath is the encrypted mnemonic location under DataDir.
func (c Config) KeystorePath() string { return filepath.Join(c.DataDir, keystoreFile) }

// LedgerPath is the SQLite ledger location under DataDir.
func (c Config) LedgerPath() string { return filepath.Join(c.DataDir, ledgerFile) }

// IsProd reports whether the process runs in production mode.
func (c Config) IsProd() bool { return strings.EqualFold(c.Environment, EnvProd) }

// ConfigureLogging applies LOG_LEVEL and picks the formatter for the environment.
func (c Config) ConfigureLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)
	if c.IsProd() {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Passphrase returns WALLET_PW when set, otherwise prompts on the terminal.
// The caller owns the returned slice and should clear it after use.
func (c Config) Passphrase() ([]byte, error) {
	if c.WalletPassphrase != "" {
		return []byte(c.WalletPassphrase), nil
	}
	return PromptPassphrase()
}

// PromptPassphrase reads the wallet passphrase from the terminal without echo.
func PromptPassphrase() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("WALLET_PW is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Enter wallet passphrase: ")
	defer fmt.Fprintln(os.Stderr)

	raw, err := term.ReadPassword(fd)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}

	out := make([]byte, len(raw))
	copy(out, raw)
	clear(raw)
	return out, nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp", "ipc", "inproc":
	default:
		return fmt.Errorf("unsupported transport %q in %q", u.Scheme, endpoint)
	}
	if u.Host == "" && u.Opaque == "" && u.Path == "" {
		return fmt.Errorf("missing address in %q", endpoint)
	}
	return nil
}
