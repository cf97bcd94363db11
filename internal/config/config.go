package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds ledger node configuration.
type Config struct {
	NodeID            string        `env:"LEDGER_NODE_ID"`
	RaftAddr          string        `env:"LEDGER_RAFT_ADDR" envDefault:"127.0.0.1:17000"`
	HTTPAddr          string        `env:"LEDGER_HTTP_ADDR" envDefault:"0.0.0.0:18080"`
	DataDir           string        `env:"LEDGER_DATA_DIR"`
	Bootstrap         bool          `env:"LEDGER_BOOTSTRAP" envDefault:"false"`
	ApplyTimeout      time.Duration `env:"LEDGER_APPLY_TIMEOUT" envDefault:"5s"`
	JoinEndpoint      string        `env:"LEDGER_JOIN_ENDPOINT"`
	JoinRetries       int           `env:"LEDGER_JOIN_RETRIES" envDefault:"30"`
	JoinRetryDelay    time.Duration `env:"LEDGER_JOIN_RETRY_DELAY" envDefault:"1s"`
	StartupWaitLeader time.Duration `env:"LEDGER_STARTUP_WAIT_LEADER" envDefault:"4s"`

	AcceptedSchemes []string `env:"LEDGER_ACCEPTED_SCHEMES" envDefault:"ed25519" envSeparator:","`

	OffchainEnabled      bool          `env:"LEDGER_OFFCHAIN_ENABLED" envDefault:"false"`
	OffchainScheme       string        `env:"LEDGER_OFFCHAIN_SCHEME" envDefault:"ed25519"`
	OffchainRootSeed     string        `env:"LEDGER_OFFCHAIN_ROOT_SEED"`
	OffchainInterval     time.Duration `env:"LEDGER_OFFCHAIN_INTERVAL" envDefault:"1s"`
	OffchainCompleteWhen string        `env:"LEDGER_OFFCHAIN_COMPLETE_WHEN" envDefault:"height >= end"`

	IndexerDSN      string  `env:"LEDGER_INDEXER_DSN"`
	OTelEndpoint    string  `env:"LEDGER_OTEL_ENDPOINT"`
	OTelSampleRatio float64 `env:"LEDGER_OTEL_SAMPLE_RATIO" envDefault:"1"`
	LogLevel        string  `env:"LEDGER_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads and normalizes configuration from environment.
func Load() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.NodeID = strings.TrimSpace(c.NodeID)
	if c.NodeID == "" {
		hostname, _ := os.Hostname()
		c.NodeID = strings.TrimSpace(hostname)
	}
	if c.NodeID == "" {
		c.NodeID = "node-1"
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = filepath.Join("tmp", "ledgernode", c.NodeID)
	}
	c.JoinEndpoint = strings.TrimSpace(c.JoinEndpoint)

	schemes := c.AcceptedSchemes[:0]
	for _, s := range c.AcceptedSchemes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			schemes = append(schemes, s)
		}
	}
	if len(schemes) == 0 {
		return errors.New("LEDGER_ACCEPTED_SCHEMES must name at least one scheme")
	}
	c.AcceptedSchemes = schemes
	c.OffchainScheme = strings.ToLower(strings.TrimSpace(c.OffchainScheme))

	if c.OffchainEnabled {
		if strings.TrimSpace(c.OffchainRootSeed) == "" {
			return errors.New("LEDGER_OFFCHAIN_ROOT_SEED is required when the offchain worker is enabled")
		}
		if !c.accepts(c.OffchainScheme) {
			return fmt.Errorf("offchain scheme %q is not in LEDGER_ACCEPTED_SCHEMES", c.OffchainScheme)
		}
	}
	if c.JoinRetries < 0 {
		c.JoinRetries = 0
	}
	return nil
}

func (c *Config) accepts(scheme string) bool {
	for _, s := range c.AcceptedSchemes {
		if s == strings.ToLower(strings.TrimSpace(scheme)) {
			return true
		}
	}
	return false
}
