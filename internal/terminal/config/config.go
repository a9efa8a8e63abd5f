package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
)

// Config holds runtime settings for the terminal process.
type Config struct {
	DataDir    string
	SocketPath string // empty means <DataDir>/terminal.sock
	SpoolDir   string // empty means <DataDir>/spool

	LogFormat string
	LogLevel  string

	// Upstream. An empty RemoteURL runs the terminal offline only.
	RemoteURL      string
	RemoteTimeout  time.Duration
	IdentitySecret string
	TerminalID     string

	RequireStrongEncryption bool

	MaxSubmitAttempts   int // 0 retries forever
	KeepSyncedOrders    bool
	ReconcileInterval   time.Duration
	OnlineCheckInterval time.Duration
	SweepInterval       time.Duration

	// Audit upload. Disabled while S3Bucket is empty.
	S3Bucket            string
	S3Prefix            string
	S3Region            string
	S3Endpoint          string
	S3AccessKey         string
	S3SecretKey         string
	AuditUploadInterval time.Duration
	AuditBatchSize      int
	AuditRetentionDays  int
}

// LoadDefaults populates c with defaults suitable for a single terminal.
func (c *Config) LoadDefaults() {
	c.DataDir = common.DefaultDataDir
	c.LogFormat = logging.FormatJSON
	c.LogLevel = "info"
	c.RemoteTimeout = 10 * time.Second
	c.TerminalID = "terminal-1"
	c.KeepSyncedOrders = true
	c.ReconcileInterval = 30 * time.Second
	c.OnlineCheckInterval = 10 * time.Second
	c.SweepInterval = time.Hour
	c.S3Prefix = "audit"
	c.S3Region = "us-east-1"
	c.AuditUploadInterval = 5 * time.Minute
	c.AuditBatchSize = 500
	c.AuditRetentionDays = 90
}

// LoadConfig builds a Config from defaults, the JSON file, the environment
// and finally the flags in args (os.Args[1:] in production).
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJson(cfg, args); err != nil {
		return nil, err
	}
	if err := parseEnv(cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the terminal cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: data dir is empty", common.ErrInvalidArgument)
	case c.MaxSubmitAttempts < 0:
		return fmt.Errorf("%w: max submit attempts must not be negative", common.ErrInvalidArgument)
	case c.ReconcileInterval <= 0, c.OnlineCheckInterval <= 0, c.SweepInterval <= 0, c.AuditUploadInterval <= 0:
		return fmt.Errorf("%w: intervals must be positive", common.ErrInvalidArgument)
	case c.AuditRetentionDays < 0:
		return fmt.Errorf("%w: audit retention must not be negative", common.ErrInvalidArgument)
	case c.RemoteURL != "" && c.IdentitySecret == "":
		return fmt.Errorf("%w: identity secret is required with a remote url", common.ErrInvalidArgument)
	}
	return nil
}

func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.DataDir, common.DefaultSocketName)
}

func (c *Config) Spool() string {
	if c.SpoolDir != "" {
		return c.SpoolDir
	}
	return filepath.Join(c.DataDir, "spool")
}
