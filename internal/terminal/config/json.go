package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/poskeeper/internal/flagx"
	"github.com/dmitrijs2005/poskeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer
// fields tell "absent" from a zero value.
type JsonConfig struct {
	DataDir    *string `json:"data_dir"`
	SocketPath *string `json:"socket"`
	SpoolDir   *string `json:"spool_dir"`

	LogFormat *string `json:"log_format"`
	LogLevel  *string `json:"log_level"`

	RemoteURL      *string         `json:"remote_url"`
	RemoteTimeout  *timex.Duration `json:"remote_timeout"`
	IdentitySecret *string         `json:"identity_secret"`
	TerminalID     *string         `json:"terminal_id"`

	RequireStrongEncryption *bool `json:"require_strong_encryption"`

	MaxSubmitAttempts   *int            `json:"max_submit_attempts"`
	KeepSyncedOrders    *bool           `json:"keep_synced_orders"`
	ReconcileInterval   *timex.Duration `json:"reconcile_interval"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
	SweepInterval       *timex.Duration `json:"sweep_interval"`

	S3Bucket            *string         `json:"s3_bucket"`
	S3Prefix            *string         `json:"s3_prefix"`
	S3Region            *string         `json:"s3_region"`
	S3Endpoint          *string         `json:"s3_endpoint"`
	S3AccessKey         *string         `json:"s3_access_key"`
	S3SecretKey         *string         `json:"s3_secret_key"`
	AuditUploadInterval *timex.Duration `json:"audit_upload_interval"`
	AuditBatchSize      *int            `json:"audit_batch_size"`
	AuditRetentionDays  *int            `json:"audit_retention_days"`
}

// parseJson overlays cfg with the JSON file named by -c/-config in args.
// Without the flag nothing changes.
func parseJson(cfg *Config, args []string) error {
	path := flagx.JsonConfigFlags(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	jc.apply(cfg)
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *timex.Duration) {
	if src != nil {
		*dst = src.Duration
	}
}

func (jc *JsonConfig) apply(cfg *Config) {
	set(&cfg.DataDir, jc.DataDir)
	set(&cfg.SocketPath, jc.SocketPath)
	set(&cfg.SpoolDir, jc.SpoolDir)
	set(&cfg.LogFormat, jc.LogFormat)
	set(&cfg.LogLevel, jc.LogLevel)
	set(&cfg.RemoteURL, jc.RemoteURL)
	setDuration(&cfg.RemoteTimeout, jc.RemoteTimeout)
	set(&cfg.IdentitySecret, jc.IdentitySecret)
	set(&cfg.TerminalID, jc.TerminalID)
	set(&cfg.RequireStrongEncryption, jc.RequireStrongEncryption)
	set(&cfg.MaxSubmitAttempts, jc.MaxSubmitAttempts)
	set(&cfg.KeepSyncedOrders, jc.KeepSyncedOrders)
	setDuration(&cfg.ReconcileInterval, jc.ReconcileInterval)
	setDuration(&cfg.OnlineCheckInterval, jc.OnlineCheckInterval)
	setDuration(&cfg.SweepInterval, jc.SweepInterval)
	set(&cfg.S3Bucket, jc.S3Bucket)
	set(&cfg.S3Prefix, jc.S3Prefix)
	set(&cfg.S3Region, jc.S3Region)
	set(&cfg.S3Endpoint, jc.S3Endpoint)
	set(&cfg.S3AccessKey, jc.S3AccessKey)
	set(&cfg.S3SecretKey, jc.S3SecretKey)
	setDuration(&cfg.AuditUploadInterval, jc.AuditUploadInterval)
	set(&cfg.AuditBatchSize, jc.AuditBatchSize)
	set(&cfg.AuditRetentionDays, jc.AuditRetentionDays)
}
