package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. POS_DATA_DIR.
const EnvPrefix = "POS"

// parseEnv overlays cfg with POS_* environment variables. Empty variables
// are ignored.
func parseEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("data_dir", &cfg.DataDir)
	str("socket", &cfg.SocketPath)
	str("spool_dir", &cfg.SpoolDir)
	str("log_format", &cfg.LogFormat)
	str("log_level", &cfg.LogLevel)
	str("remote_url", &cfg.RemoteURL)
	str("identity_secret", &cfg.IdentitySecret)
	str("terminal_id", &cfg.TerminalID)
	str("s3_bucket", &cfg.S3Bucket)
	str("s3_prefix", &cfg.S3Prefix)
	str("s3_region", &cfg.S3Region)
	str("s3_endpoint", &cfg.S3Endpoint)
	str("s3_access_key", &cfg.S3AccessKey)
	str("s3_secret_key", &cfg.S3SecretKey)

	if v.IsSet("require_strong_encryption") {
		cfg.RequireStrongEncryption = v.GetBool("require_strong_encryption")
	}
	if v.IsSet("keep_synced_orders") {
		cfg.KeepSyncedOrders = v.GetBool("keep_synced_orders")
	}
	if v.IsSet("max_submit_attempts") {
		cfg.MaxSubmitAttempts = v.GetInt("max_submit_attempts")
	}
	if v.IsSet("audit_batch_size") {
		cfg.AuditBatchSize = v.GetInt("audit_batch_size")
	}
	if v.IsSet("audit_retention_days") {
		cfg.AuditRetentionDays = v.GetInt("audit_retention_days")
	}

	for key, dst := range map[string]*time.Duration{
		"remote_timeout":        &cfg.RemoteTimeout,
		"reconcile_interval":    &cfg.ReconcileInterval,
		"online_check_interval": &cfg.OnlineCheckInterval,
		"sweep_interval":        &cfg.SweepInterval,
		"audit_upload_interval": &cfg.AuditUploadInterval,
	} {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	return nil
}
