// Package config loads runtime configuration for the terminal process.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or -config.
//  3. POS_* environment variables, e.g. POS_REMOTE_URL.
//  4. Command-line flags, which override earlier values.
//
// # JSON schema
//
// Intervals use timex.Duration, so they can be strings like "30s" or
// integer nanoseconds:
//
//	{
//	  "data_dir": "/var/lib/poskeeper",
//	  "remote_url": "https://pos.example.com",
//	  "terminal_id": "T1",
//	  "reconcile_interval": "30s",
//	  "s3_bucket": "pos-audit"
//	}
package config
