package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/poskeeper/internal/flagx"
)

var knownFlags = []string{
	"-d", "-s", "-r", "-t", "-l", "-f", "-m", "-strong", "-spool",
	"-reconcile", "-bucket",
}

// parseFlags overlays cfg with the flags in args:
//
//	-d string     data directory
//	-s string     socket path
//	-r string     upstream base URL
//	-t string     terminal id
//	-l string     log level (debug|info|warn|error)
//	-f string     log format (json|console)
//	-m int        max submit attempts before an order is failed, 0 = no limit
//	-strong       refuse to start without OS keystore encryption
//	-spool string print spool directory
//	-reconcile duration  reconciliation interval
//	-bucket string       S3 bucket for audit upload
//
// Other arguments are filtered out with flagx.FilterArgs.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, knownFlags)

	fs := flag.NewFlagSet("terminald", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.SocketPath, "s", cfg.SocketPath, "socket path")
	fs.StringVar(&cfg.RemoteURL, "r", cfg.RemoteURL, "upstream base URL")
	fs.StringVar(&cfg.TerminalID, "t", cfg.TerminalID, "terminal id")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "f", cfg.LogFormat, "log format")
	fs.IntVar(&cfg.MaxSubmitAttempts, "m", cfg.MaxSubmitAttempts, "max submit attempts, 0 = no limit")
	fs.BoolVar(&cfg.RequireStrongEncryption, "strong", cfg.RequireStrongEncryption, "require OS keystore encryption")
	fs.StringVar(&cfg.SpoolDir, "spool", cfg.SpoolDir, "print spool directory")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile", cfg.ReconcileInterval, "reconciliation interval")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "S3 bucket for audit upload")

	return fs.Parse(args)
}
