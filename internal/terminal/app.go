// Package terminal wires the persistence core of a POS terminal together
// and runs it: the store, both queues, the vault, offline authentication,
// the background workers and the local gRPC endpoint.
package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/poskeeper/internal/audit"
	"github.com/dmitrijs2005/poskeeper/internal/auditsync"
	"github.com/dmitrijs2005/poskeeper/internal/auth"
	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/netx"
	"github.com/dmitrijs2005/poskeeper/internal/orders"
	"github.com/dmitrijs2005/poskeeper/internal/prints"
	"github.com/dmitrijs2005/poskeeper/internal/remote"
	"github.com/dmitrijs2005/poskeeper/internal/store"
	"github.com/dmitrijs2005/poskeeper/internal/terminal/config"
	"github.com/dmitrijs2005/poskeeper/internal/vault"

	gs "github.com/dmitrijs2005/poskeeper/internal/terminal/grpc"
)

// openKeyStore is replaced in tests; the kernel keyring is per user.
var openKeyStore = vault.OpenKeyStore

type App struct {
	config *config.Config
	logger logging.Logger
	clock  clock.Clock

	store      *store.Store
	orders     *orders.Service
	reconciler *orders.Reconciler
	prints     *prints.Service
	vault      *vault.Vault
	audit      *audit.Log
	auth       *auth.Authenticator

	monitor  *netx.Monitor       // nil without an upstream
	uploader *auditsync.Uploader // nil without a bucket
}

// offlineUpstream stands in for the upstream when none is configured, so
// every order simply waits in the queue.
type offlineUpstream struct{}

func (offlineUpstream) SubmitOrder(context.Context, json.RawMessage, string) (string, error) {
	return "", fmt.Errorf("%w: no upstream configured", common.ErrRemoteUnavailable)
}

// NewApp opens the store and builds every service. On error nothing is left
// open.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	app := &App{config: c, logger: logger, clock: clock.Real()}

	st, err := store.Open(ctx, store.Options{Dir: c.DataDir})
	if err != nil {
		return nil, fmt.Errorf("store init error: %w", err)
	}
	app.store = st

	if err := app.build(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return app, nil
}

func (app *App) build(ctx context.Context) error {
	c := app.config
	db := app.store.DB()

	ks, err := openKeyStore()
	if err != nil {
		app.logger.Warn(ctx, "keystore unavailable", "error", err)
	}
	sealer, err := vault.NewSealer(ctx, vault.SealerOptions{KeyStore: ks, RequireStrong: c.RequireStrongEncryption}, app.logger)
	if err != nil {
		return fmt.Errorf("vault init error: %w", err)
	}
	app.vault = vault.New(db, sealer, app.clock, app.logger)
	app.audit = audit.New(db, app.clock)

	var (
		submitter orders.Submitter = offlineUpstream{}
		identity  auth.Identity
	)
	if c.RemoteURL != "" {
		rc, err := remote.New(remote.Options{
			BaseURL:        c.RemoteURL,
			TerminalID:     c.TerminalID,
			IdentitySecret: []byte(c.IdentitySecret),
			Timeout:        c.RemoteTimeout,
		})
		if err != nil {
			return fmt.Errorf("upstream init error: %w", err)
		}
		submitter, identity = rc, rc
		app.monitor = netx.NewMonitor(rc, c.OnlineCheckInterval, app.clock, app.logger)
	}

	oq, err := orders.NewQueue(db, app.clock)
	if err != nil {
		return fmt.Errorf("order queue init error: %w", err)
	}
	app.orders = orders.NewService(oq, submitter, app.logger, orders.ServiceOptions{KeepSynced: c.KeepSyncedOrders})
	app.reconciler = orders.NewReconciler(app.orders, orders.ReconcilerOptions{
		MaxAttempts: c.MaxSubmitAttempts,
		KeepSynced:  c.KeepSyncedOrders,
	})

	pq, err := prints.NewQueue(db, app.clock)
	if err != nil {
		return fmt.Errorf("print queue init error: %w", err)
	}
	app.prints = prints.NewService(pq, prints.NewSpoolDriver(c.Spool()), app.logger)

	app.auth = auth.New(identity, app.vault, app.audit, app.logger)

	if c.S3Bucket != "" {
		client, err := auditsync.NewS3Client(ctx, auditsync.S3Options{
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
		})
		if err != nil {
			return fmt.Errorf("audit upload init error: %w", err)
		}
		app.uploader, err = auditsync.New(app.audit, client, auditsync.Options{
			Bucket:        c.S3Bucket,
			Prefix:        c.S3Prefix,
			TerminalID:    c.TerminalID,
			BatchSize:     c.AuditBatchSize,
			RetentionDays: c.AuditRetentionDays,
		}, app.clock, app.logger)
		if err != nil {
			return fmt.Errorf("audit upload init error: %w", err)
		}
	}
	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) deps() gs.Deps {
	d := gs.Deps{
		Orders:    app.orders,
		Prints:    app.prints,
		Auth:      app.auth,
		Vault:     app.vault,
		Audit:     app.audit,
		StorePath: app.store.Path(),
	}
	if app.monitor != nil {
		d.Network = app.monitor
	}
	return d
}

// recover puts print jobs interrupted by the previous run back in the queue.
func (app *App) recover(ctx context.Context) {
	n, err := app.prints.Recover(ctx)
	if err != nil {
		app.logger.Error(ctx, "print recovery failed", "error", err)
		return
	}
	if n > 0 {
		app.logger.Info(ctx, "print jobs recovered", "count", n)
	}
}

// Run serves until ctx is cancelled, a termination signal arrives or the
// gRPC server fails, then stops the workers and closes the store.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting terminal...",
		"data_dir", app.config.DataDir,
		"encryption", string(app.vault.Mode()),
		"upstream", app.monitor != nil,
		"audit_upload", app.uploader != nil)

	app.initSignalHandler(cancelFunc)
	app.recover(ctx)

	s, err := gs.NewGRPCServer(app.config.Socket(), app.logger, app.deps())
	if err != nil {
		_ = app.store.Close()
		return err
	}

	var (
		wg     sync.WaitGroup
		runErr error
	)
	spawn := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	spawn(func() {
		if err := s.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			runErr = err
			cancelFunc()
		}
	})
	spawn(func() { app.vault.RunSweeper(ctx, app.config.SweepInterval) })
	if app.monitor != nil {
		spawn(func() { app.monitor.Run(ctx) })
		spawn(func() { app.reconciler.Run(ctx, app.config.ReconcileInterval, app.monitor.Restored()) })
	}
	if app.uploader != nil {
		spawn(func() { app.uploader.Run(ctx, app.config.AuditUploadInterval) })
	}

	wg.Wait()

	if err := app.store.Close(); err != nil {
		app.logger.Error(context.Background(), "store close failed", "error", err)
	}
	app.logger.Info(context.Background(), "terminal stopped")
	return runErr
}
