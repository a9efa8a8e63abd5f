package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"

	"github.com/dmitrijs2005/poskeeper/internal/audit"
	"github.com/dmitrijs2005/poskeeper/internal/auth"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/filex"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/orders"
	"github.com/dmitrijs2005/poskeeper/internal/prints"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
	"github.com/dmitrijs2005/poskeeper/internal/vault"
)

// Connectivity reports the upstream state shown in Status.
type Connectivity interface {
	Online() bool
	Since() time.Time
}

// Deps are the core services the boundary exposes.
type Deps struct {
	Orders    *orders.Service
	Prints    *prints.Service
	Auth      *auth.Authenticator
	Vault     *vault.Vault
	Audit     *audit.Log
	Network   Connectivity // nil means always offline
	StorePath string
}

type GRPCServer struct {
	socket string
	token  string
	deps   Deps
	logger logging.Logger
}

// NewGRPCServer prepares a server for socket with a fresh session token.
func NewGRPCServer(socket string, l logging.Logger, deps Deps) (*GRPCServer, error) {
	token, err := common.MakeRandHexString(32)
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}
	return &GRPCServer{
		socket: socket,
		token:  token,
		deps:   deps,
		logger: l.With("module", "grpc_server"),
	}, nil
}

// Token is the session token clients must send.
func (s *GRPCServer) Token() string { return s.token }

// TokenPath is where Run publishes the token for local clients.
func (s *GRPCServer) TokenPath() string { return common.SessionTokenPath(s.socket) }

// Run listens on the unix socket and serves until ctx is done. The socket
// and the token file are readable by the owner only and removed on exit.
func (s *GRPCServer) Run(ctx context.Context) error {
	dir, err := filex.EnsureSubdDir(filepath.Dir(s.socket), "")
	if err != nil {
		return err
	}
	socket := filepath.Join(dir, filepath.Base(s.socket))

	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	lis, err := net.Listen("unix", socket)
	if err != nil {
		return err
	}
	if err := os.Chmod(socket, 0o600); err != nil {
		_ = lis.Close()
		return err
	}
	if err := filex.WriteFileAtomic(common.SessionTokenPath(socket), []byte(s.token), 0o600); err != nil {
		_ = lis.Close()
		return fmt.Errorf("write session token: %w", err)
	}
	defer func() {
		_ = os.Remove(common.SessionTokenPath(socket))
		_ = os.Remove(socket)
	}()

	s.logger.Info(ctx, "Starting gRPC server", "socket", socket)
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		s.recoveryInterceptor,
		s.loggingInterceptor,
		s.sessionTokenInterceptor,
	))
	rpcapi.RegisterTerminalServer(srv, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(context.Background(), "Stopping gRPC server...")
		srv.GracefulStop()
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
