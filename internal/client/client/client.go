package client

import (
	"context"

	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

type Client interface {
	Close() error

	Status(ctx context.Context) (*rpcapi.Status, error)

	EnqueueOrder(ctx context.Context, req rpcapi.OrderRequest) (*rpcapi.Order, error)
	SubmitOrder(ctx context.Context, req rpcapi.OrderRequest) (*rpcapi.SubmitResult, error)
	ListOrders(ctx context.Context, status string) ([]*rpcapi.Order, error)
	MarkOrderSynced(ctx context.Context, id, serverID string) (*rpcapi.Order, error)
	MarkOrderFailed(ctx context.Context, id, reason string) (*rpcapi.Order, error)
	RetryOrder(ctx context.Context, id string) (*rpcapi.Order, error)
	OrderStats(ctx context.Context) (*rpcapi.Stats, error)
	DeleteOrder(ctx context.Context, id string) error

	EnqueuePrint(ctx context.Context, req rpcapi.PrintRequest) (*rpcapi.PrintJob, error)
	PrintJob(ctx context.Context, req rpcapi.PrintRequest) (*rpcapi.PrintJob, error)
	ListPrints(ctx context.Context, status string) ([]*rpcapi.PrintJob, error)
	PrintHistory(ctx context.Context, jobType string, limit int) ([]*rpcapi.PrintJob, error)
	MarkPrinted(ctx context.Context, id, printerID string) (*rpcapi.PrintJob, error)
	MarkPrintFailed(ctx context.Context, id, reason string) (*rpcapi.PrintJob, error)
	RetryPrint(ctx context.Context, id string) (*rpcapi.PrintJob, error)
	Reprint(ctx context.Context, id string) (*rpcapi.PrintJob, error)
	PrintStats(ctx context.Context) (*rpcapi.Stats, error)
	DeletePrint(ctx context.Context, id string) error

	Login(ctx context.Context, username, password string) (*rpcapi.AuthResult, error)
	VerifyPin(ctx context.Context, userID, pin string) (*rpcapi.AuthResult, error)
	VerifyManagementSecret(ctx context.Context, password string) (*rpcapi.AuthResult, error)
}
