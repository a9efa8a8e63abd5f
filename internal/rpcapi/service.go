// Package rpcapi is the contract of the local call boundary between the
// terminal process and its UI clients: request and view types, the reply
// Envelope, and a hand-written gRPC service description carried over a JSON
// codec.
package rpcapi

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
)

const ServiceName = "poskeeper.terminal.v1.Terminal"

// Method names.
const (
	MethodEnqueueOrder    = "EnqueueOrder"
	MethodSubmitOrder     = "SubmitOrder"
	MethodListOrders      = "ListOrders"
	MethodMarkOrderSynced = "MarkOrderSynced"
	MethodMarkOrderFailed = "MarkOrderFailed"
	MethodRetryOrder      = "RetryOrder"
	MethodOrderStats      = "OrderStats"
	MethodDeleteOrder     = "DeleteOrder"

	MethodEnqueuePrint    = "EnqueuePrint"
	MethodPrintJob        = "PrintJob"
	MethodListPrints      = "ListPrints"
	MethodPrintHistory    = "PrintHistory"
	MethodMarkPrinted     = "MarkPrinted"
	MethodMarkPrintFailed = "MarkPrintFailed"
	MethodRetryPrint      = "RetryPrint"
	MethodReprint         = "Reprint"
	MethodPrintStats      = "PrintStats"
	MethodDeletePrint     = "DeletePrint"

	MethodLogin                  = "Login"
	MethodVerifyPin              = "VerifyPin"
	MethodVerifyManagementSecret = "VerifyManagementSecret"

	MethodStatus = "Status"
)

// FullMethod is the gRPC path of a method, e.g. /poskeeper.terminal.v1.Terminal/Status.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// Requests.

type Empty struct{}

type IDRequest struct {
	ID string `json:"id"`
}

type ListRequest struct {
	Status string `json:"status,omitempty"`
}

type OrderRequest struct {
	LocalID        string          `json:"local_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

type MarkSyncedRequest struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
}

type MarkFailedRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type PrintRequest struct {
	JobType     string          `json:"job_type"`
	PrinterName string          `json:"printer_name,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type HistoryRequest struct {
	JobType string `json:"job_type"`
	Limit   int    `json:"limit,omitempty"`
}

type MarkPrintedRequest struct {
	ID        string `json:"id"`
	PrinterID string `json:"printer_id,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type PinRequest struct {
	UserID string `json:"user_id"`
	Pin    string `json:"pin"`
}

type ManagementRequest struct {
	Password string `json:"password"`
}

// Views.

type Order struct {
	ID             string          `json:"id"`
	LocalID        string          `json:"local_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         string          `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	RetryCount     int             `json:"retry_count"`
	Attempts       int             `json:"attempts"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ServerID       string          `json:"server_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	SyncedAt       *time.Time      `json:"synced_at,omitempty"`
}

type SubmitResult struct {
	Order     *Order `json:"order,omitempty"`
	Synced    bool   `json:"synced"`
	Duplicate bool   `json:"duplicate"`
	SyncError *Error `json:"sync_error,omitempty"`
}

type PrintJob struct {
	ID           string          `json:"id"`
	JobType      string          `json:"job_type"`
	PrinterName  string          `json:"printer_name,omitempty"`
	PrinterID    string          `json:"printer_id,omitempty"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	PrintedAt    *time.Time      `json:"printed_at,omitempty"`
}

type Stats struct {
	Total     int            `json:"total"`
	PerStatus map[string]int `json:"per_status"`
}

type AuthResult struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
	Mode     string `json:"mode"`
}

type AuditCounts struct {
	Total    int `json:"total"`
	Unsynced int `json:"unsynced"`
}

type Status struct {
	EncryptionMode string      `json:"encryption_mode"`
	Online         bool        `json:"online"`
	OnlineSince    *time.Time  `json:"online_since,omitempty"`
	Orders         Stats       `json:"orders"`
	Prints         Stats       `json:"prints"`
	Audit          AuditCounts `json:"audit"`
	StorePath      string      `json:"store_path"`
}

// TerminalServer is implemented by the terminal process.
type TerminalServer interface {
	EnqueueOrder(context.Context, *OrderRequest) (*Envelope, error)
	SubmitOrder(context.Context, *OrderRequest) (*Envelope, error)
	ListOrders(context.Context, *ListRequest) (*Envelope, error)
	MarkOrderSynced(context.Context, *MarkSyncedRequest) (*Envelope, error)
	MarkOrderFailed(context.Context, *MarkFailedRequest) (*Envelope, error)
	RetryOrder(context.Context, *IDRequest) (*Envelope, error)
	OrderStats(context.Context, *Empty) (*Envelope, error)
	DeleteOrder(context.Context, *IDRequest) (*Envelope, error)

	EnqueuePrint(context.Context, *PrintRequest) (*Envelope, error)
	PrintJob(context.Context, *PrintRequest) (*Envelope, error)
	ListPrints(context.Context, *ListRequest) (*Envelope, error)
	PrintHistory(context.Context, *HistoryRequest) (*Envelope, error)
	MarkPrinted(context.Context, *MarkPrintedRequest) (*Envelope, error)
	MarkPrintFailed(context.Context, *MarkFailedRequest) (*Envelope, error)
	RetryPrint(context.Context, *IDRequest) (*Envelope, error)
	Reprint(context.Context, *IDRequest) (*Envelope, error)
	PrintStats(context.Context, *Empty) (*Envelope, error)
	DeletePrint(context.Context, *IDRequest) (*Envelope, error)

	Login(context.Context, *LoginRequest) (*Envelope, error)
	VerifyPin(context.Context, *PinRequest) (*Envelope, error)
	VerifyManagementSecret(context.Context, *ManagementRequest) (*Envelope, error)

	Status(context.Context, *Empty) (*Envelope, error)
}

// RegisterTerminalServer registers srv on s.
func RegisterTerminalServer(s grpc.ServiceRegistrar, srv TerminalServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req any](name string, call func(TerminalServer, context.Context, *Req) (*Envelope, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(TerminalServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(TerminalServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TerminalServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodEnqueueOrder, TerminalServer.EnqueueOrder),
		unary(MethodSubmitOrder, TerminalServer.SubmitOrder),
		unary(MethodListOrders, TerminalServer.ListOrders),
		unary(MethodMarkOrderSynced, TerminalServer.MarkOrderSynced),
		unary(MethodMarkOrderFailed, TerminalServer.MarkOrderFailed),
		unary(MethodRetryOrder, TerminalServer.RetryOrder),
		unary(MethodOrderStats, TerminalServer.OrderStats),
		unary(MethodDeleteOrder, TerminalServer.DeleteOrder),

		unary(MethodEnqueuePrint, TerminalServer.EnqueuePrint),
		unary(MethodPrintJob, TerminalServer.PrintJob),
		unary(MethodListPrints, TerminalServer.ListPrints),
		unary(MethodPrintHistory, TerminalServer.PrintHistory),
		unary(MethodMarkPrinted, TerminalServer.MarkPrinted),
		unary(MethodMarkPrintFailed, TerminalServer.MarkPrintFailed),
		unary(MethodRetryPrint, TerminalServer.RetryPrint),
		unary(MethodReprint, TerminalServer.Reprint),
		unary(MethodPrintStats, TerminalServer.PrintStats),
		unary(MethodDeletePrint, TerminalServer.DeletePrint),

		unary(MethodLogin, TerminalServer.Login),
		unary(MethodVerifyPin, TerminalServer.VerifyPin),
		unary(MethodVerifyManagementSecret, TerminalServer.VerifyManagementSecret),

		unary(MethodStatus, TerminalServer.Status),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "poskeeper/terminal/v1",
}
