package client

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

type GRPCClient struct {
	target string
	token  string
	conn   *grpc.ClientConn
}

var _ Client = (*GRPCClient)(nil)

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	md.Set(common.AccessTokenHeaderName, token)

	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	return invoker(withAccessToken(ctx, c.token), method, req, reply, cc, opts...)
}

// New connects to target, e.g. unix:///run/poskeeper/terminal.sock. Extra
// options are appended to the defaults.
func New(target, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{target: target, token: token}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpcapi.CodecName)),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Dial connects to the terminal socket using the token the terminal
// published next to it.
func Dial(socket string) (*GRPCClient, error) {
	token, err := ReadToken(common.SessionTokenPath(socket))
	if err != nil {
		return nil, err
	}
	return New("unix://"+socket, token)
}

// ReadToken reads a session token file.
func ReadToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read session token: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("read session token: %s is empty", path)
	}
	return token, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// invoke calls method and decodes the envelope into out, which may be nil.
func (c *GRPCClient) invoke(ctx context.Context, method string, req, out any) error {
	var env rpcapi.Envelope
	if err := c.conn.Invoke(ctx, rpcapi.FullMethod(method), req, &env); err != nil {
		return c.mapError(err)
	}
	return env.Decode(out)
}

func (c *GRPCClient) mapError(err error) error {
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}

func (c *GRPCClient) Status(ctx context.Context) (*rpcapi.Status, error) {
	var out rpcapi.Status
	if err := c.invoke(ctx, rpcapi.MethodStatus, &rpcapi.Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GRPCClient) order(ctx context.Context, method string, req any) (*rpcapi.Order, error) {
	var out rpcapi.Order
	if err := c.invoke(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GRPCClient) job(ctx context.Context, method string, req any) (*rpcapi.PrintJob, error) {
	var out rpcapi.PrintJob
	if err := c.invoke(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GRPCClient) stats(ctx context.Context, method string) (*rpcapi.Stats, error) {
	var out rpcapi.Stats
	if err := c.invoke(ctx, method, &rpcapi.Empty{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GRPCClient) auth(ctx context.Context, method string, req any) (*rpcapi.AuthResult, error) {
	var out rpcapi.AuthResult
	if err := c.invoke(ctx, method, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GRPCClient) EnqueueOrder(ctx context.Context, req rpcapi.OrderRequest) (*rpcapi.Order, error) {
	return c.order(ctx, rpcapi.MethodEnqueueOrder, &req)
}

func (c *GRPCClient) SubmitOrder(ctx context.Context, req rpcapi.OrderRequest) (*rpcapi.SubmitResult, error) {
	var out rpcapi.SubmitResult
	if err := c.invoke(ctx, rpcapi.MethodSubmitOrder, &req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *GRPCClient) ListOrders(ctx context.Context, status string) ([]*rpcapi.Order, error) {
	var out []*rpcapi.Order
	if err := c.invoke(ctx, rpcapi.MethodListOrders, &rpcapi.ListRequest{Status: status}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) MarkOrderSynced(ctx context.Context, id, serverID string) (*rpcapi.Order, error) {
	return c.order(ctx, rpcapi.MethodMarkOrderSynced, &rpcapi.MarkSyncedRequest{ID: id, ServerID: serverID})
}

func (c *GRPCClient) MarkOrderFailed(ctx context.Context, id, reason string) (*rpcapi.Order, error) {
	return c.order(ctx, rpcapi.MethodMarkOrderFailed, &rpcapi.MarkFailedRequest{ID: id, Reason: reason})
}

func (c *GRPCClient) RetryOrder(ctx context.Context, id string) (*rpcapi.Order, error) {
	return c.order(ctx, rpcapi.MethodRetryOrder, &rpcapi.IDRequest{ID: id})
}

func (c *GRPCClient) OrderStats(ctx context.Context) (*rpcapi.Stats, error) {
	return c.stats(ctx, rpcapi.MethodOrderStats)
}

func (c *GRPCClient) DeleteOrder(ctx context.Context, id string) error {
	return c.invoke(ctx, rpcapi.MethodDeleteOrder, &rpcapi.IDRequest{ID: id}, nil)
}

func (c *GRPCClient) EnqueuePrint(ctx context.Context, req rpcapi.PrintRequest) (*rpcapi.PrintJob, error) {
	return c.job(ctx, rpcapi.MethodEnqueuePrint, &req)
}

func (c *GRPCClient) PrintJob(ctx context.Context, req rpcapi.PrintRequest) (*rpcapi.PrintJob, error) {
	return c.job(ctx, rpcapi.MethodPrintJob, &req)
}

func (c *GRPCClient) ListPrints(ctx context.Context, status string) ([]*rpcapi.PrintJob, error) {
	var out []*rpcapi.PrintJob
	if err := c.invoke(ctx, rpcapi.MethodListPrints, &rpcapi.ListRequest{Status: status}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) PrintHistory(ctx context.Context, jobType string, limit int) ([]*rpcapi.PrintJob, error) {
	var out []*rpcapi.PrintJob
	req := &rpcapi.HistoryRequest{JobType: jobType, Limit: limit}
	if err := c.invoke(ctx, rpcapi.MethodPrintHistory, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *GRPCClient) MarkPrinted(ctx context.Context, id, printerID string) (*rpcapi.PrintJob, error) {
	return c.job(ctx, rpcapi.MethodMarkPrinted, &rpcapi.MarkPrintedRequest{ID: id, PrinterID: printerID})
}

func (c *GRPCClient) MarkPrintFailed(ctx context.Context, id, reason string) (*rpcapi.PrintJob, error) {
	return c.job(ctx, rpcapi.MethodMarkPrintFailed, &rpcapi.MarkFailedRequest{ID: id, Reason: reason})
}

func (c *GRPCClient) RetryPrint(ctx context.Context, id string) (*rpcapi.PrintJob, error) {
	return c.job(ctx, rpcapi.MethodRetryPrint, &rpcapi.IDRequest{ID: id})
}

func (c *GRPCClient) Reprint(ctx context.Context, id string) (*rpcapi.PrintJob, error) {
	return c.job(ctx, rpcapi.MethodReprint, &rpcapi.IDRequest{ID: id})
}

func (c *GRPCClient) PrintStats(ctx context.Context) (*rpcapi.Stats, error) {
	return c.stats(ctx, rpcapi.MethodPrintStats)
}

func (c *GRPCClient) DeletePrint(ctx context.Context, id string) error {
	return c.invoke(ctx, rpcapi.MethodDeletePrint, &rpcapi.IDRequest{ID: id}, nil)
}

func (c *GRPCClient) Login(ctx context.Context, username, password string) (*rpcapi.AuthResult, error) {
	return c.auth(ctx, rpcapi.MethodLogin, &rpcapi.LoginRequest{Username: username, Password: password})
}

func (c *GRPCClient) VerifyPin(ctx context.Context, userID, pin string) (*rpcapi.AuthResult, error) {
	return c.auth(ctx, rpcapi.MethodVerifyPin, &rpcapi.PinRequest{UserID: userID, Pin: pin})
}

func (c *GRPCClient) VerifyManagementSecret(ctx context.Context, password string) (*rpcapi.AuthResult, error) {
	return c.auth(ctx, rpcapi.MethodVerifyManagementSecret, &rpcapi.ManagementRequest{Password: password})
}
