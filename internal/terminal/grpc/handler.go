package grpc

import (
	"context"

	"github.com/dmitrijs2005/poskeeper/internal/auth"
	"github.com/dmitrijs2005/poskeeper/internal/orders"
	"github.com/dmitrijs2005/poskeeper/internal/prints"
	"github.com/dmitrijs2005/poskeeper/internal/queue"
	"github.com/dmitrijs2005/poskeeper/internal/rpcapi"
)

const defaultFailReason = "marked failed by staff"

func reply(data any, err error) (*rpcapi.Envelope, error) {
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(data)
}

func (s *GRPCServer) EnqueueOrder(ctx context.Context, req *rpcapi.OrderRequest) (*rpcapi.Envelope, error) {
	o, err := s.deps.Orders.Queue().Enqueue(ctx, orders.NewOrder{
		LocalID:        req.LocalID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
	})
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(orderView(o))
}

func (s *GRPCServer) SubmitOrder(ctx context.Context, req *rpcapi.OrderRequest) (*rpcapi.Envelope, error) {
	res, err := s.deps.Orders.Submit(ctx, orders.NewOrder{
		LocalID:        req.LocalID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
	})
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	out := rpcapi.SubmitResult{
		Synced:    res.Synced,
		Duplicate: res.Duplicate,
		SyncError: rpcapi.NewError(res.SyncErr),
	}
	if res.Order != nil {
		out.Order = orderView(res.Order)
	}
	return rpcapi.OK(out)
}

func (s *GRPCServer) ListOrders(ctx context.Context, req *rpcapi.ListRequest) (*rpcapi.Envelope, error) {
	list, err := s.deps.Orders.Queue().List(ctx, req.Status)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	out := make([]*rpcapi.Order, 0, len(list))
	for _, o := range list {
		out = append(out, orderView(o))
	}
	return rpcapi.OK(out)
}

func (s *GRPCServer) MarkOrderSynced(ctx context.Context, req *rpcapi.MarkSyncedRequest) (*rpcapi.Envelope, error) {
	q := s.deps.Orders.Queue()
	if err := q.MarkSynced(ctx, req.ID, req.ServerID); err != nil {
		return rpcapi.Fail(err), nil
	}
	return s.order(ctx, req.ID)
}

func (s *GRPCServer) MarkOrderFailed(ctx context.Context, req *rpcapi.MarkFailedRequest) (*rpcapi.Envelope, error) {
	if err := s.deps.Orders.Queue().MarkFailed(ctx, req.ID, failReason(req.Reason)); err != nil {
		return rpcapi.Fail(err), nil
	}
	return s.order(ctx, req.ID)
}

func (s *GRPCServer) RetryOrder(ctx context.Context, req *rpcapi.IDRequest) (*rpcapi.Envelope, error) {
	if err := s.deps.Orders.Queue().Retry(ctx, req.ID); err != nil {
		return rpcapi.Fail(err), nil
	}
	return s.order(ctx, req.ID)
}

func (s *GRPCServer) OrderStats(ctx context.Context, _ *rpcapi.Empty) (*rpcapi.Envelope, error) {
	st, err := s.deps.Orders.Queue().Stats(ctx)
	return reply(statsView(st), err)
}

func (s *GRPCServer) DeleteOrder(ctx context.Context, req *rpcapi.IDRequest) (*rpcapi.Envelope, error) {
	return reply(nil, s.deps.Orders.Queue().Delete(ctx, req.ID))
}

func (s *GRPCServer) order(ctx context.Context, id string) (*rpcapi.Envelope, error) {
	o, err := s.deps.Orders.Queue().Get(ctx, id)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(orderView(o))
}

func (s *GRPCServer) EnqueuePrint(ctx context.Context, req *rpcapi.PrintRequest) (*rpcapi.Envelope, error) {
	j, err := s.deps.Prints.Queue().Enqueue(ctx, newJob(req))
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobView(j))
}

func (s *GRPCServer) PrintJob(ctx context.Context, req *rpcapi.PrintRequest) (*rpcapi.Envelope, error) {
	j, err := s.deps.Prints.Print(ctx, newJob(req))
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobView(j))
}

func (s *GRPCServer) ListPrints(ctx context.Context, req *rpcapi.ListRequest) (*rpcapi.Envelope, error) {
	list, err := s.deps.Prints.Queue().List(ctx, req.Status)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobViews(list))
}

func (s *GRPCServer) PrintHistory(ctx context.Context, req *rpcapi.HistoryRequest) (*rpcapi.Envelope, error) {
	list, err := s.deps.Prints.Queue().History(ctx, prints.JobType(req.JobType), req.Limit)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobViews(list))
}

func (s *GRPCServer) MarkPrinted(ctx context.Context, req *rpcapi.MarkPrintedRequest) (*rpcapi.Envelope, error) {
	if err := s.deps.Prints.Queue().MarkPrinted(ctx, req.ID, req.PrinterID); err != nil {
		return rpcapi.Fail(err), nil
	}
	return s.job(ctx, req.ID)
}

func (s *GRPCServer) MarkPrintFailed(ctx context.Context, req *rpcapi.MarkFailedRequest) (*rpcapi.Envelope, error) {
	if err := s.deps.Prints.Queue().MarkFailed(ctx, req.ID, failReason(req.Reason)); err != nil {
		return rpcapi.Fail(err), nil
	}
	return s.job(ctx, req.ID)
}

func (s *GRPCServer) RetryPrint(ctx context.Context, req *rpcapi.IDRequest) (*rpcapi.Envelope, error) {
	j, err := s.deps.Prints.Retry(ctx, req.ID)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobView(j))
}

func (s *GRPCServer) Reprint(ctx context.Context, req *rpcapi.IDRequest) (*rpcapi.Envelope, error) {
	j, err := s.deps.Prints.Reprint(ctx, req.ID)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobView(j))
}

func (s *GRPCServer) PrintStats(ctx context.Context, _ *rpcapi.Empty) (*rpcapi.Envelope, error) {
	st, err := s.deps.Prints.Queue().Stats(ctx)
	return reply(statsView(st), err)
}

func (s *GRPCServer) DeletePrint(ctx context.Context, req *rpcapi.IDRequest) (*rpcapi.Envelope, error) {
	return reply(nil, s.deps.Prints.Queue().Delete(ctx, req.ID))
}

func (s *GRPCServer) job(ctx context.Context, id string) (*rpcapi.Envelope, error) {
	j, err := s.deps.Prints.Queue().Get(ctx, id)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(jobView(j))
}

func (s *GRPCServer) Login(ctx context.Context, req *rpcapi.LoginRequest) (*rpcapi.Envelope, error) {
	res, err := s.deps.Auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(authView(res))
}

func (s *GRPCServer) VerifyPin(ctx context.Context, req *rpcapi.PinRequest) (*rpcapi.Envelope, error) {
	res, err := s.deps.Auth.VerifyPin(ctx, req.UserID, req.Pin)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(authView(res))
}

func (s *GRPCServer) VerifyManagementSecret(ctx context.Context, req *rpcapi.ManagementRequest) (*rpcapi.Envelope, error) {
	res, err := s.deps.Auth.VerifyManagementSecret(ctx, req.Password)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	return rpcapi.OK(authView(res))
}

func (s *GRPCServer) Status(ctx context.Context, _ *rpcapi.Empty) (*rpcapi.Envelope, error) {
	out := rpcapi.Status{
		EncryptionMode: string(s.deps.Vault.Mode()),
		StorePath:      s.deps.StorePath,
	}
	if n := s.deps.Network; n != nil {
		out.Online = n.Online()
		if since := n.Since(); !since.IsZero() {
			out.OnlineSince = &since
		}
	}

	ost, err := s.deps.Orders.Queue().Stats(ctx)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	pst, err := s.deps.Prints.Queue().Stats(ctx)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	ac, err := s.deps.Audit.Count(ctx)
	if err != nil {
		return rpcapi.Fail(err), nil
	}
	out.Orders = statsView(ost)
	out.Prints = statsView(pst)
	out.Audit = rpcapi.AuditCounts{Total: ac.Total, Unsynced: ac.Unsynced}
	return rpcapi.OK(out)
}

func failReason(r string) string {
	if r == "" {
		return defaultFailReason
	}
	return r
}

func newJob(req *rpcapi.PrintRequest) prints.NewJob {
	return prints.NewJob{
		JobType:     prints.JobType(req.JobType),
		PrinterName: req.PrinterName,
		Payload:     req.Payload,
	}
}

func orderView(o *orders.Order) *rpcapi.Order {
	return &rpcapi.Order{
		ID:             o.ID,
		LocalID:        o.Extra.LocalID,
		IdempotencyKey: o.Extra.IdempotencyKey,
		Status:         orders.StatusName(o),
		Payload:        o.Payload,
		RetryCount:     o.RetryCount,
		Attempts:       o.Attempts,
		ErrorMessage:   o.ErrorMessage,
		ServerID:       o.Extra.ServerID,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		LastAttemptAt:  o.LastAttemptAt,
		SyncedAt:       o.CompletedAt,
	}
}

func jobView(j *prints.Job) *rpcapi.PrintJob {
	return &rpcapi.PrintJob{
		ID:           j.ID,
		JobType:      string(j.Extra.JobType),
		PrinterName:  j.Extra.PrinterName,
		PrinterID:    j.Extra.PrinterID,
		Status:       prints.StatusName(j),
		Payload:      j.Payload,
		RetryCount:   j.RetryCount,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		PrintedAt:    j.CompletedAt,
	}
}

func jobViews(list []*prints.Job) []*rpcapi.PrintJob {
	out := make([]*rpcapi.PrintJob, 0, len(list))
	for _, j := range list {
		out = append(out, jobView(j))
	}
	return out
}

func statsView(st queue.Stats) rpcapi.Stats {
	return rpcapi.Stats{Total: st.Total, PerStatus: st.PerStatus}
}

func authView(r *auth.Result) *rpcapi.AuthResult {
	return &rpcapi.AuthResult{
		UserID:   r.UserID,
		Username: r.Username,
		FullName: r.FullName,
		Role:     r.Role,
		Mode:     string(r.Mode),
	}
}
