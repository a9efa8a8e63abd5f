package prints

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/queue"
)

// DispatchResult is the printer driver's answer for one job.
type DispatchResult struct {
	Success   bool
	PrinterID string
	Error     string
}

// Driver hands a payload to a printer. The byte protocol is the driver's
// business; the queue only records the outcome.
type Driver interface {
	Dispatch(ctx context.Context, payload json.RawMessage, printerName string) DispatchResult
}

const reasonInterrupted = "interrupted"

type Service struct {
	queue  *Queue
	driver Driver
	log    logging.Logger
}

func NewService(q *Queue, d Driver, log logging.Logger) *Service {
	return &Service{queue: q, driver: d, log: log.With("module", "prints")}
}

func (s *Service) Queue() *Queue { return s.queue }

// Print stores the job and dispatches it right away. A driver failure is not
// an error here: the job comes back failed with the reason recorded.
func (s *Service) Print(ctx context.Context, j NewJob) (*Job, error) {
	job, err := s.queue.Enqueue(ctx, j)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, job)
}

// Retry puts a failed job back to pending and dispatches its stored payload
// again, byte for byte.
func (s *Service) Retry(ctx context.Context, id string) (*Job, error) {
	if err := s.queue.Retry(ctx, id); err != nil {
		return nil, err
	}
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, job)
}

// Reprint prints a copy of an already printed job as a new job.
func (s *Service) Reprint(ctx context.Context, id string) (*Job, error) {
	orig, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if orig.State != queue.Succeeded {
		return nil, fmt.Errorf("%w: job %s is %s, only printed jobs can be reprinted",
			common.ErrInvalidTransition, id, StatusName(orig))
	}
	return s.Print(ctx, NewJob{
		JobType:     orig.Extra.JobType,
		PrinterName: orig.Extra.PrinterName,
		Payload:     orig.Payload,
	})
}

// Recover fails every job left printing by a previous run. Called once at
// startup before the call boundary opens.
func (s *Service) Recover(ctx context.Context) (int, error) {
	n, err := s.queue.FailPrinting(ctx, reasonInterrupted)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn(ctx, "print jobs interrupted by restart", "count", n)
	}
	return n, nil
}

func (s *Service) dispatch(ctx context.Context, job *Job) (*Job, error) {
	if err := s.queue.MarkPrinting(ctx, job.ID); err != nil {
		return nil, err
	}

	res := s.driver.Dispatch(ctx, job.Payload, job.Extra.PrinterName)
	if res.Success {
		if err := s.queue.MarkPrinted(ctx, job.ID, res.PrinterID); err != nil {
			return nil, err
		}
		s.log.Info(ctx, "job printed", "id", job.ID, "type", job.Extra.JobType, "printer_id", res.PrinterID)
	} else {
		reason := res.Error
		if reason == "" {
			reason = "dispatch failed"
		}
		if err := s.queue.MarkFailed(ctx, job.ID, reason); err != nil {
			return nil, err
		}
		s.log.Warn(ctx, "job not printed", "id", job.ID, "printer", job.Extra.PrinterName, "error", reason)
	}
	return s.queue.Get(ctx, job.ID)
}
