package merge

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/contact-identity/internal/store"
)

// Merger performs one merge.
type Merger interface {
	Merge(ctx context.Context, req Request) (*Result, error)
}

// RunLog is the part of store.Store the Service writes to.
type RunLog interface {
	CreateRun(ctx context.Context, run *store.MergeRun) error
	CompleteRun(ctx context.Context, runID string, absorbed []int64) error
	FailRun(ctx context.Context, runID string, message string) error
}

// Service runs merges and records each one as a MergeRun.
type Service struct {
	merger Merger
	runs   RunLog
}

// NewService creates a Service.
func NewService(merger Merger, runs RunLog) *Service {
	return &Service{merger: merger, runs: runs}
}

// Run records a running MergeRun, performs the merge and marks the run
// complete or failed. The returned run reflects the final status.
func (s *Service) Run(ctx context.Context, req Request) (*Result, *store.MergeRun, error) {
	run := &store.MergeRun{
		CompanyID: req.CompanyID,
		GroupKey:  req.Key.Normalize().String(),
		MasterID:  req.MasterID,
		Operation: string(req.Operation),
		Status:    store.RunStatusRunning,
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return nil, nil, eris.Wrap(err, "merge: record run")
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.Int64("company_id", req.CompanyID))

	res, err := s.merger.Merge(ctx, req)
	if err != nil {
		run.Status = store.RunStatusFailed
		run.Error = err.Error()
		if ferr := s.runs.FailRun(ctx, run.ID, run.Error); ferr != nil {
			log.Warn("merge: record run failure", zap.Error(ferr))
		}
		return nil, run, err
	}

	run.Status = store.RunStatusComplete
	run.AbsorbedIDs = res.Absorbed
	if err := s.runs.CompleteRun(ctx, run.ID, res.Absorbed); err != nil {
		return res, run, eris.Wrap(err, "merge: record run completion")
	}
	log.Info("merge: run recorded", zap.Int("absorbed", len(res.Absorbed)))
	return res, run, nil
}
