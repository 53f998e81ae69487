package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultListLimit = 100

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RecoverStaleJobs requeues jobs left running by a previous process.
func (s *Service) RecoverStaleJobs(ctx context.Context) error {
	n, err := s.repo.RecoverStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("re-queued interrupted jobs", "count", n)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = defaultListLimit
	}
	return s.repo.List(ctx, ListFilter{Status: req.Status, Limit: req.Limit})
}

func (s *Service) Logs(ctx context.Context, req GetJobRequest, limit int) ([]Log, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, req.ID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.Logs(ctx, req.ID, limit)
}

// RetryFailed requeues every failed job that still has retries left.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	failed, err := s.repo.List(ctx, ListFilter{Status: StatusFailed, Limit: 1000})
	if err != nil {
		return 0, fmt.Errorf("list failed jobs: %w", err)
	}

	n := 0
	for _, j := range failed {
		if !j.CanRetry() {
			continue
		}
		ok, err := s.repo.Requeue(ctx, j.ID)
		if err != nil {
			return n, fmt.Errorf("requeue job %s: %w", j.ID, err)
		}
		if ok {
			n++
			slog.Info("requeued failed job", "job", j.ID, "retry", j.RetryCount+1, "maxRetries", j.MaxRetries)
		}
	}
	return n, nil
}

// CleanupOld deletes completed and cancelled jobs finished more than age ago.
func (s *Service) CleanupOld(ctx context.Context, age time.Duration) (int64, error) {
	n, err := s.repo.DeleteFinishedBefore(ctx, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("cleaned up old jobs", "count", n)
	}
	return n, nil
}
