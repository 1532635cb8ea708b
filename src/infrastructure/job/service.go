package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/panjf2000/ants/v2"

	"webrag/src/core/ingestion"
)

// Topic carries queued ingestion jobs from the API to workers.
const Topic = "ingest.jobs"

const DefaultWorkers = 4

// Executor runs one ingestion job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, job ingestion.Job) error
}

type JobMessage struct {
	JobID string        `json:"job_id"`
	Job   ingestion.Job `json:"job"`
}

// Service queues ingestion jobs on a watermill publisher and runs the jobs it
// receives on a bounded ants pool.
type Service struct {
	publisher message.Publisher
	repo      Repository
	logger    watermill.LoggerAdapter
	executor  Executor
	pool      *ants.Pool
	wg        sync.WaitGroup
}

var _ ingestion.Dispatcher = (*Service)(nil)

// NewService builds a job service. executor may be nil for a process that only
// enqueues jobs.
func NewService(
	publisher message.Publisher,
	repo Repository,
	logger watermill.LoggerAdapter,
	executor Executor,
	workers int,
) (*Service, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(p interface{}) {
		logger.Error("job worker panicked", fmt.Errorf("%v", p), nil)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create job pool: %w", err)
	}

	return &Service{
		publisher: publisher,
		repo:      repo,
		logger:    logger,
		executor:  executor,
		pool:      pool,
	}, nil
}

// Dispatch records the job and publishes it to the message queue
func (s *Service) Dispatch(ctx context.Context, job ingestion.Job) error {
	if _, err := s.repo.Create(ctx, recordFor(job)); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	msgPayload, err := json.Marshal(JobMessage{JobID: job.ID, Job: job})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), msgPayload)
	middleware.SetCorrelationID(job.ID, msg)
	if err := s.publisher.Publish(Topic, msg); err != nil {
		return fmt.Errorf("failed to publish job message: %w", err)
	}

	return nil
}

// ProcessJobMessage hands a queued job to the pool. It returns once the job is
// scheduled, so the message is acked when a worker picks the job up, not when
// the job finishes.
func (s *Service) ProcessJobMessage(msg *message.Message) error {
	if s.executor == nil {
		return fmt.Errorf("job service has no executor")
	}

	var jobMsg JobMessage
	if err := json.Unmarshal(msg.Payload, &jobMsg); err != nil {
		// Redelivering a malformed message never helps.
		s.logger.Error("Dropping malformed job message", err, watermill.LogFields{"uuid": msg.UUID})
		return nil
	}
	job := jobMsg.Job

	ctx := context.Background()

	record, err := s.repo.Get(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if record == nil {
		// Published by a process with its own repository.
		if _, err := s.repo.Create(ctx, recordFor(job)); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
	} else if record.Status != JobStatusPending {
		s.logger.Info("Skipping redelivered job", watermill.LogFields{"job_id": job.ID, "status": record.Status})
		return nil
	}

	if err := s.repo.UpdateStatus(ctx, job.ID, JobStatusRunning, nil); err != nil {
		return fmt.Errorf("failed to update job status to running: %w", err)
	}

	s.wg.Add(1)
	err = s.pool.Submit(func() {
		defer s.wg.Done()
		s.run(ctx, job)
	})
	if err != nil {
		s.wg.Done()
		errStr := err.Error()
		_ = s.repo.UpdateStatus(ctx, job.ID, JobStatusFailed, &errStr)
		return fmt.Errorf("failed to schedule job: %w", err)
	}

	return nil
}

func (s *Service) run(ctx context.Context, job ingestion.Job) {
	fields := watermill.LogFields{"job_id": job.ID, "project_id": job.Request.ProjectID}

	if err := s.executor.Execute(ctx, job); err != nil {
		errStr := err.Error()
		if updateErr := s.repo.UpdateStatus(ctx, job.ID, JobStatusFailed, &errStr); updateErr != nil {
			s.logger.Error("Failed to update job status to failed", updateErr, fields)
		}
		return
	}

	if err := s.repo.UpdateStatus(ctx, job.ID, JobStatusCompleted, nil); err != nil {
		s.logger.Error("Failed to update job status to completed", err, fields)
		return
	}
	s.logger.Debug("Job executed", fields)
}

// Get returns the bookkeeping record of a job.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.repo.Get(ctx, id)
}

// NewRouter builds a router that consumes the job topic from sub.
func (s *Service) NewRouter(sub message.Subscriber) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, s.logger)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: time.Second,
			Logger:          s.logger,
		}.Middleware,
	)

	router.AddNoPublisherHandler("ingest_job_processor", Topic, sub, s.ProcessJobMessage)
	return router, nil
}

// Close waits up to timeout for running jobs and releases the pool.
func (s *Service) Close(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Info("Jobs still running at shutdown", nil)
	}
	return s.pool.ReleaseTimeout(timeout)
}

func recordFor(job ingestion.Job) Record {
	return Record{
		ID:          job.ID,
		ProjectID:   job.Request.ProjectID,
		SessionID:   job.Request.SessionID,
		DocumentRef: job.Request.DocumentRef,
		Status:      JobStatusPending,
	}
}
