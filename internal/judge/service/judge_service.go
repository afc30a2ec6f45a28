// Package service connects the submission intake to the orchestrator
// and reports results back out.
package service

import (
	"context"
	"encoding/json"
	"time"

	"judged/internal/common/mq"
	"judged/internal/judge/model"
	"judged/internal/judge/repository"
	"judged/internal/judge/scheduler"
	appErr "judged/pkg/errors"
	"judged/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config holds service dependencies and settings.
type Config struct {
	Orchestrator *scheduler.Orchestrator
	StatusRepo   *repository.StatusRepository
	Publisher    repository.ResultPublisher

	// MaxInFlight bounds concurrently judged submissions.
	MaxInFlight int
	// AdmitTimeout bounds the wait for a free slot before the message
	// is surfaced as queue-full for requeue.
	AdmitTimeout time.Duration
	// StatusTimeout bounds one status persistence call.
	StatusTimeout time.Duration
}

// Service handles judge task messages.
type Service struct {
	orch          *scheduler.Orchestrator
	statusRepo    *repository.StatusRepository
	publisher     repository.ResultPublisher
	admitTimeout  time.Duration
	statusTimeout time.Duration
	sem           chan struct{}
}

// NewService wires the service and installs the orchestrator callbacks.
func NewService(cfg Config) (*Service, error) {
	if cfg.Orchestrator == nil {
		return nil, appErr.ValidationError("orchestrator", "required")
	}
	if cfg.StatusRepo == nil {
		return nil, appErr.ValidationError("status_repo", "required")
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	admitTimeout := cfg.AdmitTimeout
	if admitTimeout <= 0 {
		admitTimeout = 2 * time.Second
	}
	s := &Service{
		orch:          cfg.Orchestrator,
		statusRepo:    cfg.StatusRepo,
		publisher:     cfg.Publisher,
		admitTimeout:  admitTimeout,
		statusTimeout: cfg.StatusTimeout,
		sem:           make(chan struct{}, maxInFlight),
	}
	s.orch.SetDoneFunc(s.handleDone)
	s.orch.SetProgressFunc(s.handleProgress)
	return s, nil
}

// HandleMessage processes one submission intake message.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.SubmissionMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "decode submission message failed")
	}
	sub, err := payload.ToSubmission()
	if err != nil {
		logger.Warn(ctx, "invalid submission message", zap.Error(err))
		// Malformed submissions are not redelivered.
		return nil
	}

	ctx = logger.WithSubmission(ctx, sub.SubmissionID)
	now := time.Now().Unix()
	s.saveStatus(ctx, repository.JudgeStatus{
		SubmissionID: sub.SubmissionID,
		Phase:        repository.PhasePending,
		TotalTasks:   len(sub.Tasks),
		ReceivedAt:   now,
	})

	if err := s.acquireSlot(ctx); err != nil {
		return err
	}

	if err := s.orch.Push(ctx, sub); err != nil {
		s.releaseSlot()
		code := appErr.GetCode(err)
		s.saveStatus(ctx, repository.JudgeStatus{
			SubmissionID: sub.SubmissionID,
			Phase:        repository.PhaseFailed,
			TotalTasks:   len(sub.Tasks),
			ErrorCode:    int(code),
			ErrorMessage: err.Error(),
			ReceivedAt:   now,
			FinishedAt:   time.Now().Unix(),
		})
		if code == appErr.TaskGraphInvalid || code == appErr.TestcaseOutOfRange || code == appErr.SubmissionInvalid {
			// Programmer errors in the graph abort intake for good.
			logger.Error(ctx, "submission rejected", zap.Error(err))
			return nil
		}
		return err
	}

	s.saveStatus(ctx, repository.JudgeStatus{
		SubmissionID: sub.SubmissionID,
		Phase:        repository.PhaseRunning,
		TotalTasks:   len(sub.Tasks),
		ReceivedAt:   now,
	})
	return nil
}

func (s *Service) acquireSlot(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.admitTimeout):
		return appErr.New(appErr.QueueFull).WithMessage("judge worker pool is full")
	}
}

func (s *Service) releaseSlot() {
	select {
	case <-s.sem:
	default:
	}
}

func (s *Service) handleProgress(ctx context.Context, sub *model.Submission, done, total int) {
	s.saveStatus(ctx, repository.JudgeStatus{
		SubmissionID: sub.SubmissionID,
		Phase:        repository.PhaseRunning,
		DoneTasks:    done,
		TotalTasks:   total,
	})
}

func (s *Service) handleDone(ctx context.Context, sub *model.Submission) {
	defer s.releaseSlot()

	status := repository.JudgeStatus{
		SubmissionID: sub.SubmissionID,
		Phase:        repository.PhaseFinished,
		DoneTasks:    len(sub.Results),
		TotalTasks:   len(sub.Tasks),
		Results:      sub.Results,
		FinishedAt:   time.Now().Unix(),
	}
	s.saveStatus(ctx, status)

	if s.publisher != nil {
		if err := s.publisher.PublishResult(ctx, status); err != nil {
			logger.Error(ctx, "publish result failed", zap.Error(err))
		}
	}
}

func (s *Service) saveStatus(ctx context.Context, status repository.JudgeStatus) {
	ctxStatus := ctx
	if s.statusTimeout > 0 {
		var cancel context.CancelFunc
		ctxStatus, cancel = context.WithTimeout(ctx, s.statusTimeout)
		defer cancel()
	}
	if err := s.statusRepo.Save(ctxStatus, status); err != nil {
		logger.Warn(ctx, "save status failed", zap.Error(err))
	}
}
