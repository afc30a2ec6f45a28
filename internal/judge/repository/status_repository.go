// Package repository persists judge progress and publishes terminal
// results.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"judged/internal/judge/model"
	appErr "judged/pkg/errors"

	"github.com/redis/go-redis/v9"
)

const statusKeyPrefix = "judge:status:"
const defaultStatusTTL = 30 * time.Minute

// JudgeStatus is the externally visible progress of one submission.
type JudgeStatus struct {
	SubmissionID string              `json:"submission_id"`
	Phase        string              `json:"phase"` // Pending, Running, Finished, Failed
	DoneTasks    int                 `json:"done_tasks"`
	TotalTasks   int                 `json:"total_tasks"`
	Results      []model.JudgeResult `json:"results,omitempty"`
	ErrorCode    int                 `json:"error_code,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	ReceivedAt   int64               `json:"received_at"`
	FinishedAt   int64               `json:"finished_at,omitempty"`
}

// Lifecycle phases.
const (
	PhasePending  = "Pending"
	PhaseRunning  = "Running"
	PhaseFinished = "Finished"
	PhaseFailed   = "Failed"
)

// StatusRepository stores intermediate status in redis with a TTL.
type StatusRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatusRepository creates a repository over the given client.
func NewStatusRepository(client *redis.Client, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusRepository{client: client, ttl: ttl}
}

// Save overwrites the status for its submission.
func (r *StatusRepository) Save(ctx context.Context, status JudgeStatus) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	data, err := json.Marshal(status)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalError, "marshal status failed")
	}
	if err := r.client.Set(ctx, statusKeyPrefix+status.SubmissionID, data, r.ttl).Err(); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "save status failed")
	}
	return nil
}

// Get returns the stored status, or NotFound.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (JudgeStatus, error) {
	if submissionID == "" {
		return JudgeStatus{}, appErr.ValidationError("submission_id", "required")
	}
	data, err := r.client.Get(ctx, statusKeyPrefix+submissionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JudgeStatus{}, appErr.Newf(appErr.NotFound, "status for %s not found", submissionID)
		}
		return JudgeStatus{}, appErr.Wrapf(err, appErr.ServiceUnavailable, "load status failed")
	}
	var status JudgeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return JudgeStatus{}, appErr.Wrapf(err, appErr.InternalError, "unmarshal status failed")
	}
	return status, nil
}
