package repository

import (
	"context"
	"encoding/json"

	"judged/internal/common/mq"
	appErr "judged/pkg/errors"
)

// ResultPublisher emits one terminal event per judged submission.
type ResultPublisher interface {
	PublishResult(ctx context.Context, status JudgeStatus) error
}

// MQResultPublisher publishes terminal results to a message queue
// topic.
type MQResultPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQResultPublisher creates a publisher on the given topic.
func NewMQResultPublisher(queue mq.MessageQueue, topic string) *MQResultPublisher {
	return &MQResultPublisher{queue: queue, topic: topic}
}

// PublishResult sends the terminal status as a JSON message.
func (p *MQResultPublisher) PublishResult(ctx context.Context, status JudgeStatus) error {
	if p.queue == nil || p.topic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result topic is not configured")
	}
	body, err := json.Marshal(status)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalError, "marshal result failed")
	}
	message := mq.NewMessage(body)
	message.Headers["submission_id"] = status.SubmissionID
	return p.queue.Publish(ctx, p.topic, message)
}
