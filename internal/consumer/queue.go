package consumer

import (
	"context"
	"fmt"
	"time"

	rediscommon "clocking-import/common/redis"
	"clocking-import/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Queue 导入任务入队
type Queue struct {
	redisClient *redis.Client
	stream      string
}

func NewQueue(redisClient *redis.Client, stream string) *Queue {
	return &Queue{redisClient: redisClient, stream: stream}
}

// Enqueue 写入任务流，补全 ID / Attempt / EnqueuedAt
func (q *Queue) Enqueue(ctx context.Context, job *models.ImportJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	if _, err := rediscommon.PublishJSONToStream(ctx, q.redisClient, q.stream, job); err != nil {
		return fmt.Errorf("failed to enqueue import job: %w", err)
	}
	return nil
}
