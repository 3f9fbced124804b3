package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	rediscommon "clocking-import/common/redis"
	"clocking-import/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Notifier 导入任务结果通知
type Notifier interface {
	Notify(ctx context.Context, result models.JobResult) error
}

// StreamNotifier 将任务结果写入 Redis Streams
type StreamNotifier struct {
	client *redis.Client
	stream string
}

// NewStreamNotifier 创建结果流通知器
func NewStreamNotifier(client *redis.Client, stream string) *StreamNotifier {
	return &StreamNotifier{client: client, stream: stream}
}

func (n *StreamNotifier) Notify(ctx context.Context, result models.JobResult) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, n.client, n.stream, result); err != nil {
		return fmt.Errorf("failed to publish job result to %s: %w", n.stream, err)
	}
	return nil
}

// Publisher MQTT 发布端（*mqtt.Client 实现）
type Publisher interface {
	Publish(topic string, retained bool, payload []byte) error
}

// MQTTNotifier 将任务结果发布到 MQTT 主题
type MQTTNotifier struct {
	publisher Publisher
	topic     string
}

func NewMQTTNotifier(publisher Publisher, topic string) *MQTTNotifier {
	return &MQTTNotifier{publisher: publisher, topic: topic}
}

func (n *MQTTNotifier) Notify(_ context.Context, result models.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}
	return n.publisher.Publish(n.topic, false, payload)
}

// Multi 依次通知所有通知器，单个失败不影响其余
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) Notify(ctx context.Context, result models.JobResult) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, result); err != nil {
			m.logger.Warn("Failed to notify job result",
				zap.String("job_id", result.JobID),
				zap.String("result", result.Result),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
