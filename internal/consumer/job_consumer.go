package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	rediscommon "clocking-import/common/redis"
	"clocking-import/internal/config"
	"clocking-import/internal/metrics"
	"clocking-import/internal/models"
	"clocking-import/internal/notify"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	promoteBatch      = 100
	claimBatch        = 100
	bookkeepingWindow = 5 * time.Second
	defaultClaimIdle  = 10 * time.Minute
)

// errJobAbandoned 消费者在结算前退出，任务按一次失败处理
var errJobAbandoned = errors.New("job abandoned by worker")

// Processor 执行单个导入任务
type Processor interface {
	Process(ctx context.Context, job *models.ImportJob) (*models.ImportSummary, error)
}

// JobConsumer 导入任务消费者（Redis Streams 消费者组 + ZSET 延迟重试）
type JobConsumer struct {
	redisClient *redis.Client
	processor   Processor
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	logger      *zap.Logger

	stream        string
	retryKey      string
	deadLetter    string
	consumerGroup string
	consumerName  string
	readCount     int64
	readBlock     time.Duration
	maxAttempts   int
	backoff       time.Duration
	jobTimeout    time.Duration
	claimIdle     time.Duration // 未确认消息空闲超过该时长即可被其他消费者认领

	now func() time.Time
}

// NewJobConsumer 创建导入任务消费者
func NewJobConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	processor Processor,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *JobConsumer {
	maxAttempts := cfg.Import.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	claimIdle := defaultClaimIdle
	if cfg.Import.JobTimeout > 0 {
		claimIdle = cfg.Import.JobTimeout + bookkeepingWindow
	}
	return &JobConsumer{
		redisClient:   redisClient,
		processor:     processor,
		notifier:      notifier,
		metrics:       m,
		logger:        logger,
		stream:        cfg.Import.Stream,
		retryKey:      cfg.Import.RetryKey,
		deadLetter:    cfg.Import.DeadLetterStream,
		consumerGroup: cfg.Import.ConsumerGroup,
		consumerName:  cfg.Import.ConsumerName,
		readCount:     cfg.Import.ReadCount,
		readBlock:     cfg.Import.ReadBlock,
		maxAttempts:   maxAttempts,
		backoff:       cfg.Import.Backoff,
		jobTimeout:    cfg.Import.JobTimeout,
		claimIdle:     claimIdle,
		now:           time.Now,
	}
}

// Start 启动消费者（阻塞直到 ctx 取消）
func (c *JobConsumer) Start(ctx context.Context) error {
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, c.stream, c.consumerGroup); err != nil {
		return err
	}

	c.logger.Info("Job consumer started",
		zap.String("stream", c.stream),
		zap.String("consumer_group", c.consumerGroup),
		zap.String("consumer_name", c.consumerName),
		zap.Int("max_attempts", c.maxAttempts),
	)

	if err := c.recoverPending(ctx); err != nil {
		// 剩余的消息空闲超时后由 reclaimStale 接管
		c.logger.Error("Failed to recover pending import jobs", zap.Error(err))
	}

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Job consumer stopped")
			return nil
		default:
		}

		if err := c.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Failed to consume import jobs",
				zap.Error(err),
				zap.Duration("retry_after", backoff),
			)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
	}
}

// consumeOnce 提升到期的重试任务、认领超时未确认的任务，然后读取并处理一批任务
func (c *JobConsumer) consumeOnce(ctx context.Context) error {
	if _, err := c.promoteDueJobs(ctx); err != nil {
		return err
	}
	if _, err := c.reclaimStale(ctx); err != nil {
		return err
	}

	messages, err := rediscommon.ReadFromStream(ctx, c.redisClient, c.stream, c.consumerGroup, c.consumerName, c.readCount, c.readBlock)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			// 已读取但尚未开始的任务原样放回
			if err := c.requeue(msg, c.logger.With(zap.String("message_id", msg.ID))); err != nil {
				c.logger.Error("Failed to requeue import job", zap.String("message_id", msg.ID), zap.Error(err))
			}
			continue
		}
		if err := c.handleMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to settle import job",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			// 未确认的消息留在 PEL 中，空闲超过 claimIdle 后被重新认领
			continue
		}
	}

	return nil
}

// recoverPending 结算本消费者上次退出前已读取但未确认的任务
func (c *JobConsumer) recoverPending(ctx context.Context) error {
	after := "0"
	recovered := 0
	for {
		messages, err := rediscommon.ReadPendingFromStream(ctx, c.redisClient, c.stream, c.consumerGroup, c.consumerName, after, c.readCount)
		if err != nil {
			return fmt.Errorf("failed to read pending jobs: %w", err)
		}
		if len(messages) == 0 {
			break
		}
		for _, msg := range messages {
			after = msg.ID
			if err := c.settleAbandoned(msg); err != nil {
				c.logger.Error("Failed to settle recovered import job", zap.String("message_id", msg.ID), zap.Error(err))
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		c.logger.Warn("Recovered unacknowledged import jobs", zap.Int("count", recovered))
	}
	return nil
}

// reclaimStale 认领组内空闲超过 claimIdle 的未确认任务（所属消费者已退出）
func (c *JobConsumer) reclaimStale(ctx context.Context) (int, error) {
	messages, err := rediscommon.ClaimIdleMessages(ctx, c.redisClient, c.stream, c.consumerGroup, c.consumerName, c.claimIdle, claimBatch)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, msg := range messages {
		if err := c.settleAbandoned(msg); err != nil {
			c.logger.Error("Failed to settle claimed import job", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}
		claimed++
	}

	if claimed > 0 {
		c.logger.Warn("Claimed stale import jobs", zap.Int("count", claimed), zap.Duration("min_idle", c.claimIdle))
	}
	return claimed, nil
}

// settleAbandoned 未完成的任务计一次失败：按重试策略重新排队或转入死信流
func (c *JobConsumer) settleAbandoned(msg rediscommon.StreamMessage) error {
	job, err := decodeJob(msg.Values)
	if err != nil {
		return c.discardInvalid(msg, err)
	}
	return c.settle(msg, job, c.jobLogger(job), nil, errJobAbandoned, 0)
}

// handleMessage 处理单条任务消息，任务失败时安排重试或转入死信流
func (c *JobConsumer) handleMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	job, err := decodeJob(msg.Values)
	if err != nil {
		return c.discardInvalid(msg, err)
	}

	logger := c.jobLogger(job)
	logger.Info("Processing import job")

	jobCtx := ctx
	if c.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, c.jobTimeout)
		defer cancel()
	}

	start := c.now()
	summary, procErr := c.processor.Process(jobCtx, job)
	elapsed := c.now().Sub(start)

	if procErr != nil && ctx.Err() != nil {
		// 关闭导致的中断不计入尝试次数
		return c.requeue(msg, logger)
	}
	return c.settle(msg, job, logger, summary, procErr, elapsed)
}

// settle 记录任务结果：成功、安排重试或转入死信流，然后确认消息并发布结果
func (c *JobConsumer) settle(
	msg rediscommon.StreamMessage,
	job *models.ImportJob,
	logger *zap.Logger,
	summary *models.ImportSummary,
	procErr error,
	elapsed time.Duration,
) error {
	// 关闭过程中也要把任务状态写回 Redis
	settleCtx, cancel := context.WithTimeout(context.Background(), bookkeepingWindow)
	defer cancel()

	result := models.JobResult{
		JobID:    job.ID,
		FilePath: job.FilePath,
		Attempt:  job.Attempt,
		Summary:  summary,
	}

	switch {
	case procErr == nil:
		result.Result = models.JobResultCompleted
		logger.Info("Import job completed", zap.Duration("elapsed", elapsed))

	case job.Attempt < c.maxAttempts:
		result.Result = models.JobResultRetrying
		result.Error = procErr.Error()
		delay := c.retryDelay(job.Attempt)
		if err := c.scheduleRetry(settleCtx, job, delay); err != nil {
			return err
		}
		logger.Warn("Import job failed, scheduled for retry",
			zap.Error(procErr),
			zap.Duration("retry_in", delay),
		)

	default:
		result.Result = models.JobResultFailed
		result.Error = procErr.Error()
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := c.publishDeadLetter(settleCtx, string(data), procErr); err != nil {
			return err
		}
		logger.Error("Import job failed, attempts exhausted", zap.Error(procErr))
	}

	if err := rediscommon.Ack(settleCtx, c.redisClient, c.stream, c.consumerGroup, msg.ID); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", job.ID, err)
	}

	c.metrics.JobFinished(result.Result, elapsed)
	result.FinishedAt = c.now().UTC()
	if c.notifier != nil {
		if err := c.notifier.Notify(settleCtx, result); err != nil {
			logger.Warn("Failed to publish job result", zap.Error(err))
		}
	}
	return nil
}

// requeue 将任务原样写回任务流并确认原消息，尝试次数不变
func (c *JobConsumer) requeue(msg rediscommon.StreamMessage, logger *zap.Logger) error {
	settleCtx, cancel := context.WithTimeout(context.Background(), bookkeepingWindow)
	defer cancel()

	if _, err := rediscommon.PublishToStream(settleCtx, c.redisClient, c.stream, map[string]interface{}{
		"data":      rawData(msg.Values),
		"timestamp": c.now().Unix(),
	}); err != nil {
		return fmt.Errorf("failed to requeue message %s: %w", msg.ID, err)
	}
	if err := rediscommon.Ack(settleCtx, c.redisClient, c.stream, c.consumerGroup, msg.ID); err != nil {
		return fmt.Errorf("failed to ack requeued message %s: %w", msg.ID, err)
	}

	logger.Info("Import job interrupted by shutdown, requeued")
	return nil
}

// discardInvalid 无法解析的消息直接转入死信流
func (c *JobConsumer) discardInvalid(msg rediscommon.StreamMessage, cause error) error {
	c.logger.Error("Invalid import job message, moving to dead letter",
		zap.String("message_id", msg.ID),
		zap.Error(cause),
	)
	settleCtx, cancel := context.WithTimeout(context.Background(), bookkeepingWindow)
	defer cancel()
	if err := c.publishDeadLetter(settleCtx, rawData(msg.Values), cause); err != nil {
		return err
	}
	return rediscommon.Ack(settleCtx, c.redisClient, c.stream, c.consumerGroup, msg.ID)
}

func (c *JobConsumer) jobLogger(job *models.ImportJob) *zap.Logger {
	return c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("file_path", job.FilePath),
		zap.Int("attempt", job.Attempt),
	)
}

// retryDelay 第 attempt 次失败后的等待时间：backoff * 2^(attempt-1)
func (c *JobConsumer) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.backoff << uint(attempt-1)
}

// scheduleRetry 将任务放入延迟重试队列（score 为到期时间毫秒）
func (c *JobConsumer) scheduleRetry(ctx context.Context, job *models.ImportJob, delay time.Duration) error {
	next := *job
	next.Attempt = job.Attempt + 1

	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	due := c.now().Add(delay).UnixMilli()
	if err := c.redisClient.ZAdd(ctx, c.retryKey, &redis.Z{
		Score:  float64(due),
		Member: string(data),
	}).Err(); err != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", job.ID, err)
	}
	return nil
}

// promoteDueJobs 将到期的重试任务重新写回任务流
func (c *JobConsumer) promoteDueJobs(ctx context.Context) (int, error) {
	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	members, err := c.redisClient.ZRangeByScore(ctx, c.retryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read retry queue: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// ZREM 成功的消费者负责写回，避免多实例重复提升
		removed, err := c.redisClient.ZRem(ctx, c.retryKey, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim retry job: %w", err)
		}
		if removed == 0 {
			continue
		}

		if _, err := rediscommon.PublishToStream(ctx, c.redisClient, c.stream, map[string]interface{}{
			"data":      member,
			"timestamp": c.now().Unix(),
		}); err != nil {
			return promoted, fmt.Errorf("failed to promote retry job: %w", err)
		}
		promoted++
	}

	if promoted > 0 {
		c.logger.Debug("Promoted retry jobs", zap.Int("count", promoted))
	}
	return promoted, nil
}

func (c *JobConsumer) publishDeadLetter(ctx context.Context, data string, cause error) error {
	_, err := rediscommon.PublishToStream(ctx, c.redisClient, c.deadLetter, map[string]interface{}{
		"data":      data,
		"error":     cause.Error(),
		"failed_at": c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to dead letter stream %s: %w", c.deadLetter, err)
	}
	return nil
}

func rawData(values map[string]interface{}) string {
	if s, ok := values["data"].(string); ok {
		return s
	}
	return ""
}

func decodeJob(values map[string]interface{}) (*models.ImportJob, error) {
	data := rawData(values)
	if data == "" {
		return nil, errors.New("missing data field")
	}

	var job models.ImportJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.FilePath == "" {
		return nil, errors.New("job has no file_path")
	}
	if job.Attempt < 1 {
		job.Attempt = 1
	}
	return &job, nil
}
