package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	rediscommon "clocking-import/common/redis"
	"clocking-import/internal/config"
	"clocking-import/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	errs []error // 按调用顺序返回
	jobs []models.ImportJob
}

func (f *fakeProcessor) Process(ctx context.Context, job *models.ImportJob) (*models.ImportSummary, error) {
	f.jobs = append(f.jobs, *job)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	return &models.ImportSummary{Processed: 2}, nil
}

type recordingNotifier struct {
	results []models.JobResult
}

func (r *recordingNotifier) Notify(_ context.Context, result models.JobResult) error {
	r.results = append(r.results, result)
	return nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Import.Stream = "clockings:import:stream"
	cfg.Import.RetryKey = "clockings:import:retry"
	cfg.Import.DeadLetterStream = "clockings:import:failed"
	cfg.Import.ConsumerGroup = "clocking-import-group"
	cfg.Import.ConsumerName = "worker-1"
	cfg.Import.ReadCount = 10
	cfg.Import.MaxAttempts = 3
	cfg.Import.Backoff = 5 * time.Second
	cfg.Import.JobTimeout = time.Minute
	return cfg
}

func setupConsumer(t *testing.T, proc Processor) (*JobConsumer, *redis.Client, *recordingNotifier) {
	c, client, notifier, _ := setupConsumerWithServer(t, proc)
	return c, client, notifier
}

func setupConsumerWithServer(t *testing.T, proc Processor) (*JobConsumer, *redis.Client, *recordingNotifier, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	notifier := &recordingNotifier{}
	c := NewJobConsumer(testConfig(), client, proc, notifier, nil, zap.NewNop())

	fixed := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	require.NoError(t, client.XGroupCreateMkStream(context.Background(), c.stream, c.consumerGroup, "0").Err())
	return c, client, notifier, mr
}

func enqueue(t *testing.T, client *redis.Client, stream string, job *models.ImportJob) {
	require.NoError(t, NewQueue(client, stream).Enqueue(context.Background(), job))
}

func pendingCount(t *testing.T, client *redis.Client, c *JobConsumer) int64 {
	pending, err := client.XPending(context.Background(), c.stream, c.consumerGroup).Result()
	require.NoError(t, err)
	return pending.Count
}

func TestConsumeOnce_Success(t *testing.T) {
	proc := &fakeProcessor{}
	c, client, notifier := setupConsumer(t, proc)
	ctx := context.Background()

	enqueue(t, client, c.stream, &models.ImportJob{FilePath: "/tmp/uploads/1-a.csv"})

	require.NoError(t, c.consumeOnce(ctx))

	require.Len(t, proc.jobs, 1)
	assert.Equal(t, 1, proc.jobs[0].Attempt)
	assert.NotEmpty(t, proc.jobs[0].ID)

	require.Len(t, notifier.results, 1)
	assert.Equal(t, models.JobResultCompleted, notifier.results[0].Result)
	require.NotNil(t, notifier.results[0].Summary)
	assert.Equal(t, 2, notifier.results[0].Summary.Processed)

	assert.Equal(t, int64(0), pendingCount(t, client, c))
	assert.Equal(t, int64(0), client.ZCard(ctx, c.retryKey).Val())
}

func TestConsumeOnce_FailureSchedulesRetry(t *testing.T) {
	proc := &fakeProcessor{errs: []error{errors.New("database unavailable")}}
	c, client, notifier := setupConsumer(t, proc)
	ctx := context.Background()

	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-1", FilePath: "/tmp/uploads/1-a.csv"})

	require.NoError(t, c.consumeOnce(ctx))

	members, err := client.ZRangeWithScores(ctx, c.retryKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, float64(c.now().Add(5*time.Second).UnixMilli()), members[0].Score)

	var retried models.ImportJob
	require.NoError(t, json.Unmarshal([]byte(members[0].Member.(string)), &retried))
	assert.Equal(t, "job-1", retried.ID)
	assert.Equal(t, 2, retried.Attempt)

	require.Len(t, notifier.results, 1)
	assert.Equal(t, models.JobResultRetrying, notifier.results[0].Result)
	assert.Equal(t, "database unavailable", notifier.results[0].Error)
	assert.Equal(t, int64(0), pendingCount(t, client, c))
}

func TestConsumeOnce_RetryPromotedWhenDue(t *testing.T) {
	proc := &fakeProcessor{errs: []error{errors.New("boom"), nil}}
	c, client, notifier := setupConsumer(t, proc)
	ctx := context.Background()

	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-1", FilePath: "/tmp/uploads/1-a.csv"})
	require.NoError(t, c.consumeOnce(ctx))

	// 未到期不提升
	promoted, err := c.promoteDueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)

	later := c.now().Add(6 * time.Second)
	c.now = func() time.Time { return later }

	require.NoError(t, c.consumeOnce(ctx))

	require.Len(t, proc.jobs, 2)
	assert.Equal(t, 2, proc.jobs[1].Attempt)
	require.Len(t, notifier.results, 2)
	assert.Equal(t, models.JobResultCompleted, notifier.results[1].Result)
	assert.Equal(t, int64(0), client.ZCard(ctx, c.retryKey).Val())
}

func TestConsumeOnce_ExhaustedGoesToDeadLetter(t *testing.T) {
	proc := &fakeProcessor{errs: []error{errors.New("file is corrupt")}}
	c, client, notifier := setupConsumer(t, proc)
	ctx := context.Background()

	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-9", FilePath: "/tmp/uploads/1-a.csv", Attempt: 3})

	require.NoError(t, c.consumeOnce(ctx))

	dead, err := client.XRange(ctx, c.deadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "file is corrupt", dead[0].Values["error"])
	assert.Contains(t, dead[0].Values["data"], `"id":"job-9"`)

	assert.Equal(t, int64(0), client.ZCard(ctx, c.retryKey).Val())
	require.Len(t, notifier.results, 1)
	assert.Equal(t, models.JobResultFailed, notifier.results[0].Result)
	assert.Equal(t, int64(0), pendingCount(t, client, c))
}

func TestConsumeOnce_InvalidMessage(t *testing.T) {
	proc := &fakeProcessor{}
	c, client, notifier := setupConsumer(t, proc)
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{"data": "not json"},
	}).Err())

	require.NoError(t, c.consumeOnce(ctx))

	assert.Empty(t, proc.jobs)
	assert.Empty(t, notifier.results)

	dead, err := client.XRange(ctx, c.deadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "not json", dead[0].Values["data"])
	assert.Equal(t, int64(0), pendingCount(t, client, c))
}

// readWithoutAck 模拟消费者读取任务后崩溃
func readWithoutAck(t *testing.T, client *redis.Client, c *JobConsumer, consumerName string) {
	msgs, err := rediscommon.ReadFromStream(context.Background(), client, c.stream, c.consumerGroup, consumerName, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func retryJobs(t *testing.T, client *redis.Client, c *JobConsumer) []models.ImportJob {
	members, err := client.ZRange(context.Background(), c.retryKey, 0, -1).Result()
	require.NoError(t, err)
	jobs := make([]models.ImportJob, 0, len(members))
	for _, m := range members {
		var job models.ImportJob
		require.NoError(t, json.Unmarshal([]byte(m), &job))
		jobs = append(jobs, job)
	}
	return jobs
}

func TestRecoverPending_SettlesOwnUnackedJobs(t *testing.T) {
	proc := &fakeProcessor{}
	c, client, notifier := setupConsumer(t, proc)
	ctx := context.Background()

	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-1", FilePath: "/tmp/uploads/1-a.csv"})
	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-2", FilePath: "/tmp/uploads/2-b.csv", Attempt: 3})
	msgs, err := rediscommon.ReadFromStream(ctx, client, c.stream, c.consumerGroup, c.consumerName, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, c.recoverPending(ctx))

	assert.Empty(t, proc.jobs)
	assert.Equal(t, int64(0), pendingCount(t, client, c))

	retried := retryJobs(t, client, c)
	require.Len(t, retried, 1)
	assert.Equal(t, "job-1", retried[0].ID)
	assert.Equal(t, 2, retried[0].Attempt)

	dead, err := client.XRange(ctx, c.deadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "job abandoned by worker", dead[0].Values["error"])
	assert.Contains(t, dead[0].Values["data"], `"id":"job-2"`)

	require.Len(t, notifier.results, 2)
	assert.Equal(t, models.JobResultRetrying, notifier.results[0].Result)
	assert.Equal(t, "job abandoned by worker", notifier.results[0].Error)
	assert.Equal(t, models.JobResultFailed, notifier.results[1].Result)
}

func TestStart_RecoversPendingBeforeReading(t *testing.T) {
	c, client, _ := setupConsumer(t, &fakeProcessor{})
	c.readBlock = 50 * time.Millisecond

	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-1", FilePath: "/tmp/uploads/1-a.csv"})
	readWithoutAck(t, client, c, c.consumerName)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), c.stream, c.consumerGroup).Result()
		return err == nil && pending.Count == 0 && client.ZCard(context.Background(), c.retryKey).Val() == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}

	retried := retryJobs(t, client, c)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].Attempt)
}

func TestReclaimStale_ClaimsIdleJobFromOtherConsumer(t *testing.T) {
	proc := &fakeProcessor{}
	c, client, notifier, mr := setupConsumerWithServer(t, proc)
	ctx := context.Background()

	base := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	mr.SetTime(base)
	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-1", FilePath: "/tmp/uploads/1-a.csv"})
	readWithoutAck(t, client, c, "worker-0")

	// 未超过 claimIdle 不认领
	mr.SetTime(base.Add(30 * time.Second))
	claimed, err := c.reclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
	assert.Equal(t, int64(1), pendingCount(t, client, c))

	mr.SetTime(base.Add(c.claimIdle + time.Second))
	require.NoError(t, c.consumeOnce(ctx))

	assert.Empty(t, proc.jobs)
	assert.Equal(t, int64(0), pendingCount(t, client, c))

	retried := retryJobs(t, client, c)
	require.Len(t, retried, 1)
	assert.Equal(t, "job-1", retried[0].ID)
	assert.Equal(t, 2, retried[0].Attempt)

	require.Len(t, notifier.results, 1)
	assert.Equal(t, models.JobResultRetrying, notifier.results[0].Result)
	assert.Equal(t, "job abandoned by worker", notifier.results[0].Error)
}

func TestReclaimStale_ExhaustedGoesToDeadLetter(t *testing.T) {
	c, client, notifier, mr := setupConsumerWithServer(t, &fakeProcessor{})
	ctx := context.Background()

	base := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	mr.SetTime(base)
	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-9", FilePath: "/tmp/uploads/1-a.csv", Attempt: 3})
	readWithoutAck(t, client, c, "worker-0")

	mr.SetTime(base.Add(c.claimIdle + time.Second))
	claimed, err := c.reclaimStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	dead, err := client.XRange(ctx, c.deadLetter, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Values["data"], `"id":"job-9"`)
	assert.Equal(t, int64(0), client.ZCard(ctx, c.retryKey).Val())
	assert.Equal(t, int64(0), pendingCount(t, client, c))

	require.Len(t, notifier.results, 1)
	assert.Equal(t, models.JobResultFailed, notifier.results[0].Result)
}

func TestNewJobConsumer_ClaimIdle(t *testing.T) {
	cfg := testConfig()
	c := NewJobConsumer(cfg, nil, nil, nil, nil, zap.NewNop())
	assert.Equal(t, time.Minute+bookkeepingWindow, c.claimIdle)

	cfg.Import.JobTimeout = 0
	c = NewJobConsumer(cfg, nil, nil, nil, nil, zap.NewNop())
	assert.Equal(t, defaultClaimIdle, c.claimIdle)
}

// cancellingProcessor 处理第一个任务时触发关闭
type cancellingProcessor struct {
	cancel context.CancelFunc
	calls  int
}

func (p *cancellingProcessor) Process(ctx context.Context, job *models.ImportJob) (*models.ImportSummary, error) {
	p.calls++
	p.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsumeOnce_ShutdownRequeuesWithoutAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proc := &cancellingProcessor{cancel: cancel}
	c, client, notifier := setupConsumer(t, proc)
	bg := context.Background()

	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-1", FilePath: "/tmp/uploads/1-a.csv"})
	enqueue(t, client, c.stream, &models.ImportJob{ID: "job-2", FilePath: "/tmp/uploads/2-b.csv", Attempt: 2})

	require.NoError(t, c.consumeOnce(ctx))

	// 第二个任务未开始处理
	assert.Equal(t, 1, proc.calls)
	assert.Empty(t, notifier.results)
	assert.Equal(t, int64(0), pendingCount(t, client, c))
	assert.Equal(t, int64(0), client.ZCard(bg, c.retryKey).Val())
	assert.Equal(t, int64(0), client.XLen(bg, c.deadLetter).Val())

	msgs, err := client.XRange(bg, c.stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	// 重启后按原尝试次数重新处理
	next := &fakeProcessor{}
	c.processor = next
	require.NoError(t, c.consumeOnce(bg))

	require.Len(t, next.jobs, 2)
	assert.Equal(t, "job-1", next.jobs[0].ID)
	assert.Equal(t, 1, next.jobs[0].Attempt)
	assert.Equal(t, "job-2", next.jobs[1].ID)
	assert.Equal(t, 2, next.jobs[1].Attempt)
	require.Len(t, notifier.results, 2)
	assert.Equal(t, models.JobResultCompleted, notifier.results[0].Result)
}

func TestRetryDelay(t *testing.T) {
	c := NewJobConsumer(testConfig(), nil, nil, nil, nil, zap.NewNop())

	assert.Equal(t, 5*time.Second, c.retryDelay(1))
	assert.Equal(t, 10*time.Second, c.retryDelay(2))
	assert.Equal(t, 20*time.Second, c.retryDelay(3))
	assert.Equal(t, 5*time.Second, c.retryDelay(0))
}

type signalProcessor struct {
	done chan string
}

func (s *signalProcessor) Process(ctx context.Context, job *models.ImportJob) (*models.ImportSummary, error) {
	s.done <- job.FilePath
	return &models.ImportSummary{}, nil
}

func TestStart_StopsOnCancel(t *testing.T) {
	proc := &signalProcessor{done: make(chan string, 1)}
	c, client, _ := setupConsumer(t, proc)
	c.readBlock = 50 * time.Millisecond

	enqueue(t, client, c.stream, &models.ImportJob{FilePath: "/tmp/uploads/1-a.csv"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	select {
	case path := <-proc.done:
		assert.Equal(t, "/tmp/uploads/1-a.csv", path)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not processed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestQueue_EnqueueFillsDefaults(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	job := &models.ImportJob{FilePath: "/tmp/uploads/1-a.dat", Format: "dat"}
	require.NoError(t, NewQueue(client, "jobs").Enqueue(context.Background(), job))

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.False(t, job.EnqueuedAt.IsZero())

	msgs, err := client.XRange(context.Background(), "jobs", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Values["data"], `"format":"dat"`)
}
