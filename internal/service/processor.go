package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"clocking-import/internal/accumulator"
	"clocking-import/internal/config"
	"clocking-import/internal/evaluator"
	"clocking-import/internal/ingest"
	"clocking-import/internal/metrics"
	"clocking-import/internal/models"
	"clocking-import/internal/repository"

	"go.uber.org/zap"
)

// Repositories 导入流程依赖的存储
type Repositories struct {
	RawPunches repository.RawPunchRepository
	Attendance repository.AttendanceRepository
	Incidences repository.IncidenceRepository
	Rules      repository.RuleRepository
	Directory  repository.Directory
}

// ImportProcessor 执行单个打卡文件导入：解析 -> 累加 -> 刷新 -> 迟到评估
type ImportProcessor struct {
	cfg       *config.Config
	repos     Repositories
	evaluator *evaluator.DelayEvaluator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewImportProcessor 创建导入处理器
func NewImportProcessor(cfg *config.Config, repos Repositories, m *metrics.Metrics, logger *zap.Logger) *ImportProcessor {
	return &ImportProcessor{
		cfg:       cfg,
		repos:     repos,
		evaluator: evaluator.NewDelayEvaluator(repos.Incidences, logger),
		metrics:   m,
		logger:    logger,
	}
}

// Process 导入一个文件；返回错误时文件保留以便重试
func (p *ImportProcessor) Process(ctx context.Context, job *models.ImportJob) (*models.ImportSummary, error) {
	logger := p.logger.With(zap.String("job_id", job.ID), zap.String("file_path", job.FilePath))

	if _, err := os.Stat(job.FilePath); err != nil {
		return nil, fmt.Errorf("clocking file not available: %w", err)
	}

	format, err := ingest.ResolveFormat(job.FilePath, job.Format)
	if err != nil {
		return nil, err
	}

	rules, err := p.repos.Rules.ListDelayRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load delay rules: %w", err)
	}
	if len(rules) == 0 {
		logger.Warn("No delay rules configured, using default threshold",
			zap.Int("threshold_minutes", evaluator.DefaultDelayThreshold))
	}

	reader, err := ingest.Open(job.FilePath, p.ingestOptions(job, format, logger))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	acc := accumulator.New(
		p.repos.Attendance,
		p.repos.RawPunches,
		p.repos.Directory,
		p.evaluator,
		p.metrics,
		logger,
		accumulator.Options{
			BatchSize:  p.cfg.Import.BatchSize,
			Location:   p.location(logger),
			SourceFile: filepath.Base(job.FilePath),
			Rules:      rules,
		},
	)

	start := time.Now()
	for {
		punch, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read clocking file: %w", err)
		}
		if err := acc.Add(ctx, punch); err != nil {
			return nil, err
		}
	}

	if err := acc.Flush(ctx); err != nil {
		return nil, err
	}

	ingestStats := reader.Stats()
	p.metrics.RowsSkipped("malformed", ingestStats.Malformed)
	p.metrics.RowsSkipped("bad_timestamp", ingestStats.BadTimestamp)
	p.metrics.RowsSkipped("duplicate", ingestStats.Duplicates)

	accStats := acc.Stats()
	summary := &models.ImportSummary{
		Processed:         accStats.Processed,
		Unresolved:        accStats.Unresolved,
		Skipped:           ingestStats.Skipped(),
		Duplicates:        ingestStats.Duplicates,
		Flushes:           accStats.Flushes,
		AttendanceUpserts: accStats.AttendanceUpserts,
		EvaluationErrors:  accStats.EvaluationErrors,
	}

	reader.Close()
	if err := os.Remove(job.FilePath); err != nil {
		logger.Warn("Failed to delete imported clocking file", zap.Error(err))
	}

	logger.Info("Clockings import completed",
		zap.String("format", format),
		zap.Int("processed", summary.Processed),
		zap.Int("unresolved", summary.Unresolved),
		zap.Int("skipped", summary.Skipped),
		zap.Int("attendance_upserts", summary.AttendanceUpserts),
		zap.Int("evaluation_errors", summary.EvaluationErrors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// ingestOptions 合并全局配置与任务参数
func (p *ImportProcessor) ingestOptions(job *models.ImportJob, format string, logger *zap.Logger) ingest.Options {
	delimiter := job.Delimiter
	if delimiter == "" {
		switch format {
		case ingest.FormatDAT:
			delimiter = p.cfg.Import.DatDelimiter
		case ingest.FormatCSV:
			delimiter = p.cfg.Import.CSVDelimiter
		}
	}

	columns := make(map[string]string, len(p.cfg.Import.Columns)+len(job.Columns))
	for k, v := range p.cfg.Import.Columns {
		columns[k] = v
	}
	for k, v := range job.Columns {
		if v != "" {
			columns[k] = v
		}
	}

	return ingest.Options{
		Format:    format,
		Delimiter: delimiter,
		Columns:   columns,
		Timezone:  p.cfg.Import.Timezone,
		DatLayout: job.DatLayout,
		Logger:    logger,
	}
}

func (p *ImportProcessor) location(logger *zap.Logger) *time.Location {
	if p.cfg.Import.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(p.cfg.Import.Timezone)
	if err != nil {
		logger.Warn("Unknown clocking timezone, using local time for attendance dates",
			zap.String("timezone", p.cfg.Import.Timezone), zap.Error(err))
		return time.Local
	}
	return loc
}
