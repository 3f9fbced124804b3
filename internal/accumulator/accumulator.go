package accumulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"clocking-import/internal/evaluator"
	"clocking-import/internal/ingest"
	"clocking-import/internal/metrics"
	"clocking-import/internal/models"
	"clocking-import/internal/repository"

	"go.uber.org/zap"
)

// DefaultBatchSize 默认每处理多少条打卡刷新一次
const DefaultBatchSize = 250

const unresolvedMessage = "Employee not found"

// Evaluator 迟到评估（*evaluator.DelayEvaluator 实现）
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluator.Input, rules []models.IncidenceRule) (evaluator.Outcome, error)
}

// Options 单个任务的累加参数
type Options struct {
	BatchSize  int
	Location   *time.Location // 计算自然日所用时区
	SourceFile string
	Rules      []models.IncidenceRule // 迟到规则，阈值升序
}

// Stats 累加统计
type Stats struct {
	Processed         int
	Unresolved        int
	Flushes           int
	AttendanceUpserts int
	EvaluationErrors  int
}

type dayKey struct {
	employeeID string
	date       string
}

// Accumulator 按 (员工, 自然日) 聚合打卡，定期刷新为考勤
// 只在单个任务内使用，非并发安全
type Accumulator struct {
	attendance repository.AttendanceRepository
	rawPunches repository.RawPunchRepository
	directory  repository.Directory
	evaluator  Evaluator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       Options

	byCode map[string]*models.Employee // nil 表示工号不存在
	byID   map[string]*models.Employee

	window  map[dayKey][]time.Time
	order   []dayKey
	flushed map[dayKey]struct{} // 本次任务已写入过的键，再次刷新时需合并
	pending int

	stats Stats
}

// New 创建累加器
func New(
	attendance repository.AttendanceRepository,
	rawPunches repository.RawPunchRepository,
	directory repository.Directory,
	eval Evaluator,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts Options,
) *Accumulator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Accumulator{
		attendance: attendance,
		rawPunches: rawPunches,
		directory:  directory,
		evaluator:  eval,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		byCode:     make(map[string]*models.Employee),
		byID:       make(map[string]*models.Employee),
		window:     make(map[dayKey][]time.Time),
		flushed:    make(map[dayKey]struct{}),
	}
}

// Add 记录一条打卡：写审计记录，已解析的员工进入聚合窗口
func (a *Accumulator) Add(ctx context.Context, p *ingest.Punch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	emp, err := a.employeeByCode(ctx, p.EmployeeCode)
	if err != nil {
		return err
	}

	raw := &models.RawPunch{
		EmployeeCode: p.EmployeeCode,
		DeviceID:     p.DeviceID,
		ClockedAt:    p.ClockedAt.UTC(),
		SourceFile:   a.opts.SourceFile,
		Status:       models.RawPunchStatusProcessed,
	}
	if len(p.Raw) > 0 {
		if payload, err := json.Marshal(p.Raw); err == nil {
			raw.RawPayload = payload
		}
	}
	if emp != nil {
		id := emp.ID
		raw.EmployeeID = &id
	} else {
		msg := unresolvedMessage
		raw.Status = models.RawPunchStatusError
		raw.ErrorMessage = &msg
	}

	if err := a.rawPunches.Insert(ctx, raw); err != nil {
		return err
	}
	a.metrics.PunchRecorded(raw.Status)

	if emp != nil {
		key := dayKey{employeeID: emp.ID, date: p.ClockedAt.In(a.opts.Location).Format(models.DateLayout)}
		if _, ok := a.window[key]; !ok {
			a.order = append(a.order, key)
		}
		a.window[key] = append(a.window[key], p.ClockedAt.UTC())
	} else {
		a.stats.Unresolved++
	}

	a.stats.Processed++
	a.pending++
	if a.pending >= a.opts.BatchSize {
		return a.Flush(ctx)
	}
	return nil
}

// Flush 把窗口内的键写入考勤并评估迟到，然后清空窗口
// 存储错误直接返回；单个键的评估失败只记录日志
func (a *Accumulator) Flush(ctx context.Context) error {
	a.pending = 0
	if len(a.window) == 0 {
		return nil
	}

	for _, key := range a.order {
		if err := a.flushKey(ctx, key); err != nil {
			return err
		}
	}

	a.window = make(map[dayKey][]time.Time)
	a.order = a.order[:0]
	a.stats.Flushes++
	return nil
}

func (a *Accumulator) flushKey(ctx context.Context, key dayKey) error {
	instants := a.window[key]

	if _, seen := a.flushed[key]; seen {
		existing, err := a.attendance.Find(ctx, key.employeeID, key.date)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.CheckIn != nil {
				instants = append(instants, *existing.CheckIn)
			}
			if existing.CheckOut != nil {
				instants = append(instants, *existing.CheckOut)
			}
		}
	}

	stored, err := a.attendance.Upsert(ctx, Reconcile(key.employeeID, key.date, instants))
	if err != nil {
		return err
	}
	a.flushed[key] = struct{}{}
	a.stats.AttendanceUpserts++
	a.metrics.AttendanceUpserted()

	emp, err := a.employeeByID(ctx, key.employeeID)
	if err != nil {
		a.logger.Warn("Unable to evaluate incidences due to missing employee",
			zap.String("employee_id", key.employeeID),
			zap.String("date", key.date),
			zap.Error(err),
		)
		return nil
	}
	if emp.Schedule == nil {
		a.logger.Warn("Skipping delay evaluation because schedule is missing",
			zap.String("employee_id", key.employeeID))
	}

	outcome, err := a.evaluator.Evaluate(ctx, evaluator.Input{
		EmployeeID:   key.employeeID,
		AttendanceID: stored.ID,
		Date:         key.date,
		CheckIn:      stored.CheckIn,
		Schedule:     emp.Schedule,
	}, a.opts.Rules)
	if err != nil {
		a.stats.EvaluationErrors++
		a.metrics.EvaluationFailed()
		a.logger.Error("Failed to evaluate delay incidence",
			zap.String("employee_id", key.employeeID),
			zap.String("date", key.date),
			zap.String("attendance_id", stored.ID),
			zap.Error(err),
		)
		return nil
	}
	a.metrics.DelayEvaluated(string(outcome))
	return nil
}

// Stats 当前统计
func (a *Accumulator) Stats() Stats {
	return a.stats
}

// employeeByCode 任务内缓存，未找到的工号也会缓存
func (a *Accumulator) employeeByCode(ctx context.Context, code string) (*models.Employee, error) {
	if emp, ok := a.byCode[code]; ok {
		return emp, nil
	}

	emp, err := a.directory.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrEmployeeNotFound) {
			a.byCode[code] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve employee code %s: %w", code, err)
	}

	a.byCode[code] = emp
	a.byID[emp.ID] = emp
	return emp, nil
}

func (a *Accumulator) employeeByID(ctx context.Context, id string) (*models.Employee, error) {
	if emp, ok := a.byID[id]; ok {
		return emp, nil
	}

	emp, err := a.directory.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	a.byID[id] = emp
	a.byCode[emp.EmployeeCode] = emp
	return emp, nil
}

// Reconcile 由一组打卡时间得出当天考勤
// 首次打卡为上班；至少两个不同时间点时最后一次为下班，并计算总分钟数
func Reconcile(employeeID, date string, instants []time.Time) *models.AttendanceDay {
	day := &models.AttendanceDay{
		EmployeeID: employeeID,
		Date:       date,
		Status:     models.AttendanceStatusPresent,
		Source:     models.AttendanceSourceImport,
	}
	if len(instants) == 0 {
		return day
	}

	sorted := make([]time.Time, len(instants))
	copy(sorted, instants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	first := sorted[0].UTC()
	day.CheckIn = &first

	last := sorted[len(sorted)-1].UTC()
	if last.After(first) {
		day.CheckOut = &last
		total := int(math.Round(last.Sub(first).Minutes()))
		day.TotalMinutes = &total
	}
	return day
}
