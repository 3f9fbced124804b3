package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clocking-import/internal/models"
	"clocking-import/internal/repository"

	"go.uber.org/zap"
)

// DefaultDelayThreshold 没有迟到规则时的宽限分钟数
const DefaultDelayThreshold = 5

// ErrInvalidSchedule 排班时区或上班时间无法解析
var ErrInvalidSchedule = errors.New("invalid schedule")

// Outcome 单次评估对迟到异常的处理结果
type Outcome string

const (
	OutcomeCleared   Outcome = "cleared"   // 无迟到，删除 pending 异常（可能本来就没有）
	OutcomeCreated   Outcome = "created"   // 新建 pending 异常
	OutcomeUpdated   Outcome = "updated"   // 原地刷新分钟数和规则，状态不变
	OutcomeUnchanged Outcome = "unchanged" // 已驳回，不再修改
)

// Input 一条已落库的考勤及其排班
type Input struct {
	EmployeeID   string
	AttendanceID string
	Date         string // YYYY-MM-DD
	CheckIn      *time.Time
	Schedule     *models.Schedule
}

// DelayEvaluator 迟到评估器
type DelayEvaluator struct {
	incidences repository.IncidenceRepository
	logger     *zap.Logger
}

// NewDelayEvaluator 创建迟到评估器
func NewDelayEvaluator(incidences repository.IncidenceRepository, logger *zap.Logger) *DelayEvaluator {
	return &DelayEvaluator{
		incidences: incidences,
		logger:     logger,
	}
}

// Evaluate 根据上班时间和规则（阈值升序）创建、更新或清除迟到异常
func (e *DelayEvaluator) Evaluate(ctx context.Context, in Input, rules []models.IncidenceRule) (Outcome, error) {
	// 没有打卡或没有排班，无法判断迟到
	if in.CheckIn == nil || in.Schedule == nil {
		return e.clear(ctx, in)
	}

	start, err := ScheduledStart(in.Date, in.Schedule)
	if err != nil {
		return "", err
	}

	minutesLate := MinutesLate(*in.CheckIn, start)
	if minutesLate <= 0 || minutesLate < BaseThreshold(rules) {
		return e.clear(ctx, in)
	}

	rule := SelectRule(rules, minutesLate)
	var ruleID *string
	if rule != nil {
		id := rule.ID
		ruleID = &id
	}

	inc, created, err := e.incidences.FindOrCreateDelay(ctx, &models.Incidence{
		EmployeeID:   in.EmployeeID,
		AttendanceID: in.AttendanceID,
		RuleID:       ruleID,
		Type:         models.IncidenceTypeDelay,
		OccurredAt:   *in.CheckIn,
		Minutes:      minutesLate,
		Status:       models.IncidenceStatusPending,
	})
	if err != nil {
		return "", fmt.Errorf("failed to find or create delay incidence: %w", err)
	}
	if created {
		e.logger.Debug("Delay incidence created",
			zap.String("employee_id", in.EmployeeID),
			zap.String("attendance_id", in.AttendanceID),
			zap.Int("minutes_late", minutesLate),
		)
		return OutcomeCreated, nil
	}

	// 人工驳回后不再修改
	if inc.Status == models.IncidenceStatusDismissed {
		return OutcomeUnchanged, nil
	}

	inc.Minutes = minutesLate
	inc.OccurredAt = *in.CheckIn
	if ruleID != nil {
		inc.RuleID = ruleID
	}
	if err := e.incidences.UpdateDelay(ctx, inc); err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

func (e *DelayEvaluator) clear(ctx context.Context, in Input) (Outcome, error) {
	n, err := e.incidences.ClearPendingDelay(ctx, in.EmployeeID, in.AttendanceID)
	if err != nil {
		return "", err
	}
	if n > 0 {
		e.logger.Debug("Pending delay incidence cleared",
			zap.String("employee_id", in.EmployeeID),
			zap.String("attendance_id", in.AttendanceID),
		)
	}
	return OutcomeCleared, nil
}

// ScheduledStart 把考勤日期和排班上班时间组合成绝对时间（排班时区，默认 UTC）
func ScheduledStart(date string, schedule *models.Schedule) (time.Time, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(schedule.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, schedule.Timezone, err)
		}
		loc = l
	}

	day, err := time.Parse(models.DateLayout, date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid attendance date %q: %w", date, err)
	}

	clock, err := parseClock(schedule.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: start time %q", ErrInvalidSchedule, schedule.StartTime)
	}

	return time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, loc), nil
}

func parseClock(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("15:04:05", s); err == nil {
		return t, nil
	}
	return time.Parse("15:04", s)
}

// MinutesLate 迟到整分钟数，向零截断（提前到达为负）
func MinutesLate(checkIn, scheduledStart time.Time) int {
	return int(checkIn.Sub(scheduledStart) / time.Minute)
}

// BaseThreshold 第一条规则的阈值；没有规则时使用默认宽限
func BaseThreshold(rules []models.IncidenceRule) int {
	if len(rules) == 0 {
		return DefaultDelayThreshold
	}
	if t := rules[0].Threshold(); t > 0 {
		return t
	}
	return 0
}

// SelectRule 阶梯匹配：返回不超过迟到分钟数的最大阈值规则
func SelectRule(rules []models.IncidenceRule, minutesLate int) *models.IncidenceRule {
	var matched *models.IncidenceRule
	for i := range rules {
		if rules[i].Threshold() > minutesLate {
			break
		}
		matched = &rules[i]
	}
	return matched
}
