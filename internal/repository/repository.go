package repository

import (
	"context"
	"errors"

	"clocking-import/internal/models"
)

// ErrEmployeeNotFound 工号或员工 ID 无法解析
var ErrEmployeeNotFound = errors.New("employee not found")

// RawPunchRepository 原始打卡审计记录
type RawPunchRepository interface {
	// Insert 只追加，不做去重
	Insert(ctx context.Context, punch *models.RawPunch) error
	// List 按打卡时间倒序，status 为空时不过滤
	List(ctx context.Context, status string, limit int) ([]models.RawPunch, error)
}

// AttendanceRepository 单日考勤，(employee_id, date) 唯一
type AttendanceRepository interface {
	// Find 不存在时返回 (nil, nil)
	Find(ctx context.Context, employeeID, date string) (*models.AttendanceDay, error)
	// Upsert 按 (employee_id, date) 插入或原地更新，返回存储后的记录（含 ID）
	Upsert(ctx context.Context, day *models.AttendanceDay) (*models.AttendanceDay, error)
}

// IncidenceRepository 迟到异常
type IncidenceRepository interface {
	// FindOrCreateDelay 查找该考勤的迟到异常，不存在时以 candidate 创建
	// created 为 true 表示本次新建
	FindOrCreateDelay(ctx context.Context, candidate *models.Incidence) (inc *models.Incidence, created bool, err error)
	// UpdateDelay 更新分钟数、规则和发生时间，不修改状态；已驳回的不更新
	UpdateDelay(ctx context.Context, inc *models.Incidence) error
	// ClearPendingDelay 只删除 pending 状态的迟到异常
	ClearPendingDelay(ctx context.Context, employeeID, attendanceID string) (int64, error)
}

// RuleRepository 异常规则目录
type RuleRepository interface {
	// ListDelayRules 按阈值升序（空值视为 0）
	ListDelayRules(ctx context.Context) ([]models.IncidenceRule, error)
}

// Directory 员工目录
type Directory interface {
	// FindByCode 未找到时返回 ErrEmployeeNotFound
	FindByCode(ctx context.Context, code string) (*models.Employee, error)
	FindByID(ctx context.Context, id string) (*models.Employee, error)
}
