package models

import "time"

// 异常类型
const (
	IncidenceTypeDelay = "delay"
)

// 异常状态
const (
	IncidenceStatusPending      = "pending"
	IncidenceStatusAcknowledged = "acknowledged"
	IncidenceStatusDismissed    = "dismissed"
)

// IncidenceRule 异常规则（对应 incidence_rules 表，由外部维护）
type IncidenceRule struct {
	ID               string  `json:"id" db:"id"`
	Name             string  `json:"name" db:"name"`
	Type             string  `json:"type" db:"type"` // delay, absence, overtime
	ThresholdMinutes *int    `json:"threshold_minutes,omitempty" db:"threshold_minutes"`
	Penalty          *string `json:"penalty,omitempty" db:"penalty"`
}

// Threshold 阈值（空值按 0 处理）
func (r IncidenceRule) Threshold() int {
	if r.ThresholdMinutes == nil {
		return 0
	}
	return *r.ThresholdMinutes
}

// Incidence 考勤异常（对应 incidences 表）
type Incidence struct {
	ID           string    `json:"id" db:"id"`
	EmployeeID   string    `json:"employee_id" db:"employee_id"`
	AttendanceID string    `json:"attendance_id" db:"attendance_id"`
	RuleID       *string   `json:"rule_id,omitempty" db:"rule_id"`
	Type         string    `json:"type" db:"type"`
	OccurredAt   time.Time `json:"occurred_at" db:"occurred_at"`
	Minutes      int       `json:"minutes" db:"minutes"`
	Status       string    `json:"status" db:"status"` // pending, acknowledged, dismissed
	Notes        *string   `json:"notes,omitempty" db:"notes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
