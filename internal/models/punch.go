package models

import (
	"encoding/json"
	"time"
)

// 打卡审计记录状态
const (
	RawPunchStatusProcessed = "processed"
	RawPunchStatusError     = "error"
)

// RawPunch 原始打卡审计记录（对应 raw_clockings 表，只追加不更新）
type RawPunch struct {
	ID           string          `json:"id" db:"id"`
	EmployeeCode string          `json:"employee_code" db:"employee_code"`
	EmployeeID   *string         `json:"employee_id,omitempty" db:"employee_id"` // 未匹配到员工时为空
	DeviceID     string          `json:"device_id" db:"device_id"`
	ClockedAt    time.Time       `json:"clocked_at" db:"clocked_at"` // UTC
	SourceFile   string          `json:"source_file" db:"source_file"`
	Status       string          `json:"status" db:"status"` // processed, error
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	RawPayload   json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"` // JSONB
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
