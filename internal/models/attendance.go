package models

import "time"

// 考勤记录默认取值
const (
	AttendanceStatusPresent = "present"
	AttendanceSourceImport  = "import"
)

// DateLayout 考勤日期格式（自然日，无时间部分）
const DateLayout = "2006-01-02"

// AttendanceDay 员工单日考勤（对应 attendance_computed 表，(employee_id, date) 唯一）
type AttendanceDay struct {
	ID           string     `json:"id" db:"id"`
	EmployeeID   string     `json:"employee_id" db:"employee_id"`
	Date         string     `json:"date" db:"date"` // YYYY-MM-DD
	CheckIn      *time.Time `json:"check_in,omitempty" db:"check_in"`
	CheckOut     *time.Time `json:"check_out,omitempty" db:"check_out"`
	TotalMinutes *int       `json:"total_minutes,omitempty" db:"total_minutes"`
	Status       string     `json:"status" db:"status"`
	Source       string     `json:"source" db:"source"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}
