package models

// Schedule 排班（对应 schedules 表，由外部维护）
type Schedule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timezone  string `json:"timezone"`   // IANA 时区，空值按 UTC
	StartTime string `json:"start_time"` // "09:00" 或 "09:00:00"
	EndTime   string `json:"end_time"`
}

// Employee 员工目录信息（只取导入需要的字段）
type Employee struct {
	ID           string    `json:"id"`
	EmployeeCode string    `json:"employee_code"`
	Schedule     *Schedule `json:"schedule,omitempty"`
}
