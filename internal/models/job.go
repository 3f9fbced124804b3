package models

import "time"

// ImportJob 打卡文件导入任务（Redis Streams 消息体 data 字段）
type ImportJob struct {
	ID           string            `json:"id"`
	FilePath     string            `json:"file_path"`
	Format       string            `json:"format,omitempty"` // csv, dat, xlsx；为空按扩展名推断
	OriginalName string            `json:"original_name,omitempty"`
	UploadedBy   string            `json:"uploaded_by,omitempty"`
	Delimiter    string            `json:"delimiter,omitempty"`
	Columns      map[string]string `json:"columns,omitempty"`
	DatLayout    string            `json:"dat_layout,omitempty"` // auto, split, merged
	Attempt      int               `json:"attempt"`              // 从 1 开始
	EnqueuedAt   time.Time         `json:"enqueued_at"`
}

// 任务结果
const (
	JobResultCompleted = "completed"
	JobResultRetrying  = "retrying"
	JobResultFailed    = "failed"
)

// ImportSummary 单个任务的处理统计
type ImportSummary struct {
	Processed         int `json:"processed"`
	Unresolved        int `json:"unresolved"`
	Skipped           int `json:"skipped"`
	Duplicates        int `json:"duplicates"`
	Flushes           int `json:"flushes"`
	AttendanceUpserts int `json:"attendance_upserts"`
	EvaluationErrors  int `json:"evaluation_errors"`
}

// JobResult 任务结果通知
type JobResult struct {
	JobID      string         `json:"job_id"`
	FilePath   string         `json:"file_path"`
	Result     string         `json:"result"`
	Attempt    int            `json:"attempt"`
	Error      string         `json:"error,omitempty"`
	Summary    *ImportSummary `json:"summary,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}
