package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clocking-import/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresAttendanceRepo attendance_computed 表
type PostgresAttendanceRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresAttendanceRepo 创建考勤仓库
func NewPostgresAttendanceRepo(db *sql.DB, logger *zap.Logger) *PostgresAttendanceRepo {
	return &PostgresAttendanceRepo{db: db, logger: logger}
}

// Find 查询员工某天的考勤
func (r *PostgresAttendanceRepo) Find(ctx context.Context, employeeID, date string) (*models.AttendanceDay, error) {
	query := `
		SELECT id, employee_id, date::text, check_in, check_out, total_minutes,
		       status, source, created_at, updated_at
		FROM attendance_computed
		WHERE employee_id = $1 AND date = $2
	`

	var (
		day          models.AttendanceDay
		checkIn      sql.NullTime
		checkOut     sql.NullTime
		totalMinutes sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, query, employeeID, date).Scan(
		&day.ID, &day.EmployeeID, &day.Date, &checkIn, &checkOut, &totalMinutes,
		&day.Status, &day.Source, &day.CreatedAt, &day.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}

	if checkIn.Valid {
		t := checkIn.Time.UTC()
		day.CheckIn = &t
	}
	if checkOut.Valid {
		t := checkOut.Time.UTC()
		day.CheckOut = &t
	}
	if totalMinutes.Valid {
		m := int(totalMinutes.Int64)
		day.TotalMinutes = &m
	}
	return &day, nil
}

// Upsert 按 (employee_id, date) 插入或更新
func (r *PostgresAttendanceRepo) Upsert(ctx context.Context, day *models.AttendanceDay) (*models.AttendanceDay, error) {
	id := day.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := day.Status
	if status == "" {
		status = models.AttendanceStatusPresent
	}
	source := day.Source
	if source == "" {
		source = models.AttendanceSourceImport
	}

	var totalMinutes interface{}
	if day.TotalMinutes != nil {
		totalMinutes = *day.TotalMinutes
	}

	query := `
		INSERT INTO attendance_computed (
			id, employee_id, date, check_in, check_out, total_minutes, status, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (employee_id, date) DO UPDATE SET
			check_in = EXCLUDED.check_in,
			check_out = EXCLUDED.check_out,
			total_minutes = EXCLUDED.total_minutes,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	stored := *day
	stored.Status = status
	stored.Source = source
	err := r.db.QueryRowContext(ctx, query,
		id,
		day.EmployeeID,
		day.Date,
		nullableTime(day.CheckIn),
		nullableTime(day.CheckOut),
		totalMinutes,
		status,
		source,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert attendance: %w", err)
	}
	return &stored, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
