package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"clocking-import/internal/models"

	"go.uber.org/zap"
)

// PostgresDirectory 从 employees / schedules 表解析员工
type PostgresDirectory struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresDirectory 创建员工目录
func NewPostgresDirectory(db *sql.DB, logger *zap.Logger) *PostgresDirectory {
	return &PostgresDirectory{db: db, logger: logger}
}

const employeeSelect = `
	SELECT e.id, e.employee_code,
	       s.id, s.name, s.timezone, s.start_time, s.end_time
	FROM employees e
	LEFT JOIN schedules s ON s.id = e.schedule_id
`

// FindByCode 按工号查询
func (d *PostgresDirectory) FindByCode(ctx context.Context, code string) (*models.Employee, error) {
	return d.findOne(ctx, employeeSelect+` WHERE e.employee_code = $1`, code)
}

// FindByID 按员工 ID 查询
func (d *PostgresDirectory) FindByID(ctx context.Context, id string) (*models.Employee, error) {
	return d.findOne(ctx, employeeSelect+` WHERE e.id = $1`, id)
}

func (d *PostgresDirectory) findOne(ctx context.Context, query string, arg string) (*models.Employee, error) {
	var (
		emp                               models.Employee
		schedID, name, tz, start, endTime sql.NullString
	)
	err := d.db.QueryRowContext(ctx, query, arg).Scan(
		&emp.ID, &emp.EmployeeCode,
		&schedID, &name, &tz, &start, &endTime,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEmployeeNotFound
		}
		return nil, fmt.Errorf("failed to query employee: %w", err)
	}

	if schedID.Valid {
		emp.Schedule = &models.Schedule{
			ID:        schedID.String,
			Name:      name.String,
			Timezone:  tz.String,
			StartTime: start.String,
			EndTime:   endTime.String,
		}
	}
	return &emp, nil
}
