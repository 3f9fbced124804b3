package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"clocking-import/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PostgresIncidenceRepo incidences 表
type PostgresIncidenceRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresIncidenceRepo 创建异常仓库
func NewPostgresIncidenceRepo(db *sql.DB, logger *zap.Logger) *PostgresIncidenceRepo {
	return &PostgresIncidenceRepo{db: db, logger: logger}
}

// findDelay pending 优先，其次最近更新
func (r *PostgresIncidenceRepo) findDelay(ctx context.Context, employeeID, attendanceID string) (*models.Incidence, error) {
	query := `
		SELECT id, employee_id, attendance_id, rule_id, type, occurred_at,
		       minutes, status, notes, created_at, updated_at
		FROM incidences
		WHERE employee_id = $1 AND attendance_id = $2 AND type = 'delay'
		ORDER BY (status = 'pending') DESC, updated_at DESC
		LIMIT 1
	`

	var (
		inc    models.Incidence
		ruleID sql.NullString
		notes  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, employeeID, attendanceID).Scan(
		&inc.ID, &inc.EmployeeID, &inc.AttendanceID, &ruleID, &inc.Type, &inc.OccurredAt,
		&inc.Minutes, &inc.Status, &notes, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query delay incidence: %w", err)
	}
	if ruleID.Valid {
		inc.RuleID = &ruleID.String
	}
	if notes.Valid {
		inc.Notes = &notes.String
	}
	return &inc, nil
}

// FindOrCreateDelay 查找或创建迟到异常
// 并发创建时依赖 pending 迟到的部分唯一索引，冲突后重新查询
func (r *PostgresIncidenceRepo) FindOrCreateDelay(ctx context.Context, candidate *models.Incidence) (*models.Incidence, bool, error) {
	existing, err := r.findDelay(ctx, candidate.EmployeeID, candidate.AttendanceID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	inc := *candidate
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	inc.Type = models.IncidenceTypeDelay
	if inc.Status == "" {
		inc.Status = models.IncidenceStatusPending
	}

	query := `
		INSERT INTO incidences (
			id, employee_id, attendance_id, rule_id, type, occurred_at, minutes, status, notes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (employee_id, attendance_id) WHERE type = 'delay' AND status = 'pending'
		DO NOTHING
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRowContext(ctx, query,
		inc.ID,
		inc.EmployeeID,
		inc.AttendanceID,
		inc.RuleID,
		inc.Type,
		inc.OccurredAt,
		inc.Minutes,
		inc.Status,
		inc.Notes,
	).Scan(&inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// 被其他 worker 抢先创建
			existing, err := r.findDelay(ctx, candidate.EmployeeID, candidate.AttendanceID)
			if err != nil {
				return nil, false, err
			}
			if existing == nil {
				return nil, false, fmt.Errorf("delay incidence for attendance %s vanished after conflict", candidate.AttendanceID)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create delay incidence: %w", err)
	}
	return &inc, true, nil
}

// UpdateDelay 更新迟到数据，状态保持不变
func (r *PostgresIncidenceRepo) UpdateDelay(ctx context.Context, inc *models.Incidence) error {
	query := `
		UPDATE incidences
		SET minutes = $2, rule_id = $3, occurred_at = $4, updated_at = NOW()
		WHERE id = $1 AND status <> 'dismissed'
	`
	if _, err := r.db.ExecContext(ctx, query, inc.ID, inc.Minutes, inc.RuleID, inc.OccurredAt); err != nil {
		return fmt.Errorf("failed to update delay incidence %s: %w", inc.ID, err)
	}
	return nil
}

// ClearPendingDelay 删除该考勤 pending 的迟到异常
func (r *PostgresIncidenceRepo) ClearPendingDelay(ctx context.Context, employeeID, attendanceID string) (int64, error) {
	query := `
		DELETE FROM incidences
		WHERE employee_id = $1 AND attendance_id = $2 AND type = 'delay' AND status = 'pending'
	`
	res, err := r.db.ExecContext(ctx, query, employeeID, attendanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear pending delay incidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
