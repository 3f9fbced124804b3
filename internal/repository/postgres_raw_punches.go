package repository

import (
	"context"
	"database/sql"
	"fmt"

	"clocking-import/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultListLimit = 100

// PostgresRawPunchRepo raw_clockings 表
type PostgresRawPunchRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRawPunchRepo 创建原始打卡仓库
func NewPostgresRawPunchRepo(db *sql.DB, logger *zap.Logger) *PostgresRawPunchRepo {
	return &PostgresRawPunchRepo{db: db, logger: logger}
}

// Insert 写入一条审计记录
func (r *PostgresRawPunchRepo) Insert(ctx context.Context, p *models.RawPunch) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	var payload interface{}
	if len(p.RawPayload) > 0 {
		payload = string(p.RawPayload)
	}

	query := `
		INSERT INTO raw_clockings (
			id, employee_code, employee_id, device_id, clocked_at,
			source_file, status, error_message, raw_payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		p.ID,
		p.EmployeeCode,
		p.EmployeeID,
		p.DeviceID,
		p.ClockedAt,
		p.SourceFile,
		p.Status,
		p.ErrorMessage,
		payload,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert raw clocking: %w", err)
	}
	return nil
}

// List 查询审计记录
func (r *PostgresRawPunchRepo) List(ctx context.Context, status string, limit int) ([]models.RawPunch, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, employee_code, employee_id, device_id, clocked_at,
		       source_file, status, error_message, raw_payload, created_at
		FROM raw_clockings
	`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY clocked_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw clockings: %w", err)
	}
	defer rows.Close()

	punches := []models.RawPunch{}
	for rows.Next() {
		var (
			p            models.RawPunch
			employeeID   sql.NullString
			errorMessage sql.NullString
			payload      []byte
		)
		if err := rows.Scan(
			&p.ID, &p.EmployeeCode, &employeeID, &p.DeviceID, &p.ClockedAt,
			&p.SourceFile, &p.Status, &errorMessage, &payload, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan raw clocking: %w", err)
		}
		if employeeID.Valid {
			p.EmployeeID = &employeeID.String
		}
		if errorMessage.Valid {
			p.ErrorMessage = &errorMessage.String
		}
		if len(payload) > 0 {
			p.RawPayload = payload
		}
		punches = append(punches, p)
	}
	return punches, rows.Err()
}
