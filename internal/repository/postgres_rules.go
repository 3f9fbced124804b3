package repository

import (
	"context"
	"database/sql"
	"fmt"

	"clocking-import/internal/models"

	"go.uber.org/zap"
)

// PostgresRuleRepo incidence_rules 表（只读）
type PostgresRuleRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresRuleRepo 创建规则仓库
func NewPostgresRuleRepo(db *sql.DB, logger *zap.Logger) *PostgresRuleRepo {
	return &PostgresRuleRepo{db: db, logger: logger}
}

// ListDelayRules 读取迟到规则
func (r *PostgresRuleRepo) ListDelayRules(ctx context.Context) ([]models.IncidenceRule, error) {
	query := `
		SELECT id, name, type, threshold_minutes, penalty
		FROM incidence_rules
		WHERE type = 'delay'
		ORDER BY COALESCE(threshold_minutes, 0) ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list delay rules: %w", err)
	}
	defer rows.Close()

	rules := []models.IncidenceRule{}
	for rows.Next() {
		var (
			rule      models.IncidenceRule
			threshold sql.NullInt64
			penalty   sql.NullString
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Type, &threshold, &penalty); err != nil {
			return nil, fmt.Errorf("failed to scan delay rule: %w", err)
		}
		if threshold.Valid {
			v := int(threshold.Int64)
			rule.ThresholdMinutes = &v
		}
		if penalty.Valid {
			rule.Penalty = &penalty.String
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
