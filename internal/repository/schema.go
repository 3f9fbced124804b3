package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema 导入服务依赖的表结构
// employees / schedules / incidence_rules 由外部维护，这里只保证存在
const Schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id          UUID PRIMARY KEY,
	name        VARCHAR(255) NOT NULL,
	timezone    VARCHAR(64)  NOT NULL DEFAULT 'UTC',
	start_time  VARCHAR(8)   NOT NULL,
	end_time    VARCHAR(8)   NOT NULL
);

CREATE TABLE IF NOT EXISTS employees (
	id             UUID PRIMARY KEY,
	employee_code  VARCHAR(64) NOT NULL UNIQUE,
	first_name     VARCHAR(255) NOT NULL DEFAULT '',
	last_name      VARCHAR(255) NOT NULL DEFAULT '',
	schedule_id    UUID REFERENCES schedules(id),
	status         VARCHAR(16) NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS incidence_rules (
	id                 UUID PRIMARY KEY,
	name               VARCHAR(255) NOT NULL,
	type               VARCHAR(16)  NOT NULL CHECK (type IN ('delay', 'absence', 'overtime')),
	threshold_minutes  INTEGER,
	penalty            VARCHAR(255)
);

CREATE TABLE IF NOT EXISTS raw_clockings (
	id             UUID PRIMARY KEY,
	employee_code  VARCHAR(64)  NOT NULL,
	employee_id    UUID REFERENCES employees(id) ON DELETE CASCADE,
	device_id      VARCHAR(128) NOT NULL,
	clocked_at     TIMESTAMPTZ  NOT NULL,
	source_file    VARCHAR(512) NOT NULL,
	status         VARCHAR(16)  NOT NULL CHECK (status IN ('pending', 'processed', 'error')),
	error_message  TEXT,
	raw_payload    JSONB,
	created_at     TIMESTAMPTZ  NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_raw_clockings_code_time ON raw_clockings (employee_code, clocked_at);
CREATE INDEX IF NOT EXISTS idx_raw_clockings_status ON raw_clockings (status);

CREATE TABLE IF NOT EXISTS attendance_computed (
	id             UUID PRIMARY KEY,
	employee_id    UUID NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
	date           DATE NOT NULL,
	check_in       TIMESTAMPTZ,
	check_out      TIMESTAMPTZ,
	total_minutes  INTEGER,
	status         VARCHAR(16) NOT NULL DEFAULT 'present' CHECK (status IN ('present', 'absent', 'late', 'leave')),
	source         VARCHAR(32) NOT NULL DEFAULT 'import',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT uq_attendance_employee_date UNIQUE (employee_id, date)
);

CREATE TABLE IF NOT EXISTS incidences (
	id             UUID PRIMARY KEY,
	employee_id    UUID NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
	attendance_id  UUID REFERENCES attendance_computed(id) ON DELETE CASCADE,
	rule_id        UUID REFERENCES incidence_rules(id) ON DELETE SET NULL,
	type           VARCHAR(16) NOT NULL,
	occurred_at    TIMESTAMPTZ NOT NULL,
	minutes        INTEGER NOT NULL DEFAULT 0,
	status         VARCHAR(16) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'acknowledged', 'dismissed')),
	notes          TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_incidences_pending_delay
	ON incidences (employee_id, attendance_id)
	WHERE type = 'delay' AND status = 'pending';
`

// InitSchema 创建缺失的表和索引
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
