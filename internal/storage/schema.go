package storage

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_type TEXT NOT NULL,
	natural_id TEXT NOT NULL,
	timestamp_key INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (source_type, natural_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_records_window ON raw_records(source_type, timestamp_key)`,
	`CREATE TABLE IF NOT EXISTS final_report (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id TEXT NOT NULL,
	record_type TEXT NOT NULL,
	parent_call_id TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	extension TEXT NOT NULL DEFAULT '',
	queue_name TEXT NOT NULL DEFAULT '',
	campaign_name TEXT NOT NULL DEFAULT '',
	caller_number TEXT NOT NULL DEFAULT '',
	callee_number TEXT NOT NULL DEFAULT '',
	called_at INTEGER NOT NULL DEFAULT 0,
	answered_at INTEGER NOT NULL DEFAULT 0,
	hangup_at INTEGER NOT NULL DEFAULT 0,
	called_at_display TEXT NOT NULL DEFAULT '',
	answered_at_display TEXT NOT NULL DEFAULT '',
	hangup_at_display TEXT NOT NULL DEFAULT '',
	wait_duration INTEGER NOT NULL DEFAULT 0,
	talk_duration INTEGER NOT NULL DEFAULT 0,
	hold_duration INTEGER NOT NULL DEFAULT 0,
	hold_intervals TEXT NOT NULL DEFAULT '[]',
	disposition TEXT NOT NULL DEFAULT '',
	sub_disposition_1 TEXT NOT NULL DEFAULT '',
	sub_disposition_2 TEXT NOT NULL DEFAULT '',
	follow_up_notes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	country TEXT NOT NULL DEFAULT '',
	recording_id TEXT NOT NULL DEFAULT '',
	agent_history TEXT,
	queue_history TEXT,
	lead_history TEXT,
	transfer_flag INTEGER NOT NULL DEFAULT 0,
	transfer_extension TEXT,
	transfer_type TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (call_id, record_type)
)`,
	`CREATE INDEX IF NOT EXISTS idx_final_report_called_at ON final_report(called_at)`,
	`CREATE INDEX IF NOT EXISTS idx_final_report_type_called_at ON final_report(record_type, called_at)`,
	`CREATE INDEX IF NOT EXISTS idx_final_report_agent ON final_report(agent_name)`,
	`CREATE INDEX IF NOT EXISTS idx_final_report_extension ON final_report(extension)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_records (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	source_type VARCHAR(32) NOT NULL,
	natural_id VARCHAR(191) NOT NULL,
	timestamp_key BIGINT NOT NULL DEFAULT 0,
	payload MEDIUMTEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE KEY uq_raw_records_natural (source_type, natural_id),
	KEY idx_raw_records_window (source_type, timestamp_key)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS final_report (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	call_id VARCHAR(191) NOT NULL,
	record_type VARCHAR(16) NOT NULL,
	parent_call_id VARCHAR(191) NOT NULL DEFAULT '',
	agent_name VARCHAR(255) NOT NULL DEFAULT '',
	extension VARCHAR(50) NOT NULL DEFAULT '',
	queue_name VARCHAR(255) NOT NULL DEFAULT '',
	campaign_name VARCHAR(255) NOT NULL DEFAULT '',
	caller_number VARCHAR(64) NOT NULL DEFAULT '',
	callee_number VARCHAR(64) NOT NULL DEFAULT '',
	called_at BIGINT NOT NULL DEFAULT 0,
	answered_at BIGINT NOT NULL DEFAULT 0,
	hangup_at BIGINT NOT NULL DEFAULT 0,
	called_at_display VARCHAR(32) NOT NULL DEFAULT '',
	answered_at_display VARCHAR(32) NOT NULL DEFAULT '',
	hangup_at_display VARCHAR(32) NOT NULL DEFAULT '',
	wait_duration BIGINT NOT NULL DEFAULT 0,
	talk_duration BIGINT NOT NULL DEFAULT 0,
	hold_duration BIGINT NOT NULL DEFAULT 0,
	hold_intervals TEXT NOT NULL,
	disposition VARCHAR(255) NOT NULL DEFAULT '',
	sub_disposition_1 VARCHAR(255) NOT NULL DEFAULT '',
	sub_disposition_2 VARCHAR(255) NOT NULL DEFAULT '',
	follow_up_notes TEXT NOT NULL,
	status VARCHAR(64) NOT NULL DEFAULT '',
	country VARCHAR(128) NOT NULL DEFAULT '',
	recording_id VARCHAR(255) NOT NULL DEFAULT '',
	agent_history MEDIUMTEXT,
	queue_history MEDIUMTEXT,
	lead_history MEDIUMTEXT,
	transfer_flag TINYINT(1) NOT NULL DEFAULT 0,
	transfer_extension VARCHAR(50),
	transfer_type VARCHAR(64) NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	UNIQUE KEY uq_final_report_identity (call_id, record_type),
	KEY idx_final_report_called_at (called_at),
	KEY idx_final_report_type_called_at (record_type, called_at),
	KEY idx_final_report_agent (agent_name),
	KEY idx_final_report_extension (extension)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// InitSchema creates the raw and ledger tables if they do not exist
func InitSchema(ctx context.Context, db *DB) error {
	for _, stmt := range db.Dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
