// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package postgres provides the PostgreSQL-backed repository.Repository
// implementation.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/pkg/cerrors"
)

var _ repository.Repository = (*Store)(nil)

// Store is a PostgreSQL storage backend.
type Store struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// New opens a connection pool, verifies connectivity, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, &cerrors.ConfigError{Key: "database.dsn", Reason: "failed to open database", Cause: err}
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id VARCHAR(64) PRIMARY KEY,
			name TEXT NOT NULL,
			concurrent_call_limit INTEGER NOT NULL DEFAULT 0,
			disposition_mapping JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS telephony_configs (
			organization_id VARCHAR(64) PRIMARY KEY REFERENCES organizations(id) ON DELETE CASCADE,
			provider VARCHAR(64) NOT NULL,
			auth_credentials JSONB,
			outbound_numbers JSONB,
			inbound_workflow_id VARCHAR(64),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id VARCHAR(64) PRIMARY KEY,
			organization_id VARCHAR(64) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			current_definition VARCHAR(64),
			config JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_org ON workflows(organization_id)`,
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			graph JSONB NOT NULL,
			is_current BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_definitions_current
			ON workflow_definitions(workflow_id) WHERE is_current`,
		`CREATE TABLE IF NOT EXISTS campaigns (
			id VARCHAR(64) PRIMARY KEY,
			organization_id VARCHAR(64) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
			workflow_id VARCHAR(64) NOT NULL,
			state VARCHAR(32) NOT NULL,
			source JSONB,
			retry_config JSONB,
			max_concurrency INTEGER NOT NULL DEFAULT 1,
			schedule JSONB,
			circuit_breaker JSONB,
			total_rows INTEGER NOT NULL DEFAULT 0,
			processed_rows INTEGER NOT NULL DEFAULT 0,
			failed_rows INTEGER NOT NULL DEFAULT 0,
			processing_lock_set_at TIMESTAMPTZ,
			batch_in_progress BOOLEAN NOT NULL DEFAULT false,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_org ON campaigns(organization_id)`,
		`CREATE INDEX IF NOT EXISTS idx_campaigns_state ON campaigns(state)`,
		`CREATE TABLE IF NOT EXISTS queued_runs (
			id VARCHAR(64) PRIMARY KEY,
			campaign_id VARCHAR(64) NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
			source_row_uuid VARCHAR(64) NOT NULL,
			context_variables JSONB,
			state VARCHAR(32) NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			parent_queued_run_id VARCHAR(64),
			scheduled_for TIMESTAMPTZ,
			retry_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_runs_claim
			ON queued_runs(campaign_id, state, scheduled_for)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(64) NOT NULL,
			campaign_id VARCHAR(64),
			queued_run_id VARCHAR(64),
			mode VARCHAR(32) NOT NULL,
			state VARCHAR(32) NOT NULL,
			definition_id VARCHAR(64),
			initial_context JSONB,
			gathered_context JSONB,
			usage JSONB,
			recording_url TEXT,
			transcript_url TEXT,
			storage_backend VARCHAR(32),
			logs JSONB,
			annotations JSONB,
			public_access_token VARCHAR(64) UNIQUE,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_campaign ON workflow_runs(campaign_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}
