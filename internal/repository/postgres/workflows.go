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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/pkg/cerrors"
)

func (s *Store) GetWorkflow(ctx context.Context, orgID, id string) (*repository.Workflow, error) {
	query := `
		SELECT id, organization_id, COALESCE(current_definition, ''), config, created_at, updated_at
		FROM workflows WHERE id = $1 AND organization_id = $2
	`
	var w repository.Workflow
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, query, id, orgID).Scan(
		&w.ID, &w.OrganizationID, &w.CurrentDefinition, &configJSON, &w.CreatedAt, &w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &cerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if len(configJSON) > 0 {
		json.Unmarshal(configJSON, &w.Config)
	}
	return &w, nil
}

func (s *Store) GetCurrentDefinition(ctx context.Context, workflowID string) (*repository.WorkflowDefinition, error) {
	query := `
		SELECT id, workflow_id, graph, is_current, created_at
		FROM workflow_definitions WHERE workflow_id = $1 AND is_current = true
	`
	return s.scanDefinition(s.db.QueryRowContext(ctx, query, workflowID), workflowID)
}

func (s *Store) GetDefinition(ctx context.Context, definitionID string) (*repository.WorkflowDefinition, error) {
	query := `
		SELECT id, workflow_id, graph, is_current, created_at
		FROM workflow_definitions WHERE id = $1
	`
	return s.scanDefinition(s.db.QueryRowContext(ctx, query, definitionID), definitionID)
}

func (s *Store) scanDefinition(row *sql.Row, idForError string) (*repository.WorkflowDefinition, error) {
	var d repository.WorkflowDefinition
	err := row.Scan(&d.ID, &d.WorkflowID, &d.Graph, &d.IsCurrent, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &cerrors.NotFoundError{Resource: "workflow_definition", ID: idForError}
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow definition: %w", err)
	}
	return &d, nil
}

// PublishDefinition writes a new definition and flips is_current within a
// transaction so the "exactly one current definition" invariant holds even
// under concurrent publishes.
func (s *Store) PublishDefinition(ctx context.Context, def *repository.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET is_current = false WHERE workflow_id = $1`, def.WorkflowID,
	); err != nil {
		return fmt.Errorf("clear previous current definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, workflow_id, graph, is_current, created_at)
		VALUES ($1, $2, $3, true, NOW())
	`, def.ID, def.WorkflowID, def.Graph); err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET current_definition = $2, updated_at = NOW() WHERE id = $1`,
		def.WorkflowID, def.ID,
	); err != nil {
		return fmt.Errorf("update workflow current_definition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish definition: %w", err)
	}
	def.IsCurrent = true
	return nil
}
