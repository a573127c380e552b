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

	"github.com/tombee/campaignforge/internal/repository"
	"github.com/tombee/campaignforge/pkg/cerrors"
)

func (s *Store) GetOrganization(ctx context.Context, id string) (*repository.Organization, error) {
	query := `
		SELECT id, name, concurrent_call_limit, disposition_mapping, created_at
		FROM organizations WHERE id = $1
	`
	var o repository.Organization
	var dispositionJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&o.ID, &o.Name, &o.ConcurrentCallLimit, &dispositionJSON, &o.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &cerrors.NotFoundError{Resource: "organization", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	if len(dispositionJSON) > 0 {
		json.Unmarshal(dispositionJSON, &o.DispositionMapping)
	}
	return &o, nil
}

func (s *Store) GetTelephonyConfig(ctx context.Context, orgID string) (*repository.TelephonyConfig, error) {
	query := `
		SELECT organization_id, provider, auth_credentials, outbound_numbers,
			COALESCE(inbound_workflow_id, ''), updated_at
		FROM telephony_configs WHERE organization_id = $1
	`
	var c repository.TelephonyConfig
	var credsJSON, numbersJSON []byte
	err := s.db.QueryRowContext(ctx, query, orgID).Scan(
		&c.OrganizationID, &c.Provider, &credsJSON, &numbersJSON, &c.InboundWorkflowID, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &cerrors.NotFoundError{Resource: "telephony_config", ID: orgID}
	}
	if err != nil {
		return nil, fmt.Errorf("get telephony config: %w", err)
	}
	if len(credsJSON) > 0 {
		json.Unmarshal(credsJSON, &c.AuthCredentials)
	}
	if len(numbersJSON) > 0 {
		json.Unmarshal(numbersJSON, &c.OutboundNumbers)
	}
	return &c, nil
}

func (s *Store) ListTelephonyConfigsByProvider(ctx context.Context, provider string) ([]*repository.TelephonyConfig, error) {
	query := `
		SELECT organization_id, provider, auth_credentials, outbound_numbers,
			COALESCE(inbound_workflow_id, ''), updated_at
		FROM telephony_configs WHERE provider = $1
	`
	rows, err := s.db.QueryContext(ctx, query, provider)
	if err != nil {
		return nil, fmt.Errorf("list telephony configs by provider: %w", err)
	}
	defer rows.Close()

	var configs []*repository.TelephonyConfig
	for rows.Next() {
		var c repository.TelephonyConfig
		var credsJSON, numbersJSON []byte
		if err := rows.Scan(&c.OrganizationID, &c.Provider, &credsJSON, &numbersJSON, &c.InboundWorkflowID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan telephony config: %w", err)
		}
		if len(credsJSON) > 0 {
			json.Unmarshal(credsJSON, &c.AuthCredentials)
		}
		if len(numbersJSON) > 0 {
			json.Unmarshal(numbersJSON, &c.OutboundNumbers)
		}
		configs = append(configs, &c)
	}
	return configs, rows.Err()
}
