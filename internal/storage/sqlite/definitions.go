package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/proservcore/engine/internal/domain"
	"github.com/proservcore/engine/internal/orchestration/definition"
)

var _ definition.Store = (*Store)(nil)

type definitionPayload struct {
	Steps         []definition.Step   `json:"steps"`
	Policies      definition.Policies `json:"policies"`
	InputSchema   definition.Schema   `json:"input_schema"`
	OutputSchema  definition.Schema   `json:"output_schema"`
	OutputMapping map[string]string   `json:"output_mapping"`
}

func (s *Store) Create(ctx context.Context, def definition.Definition) (definition.Definition, error) {
	if def.ID == "" {
		def.ID = domain.NewID()
	}
	if def.Status == "" {
		def.Status = definition.Draft
	}

	payload, err := json.Marshal(definitionPayload{
		Steps: def.Steps, Policies: def.Policies,
		InputSchema: def.InputSchema, OutputSchema: def.OutputSchema, OutputMapping: def.OutputMapping,
	})
	if err != nil {
		return definition.Definition{}, fmt.Errorf("%w: marshal definition payload: %v", domain.ErrInternal, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, tenant_id, code, version, status, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		def.ID, string(def.TenantID), def.Code, def.Version, string(def.Status), payload)
	if err != nil {
		if isUniqueViolation(err) {
			return definition.Definition{}, fmt.Errorf("%w: definition %s/%s v%d already exists", domain.ErrConflict, def.TenantID, def.Code, def.Version)
		}
		return definition.Definition{}, fmt.Errorf("%w: insert definition: %v", domain.ErrInternal, err)
	}
	return def, nil
}

func (s *Store) Get(ctx context.Context, id string) (definition.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, code, version, status, payload FROM workflow_definitions WHERE id = ?`, id)
	return scanDefinition(row)
}

func (s *Store) GetLatestPublished(ctx context.Context, tenantID domain.TenantID, code string) (definition.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, code, version, status, payload FROM workflow_definitions
		WHERE tenant_id = ? AND code = ? AND status = ?
		ORDER BY version DESC LIMIT 1`, string(tenantID), code, string(definition.Published))
	return scanDefinition(row)
}

func (s *Store) Publish(ctx context.Context, id string) (definition.Definition, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_definitions SET status = ? WHERE id = ? AND status = ?`,
		string(definition.Published), id, string(definition.Draft))
	if err != nil {
		return definition.Definition{}, fmt.Errorf("%w: publish definition: %v", domain.ErrInternal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		existing, getErr := s.Get(ctx, id)
		if getErr == nil && existing.Status == definition.Published {
			return definition.Definition{}, fmt.Errorf("%w: definition %s already published", domain.ErrConflict, id)
		}
		return definition.Definition{}, domain.ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *Store) ListVersions(ctx context.Context, tenantID domain.TenantID, code string) ([]definition.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, code, version, status, payload FROM workflow_definitions
		WHERE tenant_id = ? AND code = ? ORDER BY version ASC`, string(tenantID), code)
	if err != nil {
		return nil, fmt.Errorf("%w: list definition versions: %v", domain.ErrInternal, err)
	}
	defer rows.Close()

	var out []definition.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (definition.Definition, error) {
	var (
		def     definition.Definition
		tenant  string
		status  string
		payload []byte
	)
	if err := row.Scan(&def.ID, &tenant, &def.Code, &def.Version, &status, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return definition.Definition{}, domain.ErrNotFound
		}
		return definition.Definition{}, fmt.Errorf("%w: scan definition: %v", domain.ErrInternal, err)
	}
	def.TenantID = domain.TenantID(tenant)
	def.Status = definition.Status(status)

	var p definitionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return definition.Definition{}, fmt.Errorf("%w: unmarshal definition payload: %v", domain.ErrInternal, err)
	}
	def.Steps = p.Steps
	def.Policies = p.Policies
	def.InputSchema = p.InputSchema
	def.OutputSchema = p.OutputSchema
	def.OutputMapping = p.OutputMapping
	return def, nil
}
