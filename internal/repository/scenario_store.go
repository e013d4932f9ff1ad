package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

// ScenarioStore es la vista de solo lectura del store de templates/escenarios.
type ScenarioStore interface {
	GetCompany(ctx context.Context, tenantID string) (domain.CompanyRecord, error)
	GetTemplates(ctx context.Context, templateIDs []string) ([]domain.TemplateRecord, error)
	ListOverrides(ctx context.Context, tenantID string) ([]domain.ScenarioOverride, error)
	// ListEmbeddings devuelve embeddings por domain.OverrideKey(templateID, scenarioID).
	ListEmbeddings(ctx context.Context, templateIDs []string) (map[string]pgvector.Vector, error)
	// LastModified es el marcador de version: la ultima edicion que afecta al tenant.
	LastModified(ctx context.Context, tenantID string) (time.Time, error)
}

type PgScenarioStore struct {
	pool *pgxpool.Pool
}

func NewPgScenarioStore(pool *pgxpool.Pool) *PgScenarioStore {
	return &PgScenarioStore{pool: pool}
}

func (s *PgScenarioStore) GetCompany(ctx context.Context, tenantID string) (domain.CompanyRecord, error) {
	const query = `
		SELECT id, name, template_refs, legacy_template_ids, legacy_template_id, fallback_scenario_id, updated_at
		FROM companies
		WHERE id = $1
	`

	var (
		c            domain.CompanyRecord
		refsRaw      []byte
		legacyIDsRaw []byte
		legacyID     *string
		fallbackID   *string
	)
	err := s.pool.QueryRow(ctx, query, tenantID).Scan(
		&c.TenantID,
		&c.Name,
		&refsRaw,
		&legacyIDsRaw,
		&legacyID,
		&fallbackID,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CompanyRecord{}, domain.ErrTenantNotFound
		}
		return domain.CompanyRecord{}, err
	}

	if len(refsRaw) > 0 {
		if err := json.Unmarshal(refsRaw, &c.TemplateReferences); err != nil {
			return domain.CompanyRecord{}, fmt.Errorf("decode template_refs for %s: %w", tenantID, err)
		}
	}
	if len(legacyIDsRaw) > 0 {
		if err := json.Unmarshal(legacyIDsRaw, &c.LegacyTemplateIDs); err != nil {
			return domain.CompanyRecord{}, fmt.Errorf("decode legacy_template_ids for %s: %w", tenantID, err)
		}
	}
	if legacyID != nil {
		c.LegacyTemplateID = *legacyID
	}
	if fallbackID != nil {
		c.FallbackScenarioID = *fallbackID
	}
	return c, nil
}

// GetTemplates devuelve los templates encontrados; los ids inexistentes simplemente no aparecen.
func (s *PgScenarioStore) GetTemplates(ctx context.Context, templateIDs []string) ([]domain.TemplateRecord, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT id, name, version, document, updated_at
		FROM scenario_templates
		WHERE id = ANY($1)
	`

	rows, err := s.pool.Query(ctx, query, templateIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []domain.TemplateRecord
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *PgScenarioStore) ListOverrides(ctx context.Context, tenantID string) ([]domain.ScenarioOverride, error) {
	const query = `
		SELECT company_id, template_id, scenario_id, is_enabled, COALESCE(updated_by, ''), updated_at
		FROM company_scenario_overrides
		WHERE company_id = $1
	`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []domain.ScenarioOverride
	for rows.Next() {
		var o domain.ScenarioOverride
		if err := rows.Scan(&o.TenantID, &o.TemplateID, &o.ScenarioID, &o.IsEnabled, &o.UpdatedBy, &o.UpdatedAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func (s *PgScenarioStore) ListEmbeddings(ctx context.Context, templateIDs []string) (map[string]pgvector.Vector, error) {
	out := make(map[string]pgvector.Vector)
	if len(templateIDs) == 0 {
		return out, nil
	}
	const query = `
		SELECT template_id, scenario_id, embedding
		FROM scenario_embeddings
		WHERE template_id = ANY($1)
	`

	rows, err := s.pool.Query(ctx, query, templateIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			templateID, scenarioID string
			vec                    pgvector.Vector
		)
		if err := rows.Scan(&templateID, &scenarioID, &vec); err != nil {
			return nil, err
		}
		out[domain.OverrideKey(templateID, scenarioID)] = vec
	}
	return out, rows.Err()
}

func (s *PgScenarioStore) LastModified(ctx context.Context, tenantID string) (time.Time, error) {
	const query = `
		SELECT GREATEST(
			c.updated_at,
			COALESCE((SELECT MAX(o.updated_at) FROM company_scenario_overrides o WHERE o.company_id = c.id), c.updated_at),
			COALESCE((SELECT MAX(t.updated_at) FROM scenario_templates t
				WHERE t.id = c.legacy_template_id
				   OR t.id IN (SELECT jsonb_array_elements_text(COALESCE(c.legacy_template_ids, '[]'::jsonb)))
				   OR t.id IN (SELECT r->>'templateId' FROM jsonb_array_elements(COALESCE(c.template_refs, '[]'::jsonb)) r)
			), c.updated_at)
		)
		FROM companies c
		WHERE c.id = $1
	`

	var ts time.Time
	if err := s.pool.QueryRow(ctx, query, tenantID).Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, domain.ErrTenantNotFound
		}
		return time.Time{}, err
	}
	return ts, nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanTemplate(row pgxRow) (domain.TemplateRecord, error) {
	var (
		t         domain.TemplateRecord
		doc       []byte
		id, name  string
		version   int
		updatedAt time.Time
	)
	if err := row.Scan(&id, &name, &version, &doc, &updatedAt); err != nil {
		return domain.TemplateRecord{}, err
	}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &t); err != nil {
			return domain.TemplateRecord{}, fmt.Errorf("decode template %s: %w", id, err)
		}
	}
	// Las columnas mandan sobre lo que diga el documento.
	t.TemplateID = id
	t.Name = name
	t.Version = version
	t.UpdatedAt = updatedAt
	return t, nil
}
