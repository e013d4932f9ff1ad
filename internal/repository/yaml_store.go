package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"gopkg.in/yaml.v3"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

// yamlFixture es el formato del archivo de escenarios usado en desarrollo y en el CLI.
type yamlFixture struct {
	Companies  []domain.CompanyRecord    `yaml:"companies"`
	Templates  []domain.TemplateRecord   `yaml:"templates"`
	Overrides  []domain.ScenarioOverride `yaml:"overrides"`
	Embeddings []yamlEmbedding           `yaml:"embeddings"`
}

type yamlEmbedding struct {
	TemplateID string    `yaml:"templateId"`
	ScenarioID string    `yaml:"scenarioId"`
	Vector     []float32 `yaml:"vector"`
}

// YAMLScenarioStore lee un fixture YAML; se relee cuando cambia el mtime del archivo.
type YAMLScenarioStore struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	data    *yamlFixture
}

func NewYAMLScenarioStore(path string) *YAMLScenarioStore {
	return &YAMLScenarioStore{path: path}
}

func (s *YAMLScenarioStore) load() (*yamlFixture, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat fixture: %w", err)
	}
	if s.data != nil && info.ModTime().Equal(s.modTime) {
		return s.data, s.modTime, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read fixture: %w", err)
	}
	var f yamlFixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode fixture %s: %w", s.path, err)
	}
	s.data = &f
	s.modTime = info.ModTime()
	return s.data, s.modTime, nil
}

func (s *YAMLScenarioStore) GetCompany(ctx context.Context, tenantID string) (domain.CompanyRecord, error) {
	f, modTime, err := s.load()
	if err != nil {
		return domain.CompanyRecord{}, err
	}
	for _, c := range f.Companies {
		if c.TenantID == tenantID {
			if c.UpdatedAt.IsZero() {
				c.UpdatedAt = modTime
			}
			return c, nil
		}
	}
	return domain.CompanyRecord{}, domain.ErrTenantNotFound
}

func (s *YAMLScenarioStore) GetTemplates(ctx context.Context, templateIDs []string) ([]domain.TemplateRecord, error) {
	f, _, err := s.load()
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(templateIDs))
	for _, id := range templateIDs {
		wanted[id] = struct{}{}
	}
	var out []domain.TemplateRecord
	for _, t := range f.Templates {
		if _, ok := wanted[t.TemplateID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *YAMLScenarioStore) ListOverrides(ctx context.Context, tenantID string) ([]domain.ScenarioOverride, error) {
	f, _, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []domain.ScenarioOverride
	for _, o := range f.Overrides {
		if o.TenantID == tenantID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *YAMLScenarioStore) ListEmbeddings(ctx context.Context, templateIDs []string) (map[string]pgvector.Vector, error) {
	f, _, err := s.load()
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(templateIDs))
	for _, id := range templateIDs {
		wanted[id] = struct{}{}
	}
	out := make(map[string]pgvector.Vector)
	for _, e := range f.Embeddings {
		if _, ok := wanted[e.TemplateID]; !ok || len(e.Vector) == 0 {
			continue
		}
		out[domain.OverrideKey(e.TemplateID, e.ScenarioID)] = pgvector.NewVector(e.Vector)
	}
	return out, nil
}

// LastModified usa el mtime del archivo como marcador de version.
func (s *YAMLScenarioStore) LastModified(ctx context.Context, tenantID string) (time.Time, error) {
	_, modTime, err := s.load()
	if err != nil {
		return time.Time{}, err
	}
	return modTime, nil
}
