package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/repository"
)

const testTenant = "acme-hvac"

func ptrFloat(v float64) *float64 { return &v }
func ptrBool(v bool) *bool        { return &v }

func faqRecord(id string, triggers ...string) domain.ScenarioRecord {
	return domain.ScenarioRecord{
		ScenarioID:   id,
		Name:         id,
		Triggers:     triggers,
		ScenarioType: "INFO_FAQ",
		FullReplies:  []string{"full reply for " + id},
	}
}

func hoursTemplate() domain.TemplateRecord {
	hours := faqRecord("business-hours", "what are your hours", "when are you open")
	hours.Name = "Business hours"
	hours.Priority = 5
	hours.NegativeTriggers = []string{"holiday"}
	hours.FullReplies = []any{map[string]any{"text": "We're open Monday through Friday, 8am to 6pm.", "weight": 5}}
	hours.QuickReplies = []string{"Sure thing."}

	broken := domain.ScenarioRecord{
		ScenarioID:   "ac-broken",
		Name:         "AC broken",
		Triggers:     []string{"my ac is broken", "air conditioner not working"},
		ScenarioType: "ACTION_FLOW",
		QuickReplies: []string{"Sorry to hear that."},
		FullReplies:  []string{"Let's get a technician out to you."},
		FollowUpMode: "ASK_IF_BOOK",
	}

	return domain.TemplateRecord{
		TemplateID:  "hvac-core",
		Name:        "HVAC Core",
		FillerWords: []string{"um", "uh"},
		Categories: []domain.CategoryRecord{
			{CategoryID: "hours", Name: "Office Hours", Scenarios: []domain.ScenarioRecord{hours}},
			{CategoryID: "repair", Name: "Repair", Scenarios: []domain.ScenarioRecord{broken}},
		},
	}
}

func poolInputFor(templates ...domain.TemplateRecord) poolInput {
	in := poolInput{
		TenantID:  testTenant,
		Company:   domain.CompanyRecord{TenantID: testTenant},
		Templates: make(map[string]domain.TemplateRecord),
		SafeText:  "Sorry, could you say that again?",
	}
	for i, tpl := range templates {
		in.Company.TemplateReferences = append(in.Company.TemplateReferences, domain.TemplateRef{TemplateID: tpl.TemplateID, Priority: i + 1})
		in.Templates[tpl.TemplateID] = tpl
	}
	return in
}

func testPool(t *testing.T, templates ...domain.TemplateRecord) *ScenarioPool {
	t.Helper()
	return buildPool(poolInputFor(templates...), zap.NewNop()).withVersion(1, time.Now())
}

func scenarioIndex(t *testing.T, pool *ScenarioPool, id string) int {
	t.Helper()
	for i, sc := range pool.Scenarios {
		if sc.ScenarioID == id {
			return i
		}
	}
	t.Fatalf("scenario %q not in pool", id)
	return -1
}

// fakeScenarioStore es un store en memoria con contadores y fallas inyectables.
type fakeScenarioStore struct {
	mu        sync.Mutex
	company   domain.CompanyRecord
	templates map[string]domain.TemplateRecord
	overrides []domain.ScenarioOverride
	modified  time.Time

	err     error
	block   chan struct{}
	started chan struct{}

	companyCalls  int
	modifiedCalls int
}

var _ repository.ScenarioStore = (*fakeScenarioStore)(nil)

func newFakeStore(templates ...domain.TemplateRecord) *fakeScenarioStore {
	in := poolInputFor(templates...)
	return &fakeScenarioStore{
		company:   in.Company,
		templates: in.Templates,
		modified:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *fakeScenarioStore) setTemplate(tpl domain.TemplateRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tpl.TemplateID] = tpl
	s.modified = s.modified.Add(time.Minute)
}

func (s *fakeScenarioStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeScenarioStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.companyCalls
}

func (s *fakeScenarioStore) GetCompany(ctx context.Context, tenantID string) (domain.CompanyRecord, error) {
	s.mu.Lock()
	s.companyCalls++
	block, started := s.block, s.started
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.CompanyRecord{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.CompanyRecord{}, s.err
	}
	if tenantID != s.company.TenantID {
		return domain.CompanyRecord{}, domain.ErrTenantNotFound
	}
	return s.company, nil
}

func (s *fakeScenarioStore) GetTemplates(_ context.Context, ids []string) ([]domain.TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.TemplateRecord
	for _, id := range ids {
		if tpl, ok := s.templates[id]; ok {
			out = append(out, tpl)
		}
	}
	return out, nil
}

func (s *fakeScenarioStore) ListOverrides(_ context.Context, _ string) ([]domain.ScenarioOverride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overrides, s.err
}

func (s *fakeScenarioStore) ListEmbeddings(_ context.Context, _ []string) (map[string]pgvector.Vector, error) {
	return nil, errors.New("embeddings not configured")
}

func (s *fakeScenarioStore) LastModified(_ context.Context, _ string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modifiedCalls++
	if s.err != nil {
		return time.Time{}, s.err
	}
	return s.modified, nil
}

// fakeClock permite avanzar el tiempo del loader y de los matchers en tests.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(d)
}
