package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/repository"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/service"
)

type fakeRouteService struct {
	decision    domain.RoutingDecision
	err         error
	lastReq     service.RouteRequest
	invalidated []string
	version     uint64
}

var _ RouteService = (*fakeRouteService)(nil)

func (f *fakeRouteService) Route(_ context.Context, req service.RouteRequest) (domain.RoutingDecision, error) {
	f.lastReq = req
	return f.decision, f.err
}

func (f *fakeRouteService) Invalidate(_ context.Context, tenantID string) (uint64, error) {
	f.invalidated = append(f.invalidated, tenantID)
	f.version++
	return f.version, f.err
}

func newTestEngine(routes RouteService, tokens *service.AdminTokenService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(zap.NewNop(), NewRoutingHandler(zap.NewNop(), routes, "Please hold on."), NewAdminHandler(zap.NewNop(), tokens))
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouteHandler_MapsRequest(t *testing.T) {
	routes := &fakeRouteService{decision: domain.RoutingDecision{ScenarioID: "business-hours", Tier: domain.TierLexical, Text: "We open at 8."}}
	r := newTestEngine(routes, nil)

	before := time.Now()
	rec := doJSON(t, r, http.MethodPost, "/v1/route", `{
		"tenant_id": "acme-hvac",
		"utterance": "what are your hours",
		"channel": "sms",
		"recent_turns": [{"role": "user", "text": "hi"}],
		"slots": {"name": "Dana"},
		"deadline_ms": 500
	}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "business-hours", got.ScenarioID)
	require.Equal(t, domain.TierLexical, got.Tier)

	in := routes.lastReq
	require.Equal(t, "acme-hvac", in.TenantID)
	require.Equal(t, domain.ChannelSMS, in.Context.Channel)
	require.Equal(t, "Dana", in.Context.Slots["name"])
	require.Len(t, in.Context.RecentTurns, 1)
	require.WithinDuration(t, before.Add(500*time.Millisecond), in.Deadline, 200*time.Millisecond)
}

func TestRouteHandler_BadRequests(t *testing.T) {
	r := newTestEngine(&fakeRouteService{}, nil)
	for name, body := range map[string]string{
		"malformed json":   `{"tenant_id":`,
		"missing tenant":   `{"utterance":"hi"}`,
		"unknown channel":  `{"tenant_id":"acme","channel":"fax"}`,
		"negative timeout": `{"tenant_id":"acme","deadline_ms":-1}`,
	} {
		rec := doJSON(t, r, http.MethodPost, "/v1/route", body, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	blank := newTestEngine(&fakeRouteService{err: fmt.Errorf("%w: tenant_id is required", service.ErrInvalidRouteRequest)}, nil)
	rec := doJSON(t, blank, http.MethodPost, "/v1/route", `{"tenant_id":"  "}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteHandler_StoreUnavailable(t *testing.T) {
	routes := &fakeRouteService{err: fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)}
	rec := doJSON(t, newTestEngine(routes, nil), http.MethodPost, "/v1/route", `{"tenant_id":"acme","utterance":"hi"}`, "")

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Please hold on.", body["text"])
	require.NotContains(t, rec.Body.String(), "connection refused")
}

func TestInvalidateHandler(t *testing.T) {
	tokens := service.NewAdminTokenService("secret", time.Minute)
	routes := &fakeRouteService{version: 4}
	r := newTestEngine(routes, tokens)

	scoped, err := tokens.Issue("ops", []string{"acme-hvac"})
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodPost, "/v1/tenants/acme-hvac/invalidate", "", scoped)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"tenant_id":"acme-hvac","pool_version":5}`, rec.Body.String())

	rec = doJSON(t, r, http.MethodPost, "/v1/tenants/other-co/invalidate", "", scoped)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/v1/tenants/acme-hvac/invalidate", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Equal(t, []string{"acme-hvac"}, routes.invalidated)
}

func TestInvalidateHandler_VersionSourceDown(t *testing.T) {
	tokens := service.NewAdminTokenService("secret", time.Minute)
	token, err := tokens.Issue("ops", nil)
	require.NoError(t, err)

	rec := doJSON(t, newTestEngine(&fakeRouteService{err: errors.New("redis: connection refused")}, tokens),
		http.MethodPost, "/v1/tenants/acme-hvac/invalidate", "", token)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	r := newTestEngine(&fakeRouteService{}, nil)

	rec := doJSON(t, r, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}

func TestRevokeTokenHandler(t *testing.T) {
	tokens := service.NewAdminTokenService("secret", time.Minute).WithRevocations(service.NewMemoryTokenRevocationStore())
	r := newTestEngine(&fakeRouteService{}, tokens)
	token, err := tokens.Issue("ops", nil)
	require.NoError(t, err)

	rec := doJSON(t, r, http.MethodPost, "/v1/tenants/acme-hvac/invalidate", "", token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/v1/admin/revoke", "", token)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/v1/tenants/acme-hvac/invalidate", "", token)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "token revoked")
}

// Flujo completo contra el fixture YAML: route, invalidate y route de nuevo.
func TestRouteEndToEndWithFixture(t *testing.T) {
	store := repository.NewYAMLScenarioStore("../repository/testdata/scenarios.yaml")
	loader := service.NewScenarioPoolLoader(store, nil, zap.NewNop(), service.PoolLoaderConfig{})
	engine := service.NewRouter(loader,
		service.NewTier1Matcher(0, zap.NewNop()),
		service.NewTier2Matcher(0, nil, 0, zap.NewNop()),
		service.NewTier3Matcher(nil, nil, nil, service.Tier3Config{}, zap.NewNop()),
		service.NewResponseEngine(nil, service.ResponseEngineConfig{}, zap.NewNop()),
		service.NewMemoryDecisionCache(0),
		service.RouterConfig{},
		zap.NewNop())
	tokens := service.NewAdminTokenService("secret", time.Minute)
	r := newTestEngine(engine, tokens)

	body := `{"tenant_id":"acme-hvac","utterance":"What are your hours?","channel":"voice"}`
	rec := doJSON(t, r, http.MethodPost, "/v1/route", body, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var first domain.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, domain.TierLexical, first.Tier)
	require.Equal(t, "business-hours", first.ScenarioID)
	require.Contains(t, first.Text, "8am to 6pm")

	rec = doJSON(t, r, http.MethodPost, "/v1/route", body, "")
	var second domain.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.True(t, second.Cached)

	token, err := tokens.Issue("ops", nil)
	require.NoError(t, err)
	rec = doJSON(t, r, http.MethodPost, "/v1/tenants/acme-hvac/invalidate", "", token)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/v1/route", body, "")
	var third domain.RoutingDecision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &third))
	require.False(t, third.Cached)
	require.Greater(t, third.PoolVersion, first.PoolVersion)
}
