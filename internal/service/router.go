package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

const defaultTurnBudget = 4 * time.Second

// ErrInvalidRouteRequest se devuelve cuando falta el tenant.
var ErrInvalidRouteRequest = errors.New("invalid route request")

// PoolProvider es lo que el router necesita del loader.
type PoolProvider interface {
	Load(ctx context.Context, tenantID string) (*ScenarioPool, bool, error)
	Invalidate(ctx context.Context, tenantID string) (uint64, error)
}

type LexicalMatcher interface {
	Match(ctx context.Context, pool *ScenarioPool, utterance string, tc domain.TurnContext) Tier1Outcome
}

type ScoredMatcher interface {
	Match(ctx context.Context, pool *ScenarioPool, utterance string, tc domain.TurnContext, eliminated map[int]struct{}) Tier2Outcome
}

type ModelMatcher interface {
	Match(ctx context.Context, pool *ScenarioPool, req Tier3Request) domain.MatchResult
}

type ResponseBuilder interface {
	BuildResponse(ctx context.Context, sc *domain.Scenario, channel domain.Channel, tc domain.TurnContext) domain.ResponseDecision
}

// RouterConfig agrupa TTL del cache de decisiones y presupuesto por turno.
type RouterConfig struct {
	DecisionTTL time.Duration
	TurnBudget  time.Duration
}

// RouteRequest es la entrada de Route. Deadline cero usa el presupuesto por defecto.
type RouteRequest struct {
	TenantID  string
	Utterance string
	Context   domain.TurnContext
	Deadline  time.Time
}

// Router ejecuta la cascada Tier-1 -> Tier-2 -> Tier-3 y cachea la decision final.
type Router struct {
	pools     PoolProvider
	tier1     LexicalMatcher
	tier2     ScoredMatcher
	tier3     ModelMatcher
	responses ResponseBuilder
	cache     DecisionCache
	cfg       RouterConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewRouter arma el router. cache puede ser nil (sin cache de decisiones).
func NewRouter(pools PoolProvider, tier1 LexicalMatcher, tier2 ScoredMatcher, tier3 ModelMatcher, responses ResponseBuilder, cache DecisionCache, cfg RouterConfig, logger *zap.Logger) *Router {
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = defaultDecisionTTL
	}
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = defaultTurnBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		pools:     pools,
		tier1:     tier1,
		tier2:     tier2,
		tier3:     tier3,
		responses: responses,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Route solo devuelve error si el tenant es invalido o si el store no responde y no hay
// pool cacheado (domain.ErrStoreUnavailable). En cualquier otro caso hay respuesta.
func (r *Router) Route(ctx context.Context, req RouteRequest) (domain.RoutingDecision, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return domain.RoutingDecision{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidRouteRequest)
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = r.now().Add(r.cfg.TurnBudget)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ctx, span := routingTracer.Start(ctx, "service.Router.Route", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	hash := UtteranceHash(req.Utterance)
	logHash := hash[:12]
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("utterance_hash", logHash),
	)

	pool, stale, err := r.pools.Load(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pool load failed")
		r.logger.Warn("route failed, no scenario pool",
			zap.String("tenant_id", tenantID),
			zap.String("utterance_hash", logHash),
			zap.String("stage", "pool_load"),
			zap.Error(err),
		)
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		return domain.RoutingDecision{}, err
	}
	span.SetAttributes(attribute.Int64("pool_version", int64(pool.Version)), attribute.Bool("stale", stale))

	key, cacheable := r.decisionKey(tenantID, pool.Version, hash, req.Context)
	if cacheable {
		if d, ok := r.cache.Get(ctx, key); ok {
			decisionCacheTotal.WithLabelValues("hit").Inc()
			routingDecisionsTotal.WithLabelValues(strconv.Itoa(int(d.Tier)), "cache").Inc()
			d.Cached = true
			d.Stale = stale
			span.SetAttributes(attribute.Bool("cached", true), attribute.Int("tier", int(d.Tier)))
			return d, nil
		}
		decisionCacheTotal.WithLabelValues("miss").Inc()
	}

	match := r.cascade(ctx, pool, req, deadline, logHash)
	resp := r.responses.BuildResponse(ctx, match.Scenario, req.Context.Channel, req.Context)

	d := domain.RoutingDecision{
		TenantID:       tenantID,
		ScenarioID:     match.Scenario.ScenarioID,
		ScenarioKey:    match.Scenario.Key(),
		ScenarioName:   match.Scenario.Name,
		Tier:           match.Tier,
		Confidence:     match.Confidence,
		Cost:           match.Cost,
		Text:           resp.Text,
		StrategyUsed:   resp.StrategyUsed,
		FollowUpMode:   resp.FollowUpMode,
		FollowUpPrompt: resp.FollowUpPrompt,
		PoolVersion:    pool.Version,
		Stale:          stale,
		Degraded:       match.Degraded,
	}
	routingDecisionsTotal.WithLabelValues(strconv.Itoa(int(d.Tier)), "cascade").Inc()
	span.SetAttributes(
		attribute.Int("tier", int(d.Tier)),
		attribute.String("scenario_id", d.ScenarioID),
		attribute.Float64("confidence", d.Confidence),
	)

	// Un resultado degradado o de un turno ya cancelado no es autoritativo.
	// MODEL_CONTEXT depende de los slots, que no forman parte de la clave.
	if cacheable && !match.Degraded && ctx.Err() == nil && resp.StrategyUsed != domain.ReplyStrategyModelContext {
		r.cache.Set(ctx, key, d, r.cfg.DecisionTTL)
	}
	return d, nil
}

// Invalidate sube la version del pool del tenant; las decisiones cacheadas con la
// version anterior dejan de ser alcanzables.
func (r *Router) Invalidate(ctx context.Context, tenantID string) (uint64, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant_id is required", ErrInvalidRouteRequest)
	}
	return r.pools.Invalidate(ctx, tenantID)
}

// decisionKey: con cooldowns activos la decision depende del caller y no se cachea.
func (r *Router) decisionKey(tenantID string, version uint64, hash string, tc domain.TurnContext) (string, bool) {
	if r.cache == nil || len(tc.RecentFires) > 0 {
		return "", false
	}
	ctxHash := ""
	if text := contextText(tc); text != "" {
		ctxHash = shortHash(text)
	}
	return DecisionKey(tenantID, version, tc.Channel, hash, ctxHash), true
}

func (r *Router) cascade(ctx context.Context, pool *ScenarioPool, req RouteRequest, deadline time.Time, logHash string) domain.MatchResult {
	var t1 Tier1Outcome
	r.runTier(ctx, pool.TenantID, logHash, "1", func(ctx context.Context) {
		t1 = r.tier1.Match(ctx, pool, req.Utterance, req.Context)
	})
	if t1.Match != nil {
		return *t1.Match
	}

	var t2 Tier2Outcome
	r.runTier(ctx, pool.TenantID, logHash, "2", func(ctx context.Context) {
		t2 = r.tier2.Match(ctx, pool, req.Utterance, req.Context, t1.Blocked)
	})
	if t2.Match != nil {
		return *t2.Match
	}

	var res domain.MatchResult
	r.runTier(ctx, pool.TenantID, logHash, "3", func(ctx context.Context) {
		res = r.tier3.Match(ctx, pool, Tier3Request{
			Utterance: req.Utterance,
			Context:   req.Context,
			Ranked:    t2.Ranked,
			Blocked:   t1.Blocked,
			Deadline:  deadline,
		})
	})
	if res.Scenario == nil {
		fb := pool.Fallback
		if fb == nil {
			fb = NoMatchScenario("")
		}
		res = domain.MatchResult{Scenario: fb, Tier: domain.TierModel, Degraded: true, Reason: "tier3_failed"}
	}
	res.Cost += t2.Cost
	return res
}

// runTier mide latencia, abre un span y recupera un panic del tier; un tier que falla
// cuenta como "sin match" y la cascada sigue.
func (r *Router) runTier(ctx context.Context, tenantID, logHash, tier string, fn func(ctx context.Context)) {
	ctx, span := routingTracer.Start(ctx, "service.Router.tier"+tier,
		trace.WithAttributes(attribute.String("tenant_id", tenantID)),
	)
	defer span.End()
	start := r.now()
	defer func() {
		tierLatency.WithLabelValues(tier).Observe(r.now().Sub(start).Seconds())
		if rec := recover(); rec != nil {
			tierErrorsTotal.WithLabelValues(tier).Inc()
			span.SetStatus(codes.Error, "tier panic")
			r.logger.Error("tier panicked, continuing cascade",
				zap.String("tenant_id", tenantID),
				zap.String("utterance_hash", logHash),
				zap.String("tier", tier),
				zap.Any("panic", rec),
			)
		}
	}()
	fn(ctx)
}
