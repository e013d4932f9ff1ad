package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
	"github.com/chatterlinx/clientsvia-backend-sub002/internal/repository"
)

const (
	defaultPoolTTL          = 5 * time.Minute
	defaultVersionCheck     = time.Second
	defaultStoreLoadTimeout = 5 * time.Second
)

// PoolLoaderConfig agrupa los parametros del loader.
type PoolLoaderConfig struct {
	TTL                  time.Duration
	SafeResponseText     string
	VersionCheckInterval time.Duration
	StoreTimeout         time.Duration
}

type poolSlot struct {
	pool      atomic.Pointer[ScenarioPool]
	gen       atomic.Uint64
	checkedAt atomic.Int64
}

// ScenarioPoolLoader resuelve, normaliza y cachea el pool efectivo de cada tenant.
// Los lectores nunca bloquean: cada rebuild publica un snapshot nuevo con un swap atomico.
type ScenarioPoolLoader struct {
	store    repository.ScenarioStore
	versions PoolVersionSource
	logger   *zap.Logger
	cfg      PoolLoaderConfig
	now      func() time.Time

	group singleflight.Group
	slots sync.Map // tenantID -> *poolSlot
}

func NewScenarioPoolLoader(store repository.ScenarioStore, versions PoolVersionSource, logger *zap.Logger, cfg PoolLoaderConfig) *ScenarioPoolLoader {
	if versions == nil {
		versions = NewMemoryPoolVersionSource()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultPoolTTL
	}
	if cfg.VersionCheckInterval <= 0 {
		cfg.VersionCheckInterval = defaultVersionCheck
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreLoadTimeout
	}
	return &ScenarioPoolLoader{
		store:    store,
		versions: versions,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (l *ScenarioPoolLoader) slot(tenantID string) *poolSlot {
	if s, ok := l.slots.Load(tenantID); ok {
		return s.(*poolSlot)
	}
	s, _ := l.slots.LoadOrStore(tenantID, &poolSlot{})
	return s.(*poolSlot)
}

// Load devuelve el pool del tenant. stale=true indica que el store no respondio y se
// sirve el snapshot anterior. Solo falla con domain.ErrStoreUnavailable si no hay cache.
func (l *ScenarioPoolLoader) Load(ctx context.Context, tenantID string) (*ScenarioPool, bool, error) {
	s := l.slot(tenantID)
	cur := s.pool.Load()
	if cur != nil && l.fresh(cur) && !l.sharedVersionAhead(ctx, s, cur) {
		return cur, false, nil
	}

	ch := l.group.DoChan(tenantID, func() (any, error) {
		// El primer caller puede cancelar; la carga compartida no debe morir con el.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.StoreTimeout)
		defer cancel()
		return l.refresh(loadCtx, tenantID, s)
	})

	var (
		v   any
		err error
	)
	select {
	case res := <-ch:
		v, err = res.Val, res.Err
	case <-ctx.Done():
		// El turno no espera al store; la carga sigue y publica cuando termine.
		err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, ctx.Err())
	}
	if err != nil {
		if prev := s.pool.Load(); prev != nil {
			poolBuildsTotal.WithLabelValues("stale").Inc()
			l.logger.Warn("scenario store unavailable, serving stale pool",
				zap.String("tenant_id", tenantID),
				zap.String("stage", "pool_load"),
				zap.Uint64("pool_version", prev.Version),
				zap.Error(err),
			)
			return prev, true, nil
		}
		poolBuildsTotal.WithLabelValues("failed").Inc()
		l.logger.Warn("scenario pool load failed",
			zap.String("tenant_id", tenantID),
			zap.String("stage", "pool_load"),
			zap.Error(err),
		)
		return nil, false, err
	}
	return v.(*ScenarioPool), false, nil
}

func (l *ScenarioPoolLoader) fresh(p *ScenarioPool) bool {
	return l.now().Sub(p.BuiltAt) < l.cfg.TTL
}

// sharedVersionAhead detecta invalidaciones hechas por otra instancia (version compartida).
func (l *ScenarioPoolLoader) sharedVersionAhead(ctx context.Context, s *poolSlot, cur *ScenarioPool) bool {
	now := l.now().UnixNano()
	last := s.checkedAt.Load()
	if now-last < int64(l.cfg.VersionCheckInterval) {
		return false
	}
	if !s.checkedAt.CompareAndSwap(last, now) {
		return false
	}
	v, err := l.versions.Current(ctx, cur.TenantID)
	if err != nil {
		l.logger.Warn("pool version check failed",
			zap.String("tenant_id", cur.TenantID),
			zap.String("stage", "version_check"),
			zap.Error(err),
		)
		return false
	}
	return v > cur.Version
}

func (l *ScenarioPoolLoader) refresh(ctx context.Context, tenantID string, s *poolSlot) (*ScenarioPool, error) {
	ctx, span := routingTracer.Start(ctx, "service.ScenarioPoolLoader.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	gen := s.gen.Load()
	cur := s.pool.Load()

	shared, err := l.versions.Current(ctx, tenantID)
	if err != nil {
		l.logger.Warn("pool version read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		shared = 0
	}
	ahead := cur != nil && shared > cur.Version
	if cur != nil && l.fresh(cur) && !ahead {
		return cur, nil
	}

	modified, err := l.store.LastModified(ctx, tenantID)
	if err != nil && !errors.Is(err, domain.ErrTenantNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return nil, fmt.Errorf("%w: last modified: %v", domain.ErrStoreUnavailable, err)
	}

	// Sin cambios en el store: se extiende el TTL sin reconstruir ni cambiar version.
	if cur != nil && !ahead && !modified.IsZero() && !modified.After(cur.SourceModified) {
		next := cur.withVersion(cur.Version, l.now())
		l.publish(s, gen, next)
		poolBuildsTotal.WithLabelValues("refreshed").Inc()
		return next, nil
	}

	in, err := l.readInputs(ctx, tenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		return nil, err
	}
	in.SourceModified = modified

	pool := buildPool(in, l.logger)

	var version uint64
	if ahead {
		version = shared
	} else {
		version, err = l.versions.Bump(ctx, tenantID)
		if err != nil {
			l.logger.Warn("pool version bump failed, using local version",
				zap.String("tenant_id", tenantID), zap.Error(err))
			version = shared + 1
			if cur != nil && cur.Version >= version {
				version = cur.Version + 1
			}
		}
	}
	pool = pool.withVersion(version, l.now())
	l.publish(s, gen, pool)

	poolBuildsTotal.WithLabelValues("built").Inc()
	span.SetAttributes(
		attribute.Int64("pool_version", int64(version)),
		attribute.Int("scenarios", len(pool.Scenarios)),
		attribute.Int("excluded", len(pool.Excluded)),
	)
	l.logger.Info("scenario pool built",
		zap.String("tenant_id", tenantID),
		zap.Uint64("pool_version", version),
		zap.Int("scenarios", len(pool.Scenarios)),
		zap.Int("excluded", len(pool.Excluded)),
		zap.Int("filtered", pool.Filtered),
		zap.Strings("templates", pool.TemplateIDs),
	)
	return pool, nil
}

// publish solo reemplaza el snapshot si no hubo una invalidacion durante la carga.
func (l *ScenarioPoolLoader) publish(s *poolSlot, gen uint64, p *ScenarioPool) {
	if s.gen.Load() != gen {
		return
	}
	s.pool.Store(p)
	s.checkedAt.Store(l.now().UnixNano())
}

func (l *ScenarioPoolLoader) readInputs(ctx context.Context, tenantID string) (poolInput, error) {
	in := poolInput{
		TenantID:  tenantID,
		Templates: make(map[string]domain.TemplateRecord),
		SafeText:  l.cfg.SafeResponseText,
	}

	company, err := l.store.GetCompany(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			l.logger.Warn("tenant has no company record, building empty pool", zap.String("tenant_id", tenantID))
			return in, nil
		}
		return in, fmt.Errorf("%w: company: %v", domain.ErrStoreUnavailable, err)
	}
	in.Company = company

	ids := ResolveTemplateIDs(company)
	templates, err := l.store.GetTemplates(ctx, ids)
	if err != nil {
		return in, fmt.Errorf("%w: templates: %v", domain.ErrStoreUnavailable, err)
	}
	for _, t := range templates {
		in.Templates[t.TemplateID] = t
	}

	in.Overrides, err = l.store.ListOverrides(ctx, tenantID)
	if err != nil {
		return in, fmt.Errorf("%w: overrides: %v", domain.ErrStoreUnavailable, err)
	}

	// Sin embeddings Tier-2 sigue funcionando solo lexico.
	in.Embeddings, err = l.store.ListEmbeddings(ctx, ids)
	if err != nil {
		l.logger.Warn("scenario embeddings unavailable",
			zap.String("tenant_id", tenantID),
			zap.String("stage", "pool_load"),
			zap.Error(err),
		)
		in.Embeddings = nil
	}
	return in, nil
}

// Invalidate sube la version del pool y descarta el snapshot cacheado del tenant.
// Las decisiones cacheadas con la version anterior quedan inalcanzables.
func (l *ScenarioPoolLoader) Invalidate(ctx context.Context, tenantID string) (uint64, error) {
	s := l.slot(tenantID)
	s.gen.Add(1)
	s.pool.Store(nil)
	l.group.Forget(tenantID)

	v, err := l.versions.Bump(ctx, tenantID)
	if err != nil {
		l.logger.Warn("pool version bump failed on invalidate",
			zap.String("tenant_id", tenantID),
			zap.String("stage", "invalidate"),
			zap.Error(err),
		)
		return 0, err
	}
	l.logger.Info("scenario pool invalidated", zap.String("tenant_id", tenantID), zap.Uint64("pool_version", v))
	return v, nil
}
