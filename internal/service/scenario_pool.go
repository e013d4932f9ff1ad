package service

import (
	"regexp"
	"sort"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/chatterlinx/clientsvia-backend-sub002/internal/domain"
)

// Razones de exclusion de un escenario durante el build.
const (
	ExcludeMissingID      = "missing_id"
	ExcludeDuplicateID    = "duplicate_id"
	ExcludeInvalidRegex   = "invalid_regex"
	ExcludeEmptyReplyPool = "empty_reply_pool"
	ExcludeUnknownStatus  = "unknown_status"
)

// ExcludedScenario describe un escenario que no entro al pool por error de configuracion.
type ExcludedScenario struct {
	TemplateID string `json:"template_id"`
	ScenarioID string `json:"scenario_id"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// ScenarioPool es el snapshot inmutable de escenarios efectivos de un tenant.
// Nunca se modifica despues de publicado; un rebuild produce un pool nuevo.
type ScenarioPool struct {
	TenantID       string
	Version        uint64
	TemplateIDs    []string
	Scenarios      []*domain.Scenario
	Fallback       *domain.Scenario
	Excluded       []ExcludedScenario
	Filtered       int
	SourceModified time.Time
	BuiltAt        time.Time

	nlp      map[string]*NLPConfig
	catKeys  []string // paralelo a Scenarios
	byKey    map[string]int
	index    *bm25Index
	defaults *NLPConfig
}

// Size devuelve la cantidad de escenarios matcheables.
func (p *ScenarioPool) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Scenarios)
}

// NLPFor devuelve el Effective NLP Config de la categoria del escenario i.
func (p *ScenarioPool) NLPFor(i int) *NLPConfig {
	if cfg, ok := p.nlp[p.catKeys[i]]; ok {
		return cfg
	}
	return p.defaults
}

// CategoryNLP devuelve el Effective NLP Config por nombre de categoria.
func (p *ScenarioPool) CategoryNLP(name string) (*NLPConfig, bool) {
	cfg, ok := p.nlp[categoryKey(name, "")]
	return cfg, ok
}

// Lookup busca por clave templateId/scenarioId; tambien acepta un scenarioId suelto.
func (p *ScenarioPool) Lookup(key string) *domain.Scenario {
	if p == nil {
		return nil
	}
	if i, ok := p.byKey[key]; ok {
		return p.Scenarios[i]
	}
	if p.Fallback != nil && (p.Fallback.Key() == key || p.Fallback.ScenarioID == key) {
		return p.Fallback
	}
	for _, s := range p.Scenarios {
		if s.ScenarioID == key {
			return s
		}
	}
	return nil
}

// withVersion devuelve una copia superficial con otra version y fecha; los slices se comparten.
func (p *ScenarioPool) withVersion(version uint64, builtAt time.Time) *ScenarioPool {
	cp := *p
	cp.Version = version
	cp.BuiltAt = builtAt
	return &cp
}

// preparedUtterance cachea el texto preparado por categoria durante un match.
type preparedUtterance struct {
	raw      string
	pool     *ScenarioPool
	norm     map[*NLPConfig]string
	prepared map[*NLPConfig]string
}

func newPreparedUtterance(pool *ScenarioPool, raw string) *preparedUtterance {
	return &preparedUtterance{
		raw:      raw,
		pool:     pool,
		norm:     make(map[*NLPConfig]string),
		prepared: make(map[*NLPConfig]string),
	}
}

// forScenario devuelve (normalizado con sinonimos, normalizado sin fillers).
func (u *preparedUtterance) forScenario(i int) (string, string) {
	cfg := u.pool.NLPFor(i)
	if p, ok := u.prepared[cfg]; ok {
		return u.norm[cfg], p
	}
	n := NormalizeText(cfg.Translate(u.raw))
	p := cfg.StripFillers(n)
	u.norm[cfg] = n
	u.prepared[cfg] = p
	return n, p
}

// poolInput agrupa lo leido del store para un build.
type poolInput struct {
	TenantID       string
	Company        domain.CompanyRecord
	Templates      map[string]domain.TemplateRecord
	Overrides      []domain.ScenarioOverride
	Embeddings     map[string]pgvector.Vector
	SourceModified time.Time
	SafeText       string
}

type pendingScenario struct {
	scenario *domain.Scenario
	record   domain.ScenarioRecord
	catKey   string
}

// buildPool aplica herencia template -> categoria -> override y devuelve un snapshot listo.
// Un escenario mal configurado se excluye con warning; nunca aborta el build.
func buildPool(in poolInput, logger *zap.Logger) *ScenarioPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := &ScenarioPool{
		TenantID:       in.TenantID,
		SourceModified: in.SourceModified,
		nlp:            make(map[string]*NLPConfig),
		byKey:          make(map[string]int),
	}

	overrides := make(map[string]bool, len(in.Overrides))
	for _, o := range in.Overrides {
		overrides[domain.OverrideKey(o.TemplateID, o.ScenarioID)] = o.IsEnabled
	}

	exclude := func(templateID, scenarioID, reason, detail string) {
		pool.Excluded = append(pool.Excluded, ExcludedScenario{
			TemplateID: templateID,
			ScenarioID: scenarioID,
			Reason:     reason,
			Detail:     detail,
		})
		logger.Warn("scenario excluded from pool",
			zap.String("tenant_id", in.TenantID),
			zap.String("template_id", templateID),
			zap.String("scenario_id", scenarioID),
			zap.String("reason", reason),
			zap.String("detail", detail),
		)
		poolExclusionsTotal.WithLabelValues(reason).Inc()
	}

	builders := make(map[string]*nlpBuilder)
	var pending []pendingScenario
	seen := make(map[string]struct{})

	for _, templateID := range ResolveTemplateIDs(in.Company) {
		tmpl, ok := in.Templates[templateID]
		if !ok {
			logger.Warn("template referenced but not found",
				zap.String("tenant_id", in.TenantID),
				zap.String("template_id", templateID),
			)
			continue
		}
		pool.TemplateIDs = append(pool.TemplateIDs, templateID)

		for _, cat := range tmpl.Categories {
			key := categoryKey(cat.Name, cat.CategoryID)
			b, ok := builders[key]
			if !ok {
				b = newNLPBuilder()
				builders[key] = b
			}
			b.addFillers(tmpl.FillerWords)
			b.addSynonyms(tmpl.SynonymMap)
			b.addFillers(cat.AdditionalFillerWords)
			b.addSynonyms(cat.SynonymMap)

			for _, rec := range cat.Scenarios {
				id := strings.TrimSpace(rec.ScenarioID)
				if id == "" {
					id = strings.TrimSpace(rec.LegacyID)
				}
				if id == "" {
					exclude(templateID, "", ExcludeMissingID, rec.Name)
					continue
				}

				status, known := parseStatus(rec.Status)
				if !known {
					exclude(templateID, id, ExcludeUnknownStatus, rec.Status)
					continue
				}
				active := rec.IsActive == nil || *rec.IsActive
				enabled, hasOverride := overrides[domain.OverrideKey(templateID, id)]
				if status != domain.ScenarioStatusLive || !active || (hasOverride && !enabled) {
					pool.Filtered++
					continue
				}

				sKey := domain.OverrideKey(templateID, id)
				if _, dup := seen[sKey]; dup {
					exclude(templateID, id, ExcludeDuplicateID, "")
					continue
				}
				seen[sKey] = struct{}{}

				sc := normalizeScenario(rec, id, templateID, cat, logger, in.TenantID)
				sc.Status = status
				sc.IsActive = active
				pending = append(pending, pendingScenario{scenario: sc, record: rec, catKey: key})
			}
		}
	}

	for key, b := range builders {
		cfg, rejected := b.build()
		if len(rejected) > 0 {
			logger.Warn("negation words ignored in filler list",
				zap.String("tenant_id", in.TenantID),
				zap.String("category", key),
				zap.Strings("words", rejected),
			)
		}
		pool.nlp[key] = cfg
	}
	pool.defaults, _ = newNLPBuilder().build()

	var sources []bm25Source
	for _, p := range pending {
		sc := p.scenario
		cfg := pool.nlp[p.catKey]

		if err := compileTriggers(sc, cfg); err != nil {
			exclude(sc.TemplateID, sc.ScenarioID, ExcludeInvalidRegex, err.Error())
			continue
		}
		if !hasReplyFor(sc) {
			exclude(sc.TemplateID, sc.ScenarioID, ExcludeEmptyReplyPool, string(sc.ReplyStrategy))
			continue
		}
		if vec, ok := in.Embeddings[sc.Key()]; ok && len(vec.Slice()) > 0 {
			v := vec
			sc.Embedding = &v
		}

		idx := len(pool.Scenarios)
		sc.Ordinal = idx
		pool.Scenarios = append(pool.Scenarios, sc)
		pool.catKeys = append(pool.catKeys, p.catKey)
		pool.byKey[sc.Key()] = idx

		for _, t := range sc.NormTriggers {
			sources = append(sources, bm25Source{owner: idx, text: t})
		}
		if name := cfg.Prepare(sc.Name); name != "" {
			sources = append(sources, bm25Source{owner: idx, text: name})
		}
	}
	pool.index = buildBM25Index(sources)
	pool.Fallback = resolveFallback(pool, in.Company.FallbackScenarioID, in.SafeText)
	return pool
}

// ResolveTemplateIDs resuelve las referencias de templates del tenant en orden de prioridad.
// Usa templateReferences; si no hay, cae a los campos legacy templateIds y templateId.
func ResolveTemplateIDs(c domain.CompanyRecord) []string {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if len(c.TemplateReferences) > 0 {
		refs := make([]domain.TemplateRef, len(c.TemplateReferences))
		copy(refs, c.TemplateReferences)
		sort.SliceStable(refs, func(i, j int) bool { return refs[i].Priority < refs[j].Priority })
		for _, r := range refs {
			if r.Enabled != nil && !*r.Enabled {
				continue
			}
			add(r.TemplateID)
		}
		return ids
	}
	for _, id := range c.LegacyTemplateIDs {
		add(id)
	}
	add(c.LegacyTemplateID)
	return ids
}

func categoryKey(name, id string) string {
	k := strings.ToLower(strings.Join(strings.Fields(name), " "))
	if k == "" {
		k = strings.ToLower(strings.TrimSpace(id))
	}
	return k
}

func normalizeScenario(rec domain.ScenarioRecord, id, templateID string, cat domain.CategoryRecord, logger *zap.Logger, tenantID string) *domain.Scenario {
	sc := &domain.Scenario{
		ScenarioID:       id,
		Name:             strings.TrimSpace(rec.Name),
		TemplateID:       templateID,
		CategoryID:       cat.CategoryID,
		CategoryName:     cat.Name,
		Priority:         rec.Priority,
		Triggers:         rec.Triggers,
		RegexTriggers:    rec.RegexTriggers,
		NegativeTriggers: rec.NegativeTriggers,
		QuickReplies:     NormalizeReplies(rec.QuickReplies),
		FullReplies:      NormalizeReplies(rec.FullReplies),
		FollowUpPrompts:  NormalizeReplies(rec.FollowUpPrompts),
		CooldownSeconds:  rec.CooldownSeconds,
		ContextWeight:    1.0,
	}
	if sc.Name == "" {
		sc.Name = id
	}
	if len(sc.FullReplies) == 0 {
		sc.FullReplies = NormalizeReplies(rec.LegacyReplies)
	}
	if rec.MinConfidence != nil {
		mc := *rec.MinConfidence
		// Documentos viejos guardan porcentajes.
		if mc > 1 && mc <= 100 {
			mc = mc / 100
		}
		sc.MinConfidence = &mc
	}
	if rec.ContextWeight != nil && *rec.ContextWeight >= 0 {
		sc.ContextWeight = *rec.ContextWeight
	}

	warnEnum := func(field, value string) {
		logger.Warn("unknown enum value, using default",
			zap.String("tenant_id", tenantID),
			zap.String("template_id", templateID),
			zap.String("scenario_id", id),
			zap.String("field", field),
			zap.String("value", value),
		)
	}

	var ok bool
	if sc.ScenarioType, ok = parseScenarioType(rec.ScenarioType); !ok {
		warnEnum("scenarioType", rec.ScenarioType)
	}
	if sc.ScenarioType == "" {
		if len(sc.FullReplies) > 0 {
			sc.ScenarioType = domain.ScenarioTypeInfoFAQ
		} else {
			sc.ScenarioType = domain.ScenarioTypeSmallTalk
		}
	}
	if sc.ReplyStrategy, ok = parseReplyStrategy(rec.ReplyStrategy); !ok {
		warnEnum("replyStrategy", rec.ReplyStrategy)
	}
	if sc.FollowUpMode, ok = parseFollowUpMode(rec.FollowUpMode); !ok {
		warnEnum("followUpMode", rec.FollowUpMode)
	}
	if sc.Channel, ok = parseChannel(rec.Channel); !ok {
		warnEnum("channel", rec.Channel)
	}
	return sc
}

// compileTriggers precompila regex y prepara triggers con el NLP config de la categoria.
func compileTriggers(sc *domain.Scenario, cfg *NLPConfig) error {
	for _, t := range sc.Triggers {
		if p := cfg.Prepare(t); p != "" {
			sc.NormTriggers = appendUnique(sc.NormTriggers, p)
		}
	}
	for _, pattern := range sc.RegexTriggers {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return err
		}
		sc.CompiledRegex = append(sc.CompiledRegex, re)
	}
	for _, n := range sc.NegativeTriggers {
		n = strings.TrimSpace(n)
		if len(n) > 2 && strings.HasPrefix(n, "/") && strings.HasSuffix(n, "/") {
			re, err := regexp.Compile("(?i)" + n[1:len(n)-1])
			if err != nil {
				return err
			}
			sc.CompiledNegRegex = append(sc.CompiledNegRegex, re)
			continue
		}
		if p := cfg.Prepare(n); p != "" {
			sc.NormNegatives = appendUnique(sc.NormNegatives, p)
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// hasReplyFor verifica que exista un pool de respuestas acorde a la estrategia.
func hasReplyFor(sc *domain.Scenario) bool {
	quick, full := len(sc.QuickReplies) > 0, len(sc.FullReplies) > 0
	switch sc.ReplyStrategy {
	case domain.ReplyStrategyFullOnly:
		return full
	case domain.ReplyStrategyQuickOnly:
		if sc.ScenarioType == domain.ScenarioTypeInfoFAQ {
			return full || quick
		}
		return quick
	}
	if sc.ScenarioType == domain.ScenarioTypeInfoFAQ {
		return full
	}
	return quick || full
}

func resolveFallback(pool *ScenarioPool, fallbackID, safeText string) *domain.Scenario {
	if fallbackID != "" {
		if s := pool.Lookup(fallbackID); s != nil {
			return s
		}
	}
	return NoMatchScenario(safeText)
}

// NoMatchScenario construye el escenario sintetico "ningun escenario aplica".
func NoMatchScenario(safeText string) *domain.Scenario {
	if strings.TrimSpace(safeText) == "" {
		safeText = "I'm sorry, I didn't quite catch that. Could you say it another way?"
	}
	return &domain.Scenario{
		ScenarioID:    domain.NoMatchScenarioID,
		Name:          "No scenario fits",
		Status:        domain.ScenarioStatusLive,
		IsActive:      true,
		ScenarioType:  domain.ScenarioTypeSystemAck,
		ReplyStrategy: domain.ReplyStrategyFullOnly,
		FullReplies:   []domain.ReplyVariant{{Text: safeText, Weight: domain.DefaultReplyWeight}},
		FollowUpMode:  domain.FollowUpNone,
		Channel:       domain.ChannelAny,
		ContextWeight: 1.0,
		Ordinal:       -1,
	}
}

func enumToken(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

func parseStatus(s string) (domain.ScenarioStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "live", "published":
		return domain.ScenarioStatusLive, true
	case "draft":
		return domain.ScenarioStatusDraft, true
	case "archived":
		return domain.ScenarioStatusArchived, true
	}
	return "", false
}

func parseScenarioType(s string) (domain.ScenarioType, bool) {
	switch enumToken(s) {
	case "":
		return "", true
	case "INFO_FAQ", "FAQ":
		return domain.ScenarioTypeInfoFAQ, true
	case "ACTION_FLOW":
		return domain.ScenarioTypeActionFlow, true
	case "SYSTEM_ACK":
		return domain.ScenarioTypeSystemAck, true
	case "SMALL_TALK":
		return domain.ScenarioTypeSmallTalk, true
	}
	return "", false
}

func parseReplyStrategy(s string) (domain.ReplyStrategy, bool) {
	switch enumToken(s) {
	case "", "AUTO":
		return domain.ReplyStrategyAuto, true
	case "FULL_ONLY":
		return domain.ReplyStrategyFullOnly, true
	case "QUICK_ONLY":
		return domain.ReplyStrategyQuickOnly, true
	case "QUICK_THEN_FULL":
		return domain.ReplyStrategyQuickThenFull, true
	case "MODEL_WRAP", "LLM_WRAP":
		return domain.ReplyStrategyModelWrap, true
	case "MODEL_CONTEXT", "LLM_CONTEXT":
		return domain.ReplyStrategyModelContext, true
	}
	return domain.ReplyStrategyAuto, false
}

func parseFollowUpMode(s string) (domain.FollowUpMode, bool) {
	switch enumToken(s) {
	case "", "NONE":
		return domain.FollowUpNone, true
	case "ASK_FOLLOWUP_QUESTION", "ASK_FOLLOW_UP_QUESTION":
		return domain.FollowUpAskQuestion, true
	case "ASK_IF_BOOK":
		return domain.FollowUpAskIfBook, true
	case "TRANSFER":
		return domain.FollowUpTransfer, true
	}
	return domain.FollowUpNone, false
}

func parseChannel(s string) (domain.Channel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all":
		return domain.ChannelAny, true
	case "voice", "phone", "call":
		return domain.ChannelVoice, true
	case "sms", "text":
		return domain.ChannelSMS, true
	case "chat", "web":
		return domain.ChannelChat, true
	}
	return domain.ChannelAny, false
}
