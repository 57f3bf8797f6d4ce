package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"localmind/internal/llm"
	"localmind/internal/storage"
	"localmind/internal/vector"
)

// Urgency levels map to latency budgets: instant stays on SQL, normal
// ranks SQL candidates by embedding, comprehensive runs full ANN.
const (
	UrgencyInstant       = "instant"
	UrgencyNormal        = "normal"
	UrgencyComprehensive = "comprehensive"
)

// Strategy names reported in results. These reflect what actually ran,
// including downgrades.
const (
	StrategySQL    = "sql_keyword"
	StrategyHybrid = "hybrid"
	StrategyVector = "vector_multi_tier"
)

// Latency budgets per urgency. A strategy that cannot finish within twice
// its budget is abandoned in favor of the next cheaper one.
const (
	budgetInstant       = 30 * time.Millisecond
	budgetNormal        = 100 * time.Millisecond
	budgetComprehensive = 300 * time.Millisecond
)

const (
	cacheTTL          = 5 * time.Minute
	defaultLimit      = 10
	candidatePoolSize = 50
)

// Request carries one retrieval call.
type Request struct {
	UserID  string
	Query   string
	Urgency string
	Types   []string
	Limit   int
}

// RetrievalResult is the unified answer shape for every strategy.
type RetrievalResult struct {
	Memories        []storage.Memory `json:"memories"`
	SearchStrategy  string           `json:"search_strategy"`
	LatencyMS       float64          `json:"latency_ms"`
	TotalSearched   int              `json:"total_searched"`
	RelevanceScores []float64        `json:"relevance_scores"`
	Query           string           `json:"query"`
	Urgency         string           `json:"urgency"`
	Cached          bool             `json:"cached,omitempty"`
}

type cacheEntry struct {
	result  RetrievalResult
	expires time.Time
}

// Router picks a search strategy per urgency and degrades gracefully when
// the richer strategies cannot run.
type Router struct {
	db    *storage.Storage
	index *vector.TieredIndex
	embed llm.Embedder
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewRouter(db *storage.Storage, index *vector.TieredIndex, embed llm.Embedder, log *slog.Logger) *Router {
	return &Router{
		db:    db,
		index: index,
		embed: embed,
		log:   log,
		cache: make(map[string]cacheEntry),
	}
}

// Retrieve answers a query within the urgency's budget. Results are
// cached for five minutes per (user, query, urgency, types).
func (r *Router) Retrieve(ctx context.Context, req Request) (*RetrievalResult, error) {
	if req.Limit <= 0 {
		req.Limit = defaultLimit
	}
	if req.Urgency == "" {
		req.Urgency = UrgencyNormal
	}

	key := cacheKey(req)
	if cached, ok := r.cacheGet(key); ok {
		cached.Cached = true
		return &cached, nil
	}

	start := time.Now()
	var result *RetrievalResult
	var err error

	switch req.Urgency {
	case UrgencyComprehensive:
		result, err = r.within(ctx, budgetComprehensive, req, r.vectorSearch)
		if err != nil {
			r.log.Warn("Vector search downgraded to hybrid", "error", err)
			result, err = r.within(ctx, budgetComprehensive, req, r.hybridSearch)
		}
		if err != nil {
			r.log.Warn("Hybrid search downgraded to keyword", "error", err)
			result, err = r.keywordSearch(req)
		}
	case UrgencyInstant:
		result, err = r.keywordSearch(req)
	default:
		result, err = r.within(ctx, budgetNormal, req, r.hybridSearch)
		if err != nil {
			r.log.Warn("Hybrid search downgraded to keyword", "error", err)
			result, err = r.keywordSearch(req)
		}
	}
	if err != nil {
		return nil, err
	}

	result.Query = req.Query
	result.Urgency = req.Urgency
	result.LatencyMS = float64(time.Since(start).Microseconds()) / 1000

	if len(result.Memories) > 0 {
		ids := make([]string, len(result.Memories))
		for i, m := range result.Memories {
			ids[i] = m.ID
		}
		if err := r.db.TouchMemories(ids); err != nil {
			r.log.Warn("Touch after retrieval failed", "error", err)
		}
	}

	r.cacheSet(key, *result)
	return result, nil
}

// within bounds one strategy attempt to twice the urgency budget. Blowing
// the deadline counts as a strategy failure, so Retrieve downgrades
// instead of riding out a slow path. A result that lands after the
// deadline is discarded for the same reason.
func (r *Router) within(ctx context.Context, budget time.Duration, req Request,
	strategy func(context.Context, Request) (*RetrievalResult, error)) (*RetrievalResult, error) {
	bctx, cancel := context.WithTimeout(ctx, 2*budget)
	defer cancel()
	result, err := strategy(bctx, req)
	if err != nil {
		return nil, err
	}
	if bctx.Err() != nil {
		return nil, fmt.Errorf("strategy exceeded %v: %w", 2*budget, bctx.Err())
	}
	return result, nil
}

// InvalidateUser drops every cached result for a user. Wire it to the
// store's write hook.
func (r *Router) InvalidateUser(userID string) {
	prefix := userID + "\x00"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

func cacheKey(req Request) string {
	types := append([]string(nil), req.Types...)
	sort.Strings(types)
	return strings.Join([]string{
		req.UserID, req.Urgency, strings.Join(types, ","), fmt.Sprint(req.Limit), req.Query,
	}, "\x00")
}

func (r *Router) cacheGet(key string) (RetrievalResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return RetrievalResult{}, false
	}
	if time.Now().After(entry.expires) {
		delete(r.cache, key)
		return RetrievalResult{}, false
	}
	return entry.result, true
}

func (r *Router) cacheSet(key string, result RetrievalResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for k, e := range r.cache {
		if now.After(e.expires) {
			delete(r.cache, k)
		}
	}
	r.cache[key] = cacheEntry{result: result, expires: now.Add(cacheTTL)}
}

// ============= Strategies =============

// keywordSearch ranks SQL candidates by word overlap:
// 0.7 * content overlap + 0.3 * keyword overlap, both normalized by the
// query's word count.
func (r *Router) keywordSearch(req Request) (*RetrievalResult, error) {
	queryWords := wordSet(req.Query)
	terms := ExtractKeywords(req.Query, 8)
	if len(terms) == 0 {
		for w := range queryWords {
			if len(w) >= 3 {
				terms = append(terms, w)
			}
		}
	}

	candidates, err := r.db.SearchLike(req.UserID, terms, req.Types, candidatePoolSize)
	if err != nil {
		return nil, err
	}

	type scored struct {
		m     storage.Memory
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		contentWords := wordSet(m.Content)
		keywords := KeywordsFromJSON(m.Keywords)
		keywordSet := make(map[string]struct{}, len(keywords))
		for _, k := range keywords {
			keywordSet[strings.ToLower(k)] = struct{}{}
		}

		var contentHits, keywordHits int
		for w := range queryWords {
			if _, ok := contentWords[w]; ok {
				contentHits++
			}
			if _, ok := keywordSet[w]; ok {
				keywordHits++
			}
		}
		denom := float64(len(queryWords))
		if denom == 0 {
			continue
		}
		score := 0.7*float64(contentHits)/denom + 0.3*float64(keywordHits)/denom
		if score > 0 {
			ranked = append(ranked, scored{m: m, score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].m.Importance > ranked[j].m.Importance
	})
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	result := &RetrievalResult{
		SearchStrategy:  StrategySQL,
		TotalSearched:   len(candidates),
		Memories:        make([]storage.Memory, len(ranked)),
		RelevanceScores: make([]float64, len(ranked)),
	}
	for i, sc := range ranked {
		result.Memories[i] = sc.m
		result.RelevanceScores[i] = sc.score
	}
	return result, nil
}

// hybridSearch embeds the query and cosine-ranks recent SQL candidates.
// Candidates missing from the index are embedded on the fly and
// back-filled so the next call finds them.
func (r *Router) hybridSearch(ctx context.Context, req Request) (*RetrievalResult, error) {
	if r.embed == nil {
		return nil, fmt.Errorf("no embedder available")
	}
	candidates, err := r.db.RecentCandidates(req.UserID, req.Types, candidatePoolSize)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &RetrievalResult{SearchStrategy: StrategyHybrid}, nil
	}

	qvecs, err := r.embed.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	qvec := qvecs[0]

	vecs := make([][]float32, len(candidates))
	var missing []int
	for i, m := range candidates {
		if v, ok := r.index.VectorOf(m.ID); ok {
			vecs[i] = v
		} else {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = candidates[i].Content
		}
		fresh, err := r.embed.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		for j, i := range missing {
			vecs[i] = fresh[j]
			tier := vector.Tier(candidates[i].Tier)
			if tier == "" {
				tier = vector.TierHot
			}
			if err := r.index.Add(tier, candidates[i].ID, fresh[j]); err != nil {
				r.log.Warn("Back-fill add failed", "memory", candidates[i].ID, "error", err)
			}
		}
	}

	type scored struct {
		m     storage.Memory
		score float64
	}
	ranked := make([]scored, len(candidates))
	for i, m := range candidates {
		ranked[i] = scored{m: m, score: float64(vector.Dot(qvec, vecs[i]))}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > req.Limit {
		ranked = ranked[:req.Limit]
	}

	result := &RetrievalResult{
		SearchStrategy:  StrategyHybrid,
		TotalSearched:   len(candidates),
		Memories:        make([]storage.Memory, len(ranked)),
		RelevanceScores: make([]float64, len(ranked)),
	}
	for i, sc := range ranked {
		result.Memories[i] = sc.m
		result.RelevanceScores[i] = sc.score
	}
	return result, nil
}

// vectorSearch runs ANN across every tier and hydrates rows from SQL.
// Distances are squared L2 over unit vectors, so 1 - d/2 recovers cosine.
func (r *Router) vectorSearch(ctx context.Context, req Request) (*RetrievalResult, error) {
	if r.embed == nil {
		return nil, fmt.Errorf("no embedder available")
	}
	qvecs, err := r.embed.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}

	hits, err := r.index.MultiTierSearch(qvecs[0], req.Limit*3, vector.AllTiers)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return &RetrievalResult{SearchStrategy: StrategyVector, TotalSearched: r.index.TotalCount()}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	rows, err := r.db.GetMemories(ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]storage.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	typeFilter := make(map[string]struct{}, len(req.Types))
	for _, t := range req.Types {
		typeFilter[t] = struct{}{}
	}

	result := &RetrievalResult{
		SearchStrategy: StrategyVector,
		TotalSearched:  r.index.TotalCount(),
	}
	for _, h := range hits {
		m, ok := byID[h.MemoryID]
		if !ok || m.UserID != req.UserID {
			continue
		}
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[m.MemoryType]; !ok {
				continue
			}
		}
		score := 1 - float64(h.Distance)/2
		if score < 0 {
			score = 0
		}
		result.Memories = append(result.Memories, m)
		result.RelevanceScores = append(result.RelevanceScores, score)
		if len(result.Memories) == req.Limit {
			break
		}
	}
	return result, nil
}
