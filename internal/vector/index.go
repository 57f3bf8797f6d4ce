package vector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Tier partitions the index by memory temperature.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// AllTiers lists tiers in promotion order.
var AllTiers = []Tier{TierHot, TierWarm, TierCold}

// Index parameters per tier.
const (
	hotM              = 32
	hotEfConstruction = 200
	hotEfSearch       = 50
	warmNlist         = 100
	warmSubQuantizers = 8
	coldSubQuantizers = 16
	codeBits          = 8

	saveEvery = 1000
)

// Result is one search hit.
type Result struct {
	MemoryID string  `json:"memory_id"`
	Distance float32 `json:"distance"`
}

// Stats describes one tier.
type Stats struct {
	Count            int     `json:"count"`
	Dimension        int     `json:"dimension"`
	FileSize         int64   `json:"file_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	Trained          bool    `json:"trained"`
}

type tierIndex interface {
	Add(vec []float32) int
	Search(q []float32, k int) []Candidate
	Reconstruct(id int) []float32
	Len() int
	Trained() bool
	memoryBytes() int64
}

type tierState struct {
	index      tierIndex
	toExternal []string // internal id -> memory id, "" when removed
	toInternal map[string]int
	tombstones int
}

// TieredIndex is the ANN index over memory embeddings, partitioned into a
// hot HNSW graph, a warm IVF-PQ index, and a cold flat-PQ index. Many
// readers, one writer.
type TieredIndex struct {
	mu            sync.RWMutex
	dim           int
	dir           string
	log           *slog.Logger
	tiers         map[Tier]*tierState
	addsSinceSave int
}

// NewTieredIndex builds an empty index for dim-sized embeddings. dir may be
// empty for a purely in-memory index (tests); otherwise Save writes there.
func NewTieredIndex(dim int, dir string, log *slog.Logger) (*TieredIndex, error) {
	if dim <= 0 || dim%coldSubQuantizers != 0 {
		return nil, fmt.Errorf("dimension %d must be a positive multiple of %d", dim, coldSubQuantizers)
	}
	t := &TieredIndex{
		dim:   dim,
		dir:   dir,
		log:   log,
		tiers: make(map[Tier]*tierState, len(AllTiers)),
	}
	for _, tier := range AllTiers {
		idx, err := newTierIndex(tier, dim)
		if err != nil {
			return nil, err
		}
		t.tiers[tier] = &tierState{index: idx, toInternal: make(map[string]int)}
	}
	return t, nil
}

func newTierIndex(tier Tier, dim int) (tierIndex, error) {
	switch tier {
	case TierHot:
		return NewHNSW(dim, hotM, hotEfConstruction, hotEfSearch), nil
	case TierWarm:
		return NewIVFPQ(dim, warmNlist, warmSubQuantizers, codeBits)
	case TierCold:
		return NewPQFlat(dim, coldSubQuantizers, codeBits)
	default:
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
}

func (t *TieredIndex) Dim() int { return t.dim }

// Add inserts (or re-inserts) a memory's embedding into a tier. A memory
// lives in at most one tier; any previous mapping is dropped first.
func (t *TieredIndex) Add(tier Tier, memoryID string, vec []float32) error {
	if len(vec) != t.dim {
		return fmt.Errorf("vector dimension %d, want %d", len(vec), t.dim)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ts, ok := t.tiers[tier]
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	t.removeLocked(memoryID)

	internal := ts.index.Add(vec)
	for len(ts.toExternal) <= internal {
		ts.toExternal = append(ts.toExternal, "")
	}
	ts.toExternal[internal] = memoryID
	ts.toInternal[memoryID] = internal

	t.addsSinceSave++
	if t.dir != "" && t.addsSinceSave >= saveEvery {
		if err := t.saveLocked(); err != nil {
			t.log.Error("index autosave failed", "error", err)
		}
	}
	return nil
}

// Search returns up to k hits from one tier, distance ascending.
func (t *TieredIndex) Search(tier Tier, query []float32, k int) ([]Result, error) {
	if len(query) != t.dim {
		return nil, fmt.Errorf("query dimension %d, want %d", len(query), t.dim)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	return t.searchTier(ts, query, k), nil
}

func (t *TieredIndex) searchTier(ts *tierState, query []float32, k int) []Result {
	// oversample to cover logically removed entries
	cands := ts.index.Search(query, k+ts.tombstones)
	out := make([]Result, 0, min(k, len(cands)))
	for _, c := range cands {
		if c.ID >= len(ts.toExternal) {
			continue
		}
		ext := ts.toExternal[c.ID]
		if ext == "" {
			continue
		}
		out = append(out, Result{MemoryID: ext, Distance: c.Dist})
		if len(out) == k {
			break
		}
	}
	return out
}

// MultiTierSearch fans out across tiers concurrently and merges the hits,
// distance ascending, truncated to k.
func (t *TieredIndex) MultiTierSearch(query []float32, k int, tiers []Tier) ([]Result, error) {
	if len(query) != t.dim {
		return nil, fmt.Errorf("query dimension %d, want %d", len(query), t.dim)
	}
	if len(tiers) == 0 {
		tiers = AllTiers
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	perTier := make([][]Result, len(tiers))
	var g errgroup.Group
	for i, tier := range tiers {
		ts, ok := t.tiers[tier]
		if !ok {
			return nil, fmt.Errorf("unknown tier %q", tier)
		}
		i := i
		g.Go(func() error {
			perTier[i] = t.searchTier(ts, query, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Result
	for _, rs := range perTier {
		merged = append(merged, rs...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// Remove logically drops memory ids from a tier. Space is reclaimed by
// Compact.
func (t *TieredIndex) Remove(tier Tier, memoryIDs []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.tiers[tier]
	if !ok {
		return 0
	}
	removed := 0
	for _, id := range memoryIDs {
		if internal, ok := ts.toInternal[id]; ok {
			ts.toExternal[internal] = ""
			delete(ts.toInternal, id)
			ts.tombstones++
			removed++
		}
	}
	return removed
}

// RemoveByID drops a memory id from whichever tier holds it.
func (t *TieredIndex) RemoveByID(memoryID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(memoryID)
}

func (t *TieredIndex) removeLocked(memoryID string) bool {
	for _, ts := range t.tiers {
		if internal, ok := ts.toInternal[memoryID]; ok {
			ts.toExternal[internal] = ""
			delete(ts.toInternal, memoryID)
			ts.tombstones++
			return true
		}
	}
	return false
}

// Contains reports whether any tier holds an embedding for the memory id.
func (t *TieredIndex) Contains(memoryID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ts := range t.tiers {
		if _, ok := ts.toInternal[memoryID]; ok {
			return true
		}
	}
	return false
}

// VectorOf reconstructs the stored embedding for a memory id. The result
// reflects the holding tier's fidelity: exact for hot, quantized for
// warm and cold.
func (t *TieredIndex) VectorOf(memoryID string) ([]float32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tier := range AllTiers {
		ts := t.tiers[tier]
		if internal, ok := ts.toInternal[memoryID]; ok {
			return ts.index.Reconstruct(internal), true
		}
	}
	return nil, false
}

// TierOf returns which tier holds the memory id, if any.
func (t *TieredIndex) TierOf(memoryID string) (Tier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, tier := range AllTiers {
		if _, ok := t.tiers[tier].toInternal[memoryID]; ok {
			return tier, true
		}
	}
	return "", false
}

// Move migrates a memory's embedding between tiers, reconstructing the
// stored (possibly lossy) vector.
func (t *TieredIndex) Move(memoryID string, from, to Tier) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	src, ok := t.tiers[from]
	if !ok {
		return fmt.Errorf("unknown tier %q", from)
	}
	dst, ok := t.tiers[to]
	if !ok {
		return fmt.Errorf("unknown tier %q", to)
	}
	internal, ok := src.toInternal[memoryID]
	if !ok {
		return nil // nothing to move
	}

	vec := src.index.Reconstruct(internal)
	src.toExternal[internal] = ""
	delete(src.toInternal, memoryID)
	src.tombstones++

	nid := dst.index.Add(vec)
	for len(dst.toExternal) <= nid {
		dst.toExternal = append(dst.toExternal, "")
	}
	dst.toExternal[nid] = memoryID
	dst.toInternal[memoryID] = nid
	return nil
}

// RemoveMissing drops every indexed id that is not in valid. Returns how
// many orphans were removed.
func (t *TieredIndex) RemoveMissing(valid map[string]struct{}) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for _, ts := range t.tiers {
		for id, internal := range ts.toInternal {
			if _, ok := valid[id]; !ok {
				ts.toExternal[internal] = ""
				delete(ts.toInternal, id)
				ts.tombstones++
				removed++
			}
		}
	}
	return removed
}

// Count returns the number of live entries in a tier.
func (t *TieredIndex) Count(tier Tier) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ts, ok := t.tiers[tier]; ok {
		return len(ts.toInternal)
	}
	return 0
}

// TotalCount returns live entries across all tiers.
func (t *TieredIndex) TotalCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0
	for _, ts := range t.tiers {
		total += len(ts.toInternal)
	}
	return total
}

// TierStats reports size and compression for one tier.
func (t *TieredIndex) TierStats(tier Tier) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.tiers[tier]
	if !ok {
		return Stats{}
	}
	live := len(ts.toInternal)
	memBytes := ts.index.memoryBytes()
	rawBytes := int64(ts.index.Len()) * int64(t.dim) * 4
	ratio := 0.0
	if memBytes > 0 {
		ratio = float64(rawBytes) / float64(memBytes)
	}
	return Stats{
		Count:            live,
		Dimension:        t.dim,
		FileSize:         t.fileSize(tier),
		CompressionRatio: ratio,
		Trained:          ts.index.Trained(),
	}
}

// Compact rebuilds tiers that carry tombstones, reclaiming their space,
// then persists.
func (t *TieredIndex) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for tier, ts := range t.tiers {
		if ts.tombstones == 0 {
			continue
		}
		fresh, err := newTierIndex(tier, t.dim)
		if err != nil {
			return err
		}
		toExternal := make([]string, 0, len(ts.toInternal))
		toInternal := make(map[string]int, len(ts.toInternal))
		for internal, ext := range ts.toExternal {
			if ext == "" {
				continue
			}
			nid := fresh.Add(ts.index.Reconstruct(internal))
			for len(toExternal) <= nid {
				toExternal = append(toExternal, "")
			}
			toExternal[nid] = ext
			toInternal[ext] = nid
		}
		ts.index = fresh
		ts.toExternal = toExternal
		ts.toInternal = toInternal
		ts.tombstones = 0
	}
	if t.dir == "" {
		return nil
	}
	return t.saveLocked()
}
