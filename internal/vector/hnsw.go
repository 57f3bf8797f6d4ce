package vector

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

// Candidate pairs an internal id with its distance to the query.
type Candidate struct {
	ID   int
	Dist float32
}

type minHeap []Candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].Dist < h[j].Dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(Candidate)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type maxHeap []Candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].Dist > h[j].Dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(Candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type hnswNode struct {
	vec       []uint16
	neighbors [][]int // per layer
}

// HNSW is a hierarchical navigable small-world graph over half-precision
// vectors. Nodes are never removed; deletion is handled by the id map.
// Not safe for concurrent use; TieredIndex serializes access.
type HNSW struct {
	dim            int
	m              int
	mMax0          int
	efConstruction int
	efSearch       int
	ml             float64
	entry          int
	maxLevel       int
	nodes          []hnswNode
	rng            *rand.Rand
}

func NewHNSW(dim, m, efConstruction, efSearch int) *HNSW {
	return &HNSW{
		dim:            dim,
		m:              m,
		mMax0:          2 * m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		ml:             1 / math.Log(float64(m)),
		entry:          -1,
		maxLevel:       -1,
		rng:            rand.New(rand.NewSource(1)),
	}
}

func (h *HNSW) Len() int { return len(h.nodes) }

// Trained is always true; HNSW needs no training phase.
func (h *HNSW) Trained() bool { return true }

func (h *HNSW) distTo(q []float32, id int) float32 {
	return l2ToHalf(q, h.nodes[id].vec)
}

// Reconstruct returns the stored vector, expanded to float32.
func (h *HNSW) Reconstruct(id int) []float32 {
	return DecodeVector(h.nodes[id].vec)
}

func (h *HNSW) randomLevel() int {
	r := h.rng.Float64()
	for r == 0 {
		r = h.rng.Float64()
	}
	return int(math.Floor(-math.Log(r) * h.ml))
}

// Add inserts a vector and returns its internal id.
func (h *HNSW) Add(vec []float32) int {
	id := len(h.nodes)
	level := h.randomLevel()
	h.nodes = append(h.nodes, hnswNode{
		vec:       EncodeVector(vec),
		neighbors: make([][]int, level+1),
	})

	if h.entry < 0 {
		h.entry = id
		h.maxLevel = level
		return id
	}

	cur := h.entry
	curDist := h.distTo(vec, cur)

	// greedy descent through layers above the new node's level
	for l := h.maxLevel; l > level; l-- {
		for changed := true; changed; {
			changed = false
			for _, nb := range h.nodes[cur].neighbors[l] {
				if d := h.distTo(vec, nb); d < curDist {
					cur, curDist, changed = nb, d, true
				}
			}
		}
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		cands := h.searchLayer(vec, cur, h.efConstruction, l)
		limit := min(h.m, len(cands))
		chosen := make([]int, 0, limit)
		for _, c := range cands[:limit] {
			chosen = append(chosen, c.ID)
		}
		h.nodes[id].neighbors[l] = chosen

		maxConn := h.mMax0
		if l > 0 {
			maxConn = h.m
		}
		for _, nb := range chosen {
			h.nodes[nb].neighbors[l] = append(h.nodes[nb].neighbors[l], id)
			if len(h.nodes[nb].neighbors[l]) > maxConn {
				h.shrink(nb, l, maxConn)
			}
		}
		if len(cands) > 0 {
			cur = cands[0].ID
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.entry = id
	}
	return id
}

// shrink keeps only the maxConn closest neighbors of a node at one layer.
func (h *HNSW) shrink(id, layer, maxConn int) {
	v := DecodeVector(h.nodes[id].vec)
	nbs := h.nodes[id].neighbors[layer]
	cands := make([]Candidate, len(nbs))
	for i, nb := range nbs {
		cands[i] = Candidate{ID: nb, Dist: h.distTo(v, nb)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Dist < cands[j].Dist })
	kept := make([]int, 0, maxConn)
	for _, c := range cands[:maxConn] {
		kept = append(kept, c.ID)
	}
	h.nodes[id].neighbors[layer] = kept
}

// searchLayer runs a beam search of width ef within one layer and returns
// candidates sorted by distance ascending.
func (h *HNSW) searchLayer(q []float32, entry, ef, layer int) []Candidate {
	entryDist := h.distTo(q, entry)
	visited := map[int]struct{}{entry: {}}
	cand := &minHeap{{ID: entry, Dist: entryDist}}
	results := &maxHeap{{ID: entry, Dist: entryDist}}

	for cand.Len() > 0 {
		c := heap.Pop(cand).(Candidate)
		if results.Len() >= ef && c.Dist > (*results)[0].Dist {
			break
		}
		node := h.nodes[c.ID]
		if layer >= len(node.neighbors) {
			continue
		}
		for _, nb := range node.neighbors[layer] {
			if _, ok := visited[nb]; ok {
				continue
			}
			visited[nb] = struct{}{}
			d := h.distTo(q, nb)
			if results.Len() < ef || d < (*results)[0].Dist {
				heap.Push(cand, Candidate{ID: nb, Dist: d})
				heap.Push(results, Candidate{ID: nb, Dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(Candidate)
	}
	return out
}

// Search returns the k nearest internal ids, distance ascending.
func (h *HNSW) Search(q []float32, k int) []Candidate {
	if h.entry < 0 || k <= 0 {
		return nil
	}

	cur := h.entry
	curDist := h.distTo(q, cur)
	for l := h.maxLevel; l > 0; l-- {
		for changed := true; changed; {
			changed = false
			node := h.nodes[cur]
			if l >= len(node.neighbors) {
				break
			}
			for _, nb := range node.neighbors[l] {
				if d := h.distTo(q, nb); d < curDist {
					cur, curDist, changed = nb, d, true
				}
			}
		}
	}

	cands := h.searchLayer(q, cur, max(h.efSearch, k), 0)
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

// memoryBytes estimates the resident footprint of stored vectors and links.
func (h *HNSW) memoryBytes() int64 {
	var total int64
	for _, n := range h.nodes {
		total += int64(len(n.vec)) * 2
		for _, layer := range n.neighbors {
			total += int64(len(layer)) * 8
		}
	}
	return total
}
