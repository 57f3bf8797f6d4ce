package vector

import (
	"container/heap"
	"math/rand"
)

// IVFPQ is an inverted-file index with product-quantized residuals.
// Vectors buffer as raw half floats until the row count reaches nlist;
// training then builds the coarse centroids and codebooks and encodes
// the backlog. Until that point searches scan the buffer linearly, so
// early rows are never invisible.
type IVFPQ struct {
	dim    int
	nlist  int
	nprobe int
	pq     *ProductQuantizer

	centroids [][]float32
	lists     [][]int   // list -> internal ids
	codes     [][]byte  // internal id -> code, nil while raw
	assign    []int     // internal id -> list, -1 while raw
	raw       [][]uint16
	trained   bool
	rng       *rand.Rand
}

func NewIVFPQ(dim, nlist, m, nbits int) (*IVFPQ, error) {
	pq, err := NewProductQuantizer(dim, m, nbits)
	if err != nil {
		return nil, err
	}
	return &IVFPQ{
		dim:    dim,
		nlist:  nlist,
		nprobe: 10,
		pq:     pq,
		lists:  make([][]int, nlist),
		rng:    rand.New(rand.NewSource(1)),
	}, nil
}

func (iv *IVFPQ) Len() int      { return len(iv.assign) }
func (iv *IVFPQ) Trained() bool { return iv.trained }

// Add inserts a vector and returns its internal id. The first add that
// brings the total to nlist triggers training.
func (iv *IVFPQ) Add(vec []float32) int {
	id := len(iv.assign)
	iv.assign = append(iv.assign, -1)
	iv.codes = append(iv.codes, nil)
	iv.raw = append(iv.raw, EncodeVector(vec))

	if iv.trained {
		iv.encodeOne(id)
	} else if len(iv.assign) >= iv.nlist {
		iv.train()
	}
	return id
}

func (iv *IVFPQ) encodeOne(id int) {
	vec := DecodeVector(iv.raw[id])
	list := nearestCentroid(vec, iv.centroids)
	residual := make([]float32, iv.dim)
	for i := range residual {
		residual[i] = vec[i] - iv.centroids[list][i]
	}
	iv.codes[id] = iv.pq.Encode(residual)
	iv.assign[id] = list
	iv.lists[list] = append(iv.lists[list], id)
	iv.raw[id] = nil
}

// train builds coarse centroids and codebooks from the buffered rows,
// then encodes the backlog.
func (iv *IVFPQ) train() {
	data := make([][]float32, len(iv.raw))
	for i, r := range iv.raw {
		data[i] = DecodeVector(r)
	}
	iv.centroids = kMeans(data, iv.nlist, kmeansIters, iv.rng)

	residuals := make([][]float32, len(data))
	for i, v := range data {
		c := iv.centroids[nearestCentroid(v, iv.centroids)]
		r := make([]float32, iv.dim)
		for d := range r {
			r[d] = v[d] - c[d]
		}
		residuals[i] = r
	}
	if err := iv.pq.Train(residuals, iv.rng); err != nil {
		return
	}
	iv.trained = true

	for id := range iv.raw {
		if iv.raw[id] != nil {
			iv.encodeOne(id)
		}
	}
}

// Search returns the k nearest internal ids, distance ascending.
func (iv *IVFPQ) Search(q []float32, k int) []Candidate {
	if k <= 0 || len(iv.assign) == 0 {
		return nil
	}
	if !iv.trained {
		return iv.scanRaw(q, k)
	}

	// rank coarse cells and probe the closest few
	cells := make([]Candidate, len(iv.centroids))
	for i, c := range iv.centroids {
		cells[i] = Candidate{ID: i, Dist: L2Squared(q, c)}
	}
	probes := min(iv.nprobe, len(cells))
	partialSortByDist(cells, probes)

	results := &maxHeap{}
	residual := make([]float32, iv.dim)
	for _, cell := range cells[:probes] {
		centroid := iv.centroids[cell.ID]
		for i := range residual {
			residual[i] = q[i] - centroid[i]
		}
		table := iv.pq.DistanceTable(residual)
		for _, id := range iv.lists[cell.ID] {
			d := adcDistance(table, iv.codes[id])
			if results.Len() < k {
				heap.Push(results, Candidate{ID: id, Dist: d})
			} else if d < (*results)[0].Dist {
				heap.Pop(results)
				heap.Push(results, Candidate{ID: id, Dist: d})
			}
		}
	}
	return drainAscending(results)
}

func (iv *IVFPQ) scanRaw(q []float32, k int) []Candidate {
	results := &maxHeap{}
	for id, r := range iv.raw {
		if r == nil {
			continue
		}
		d := l2ToHalf(q, r)
		if results.Len() < k {
			heap.Push(results, Candidate{ID: id, Dist: d})
		} else if d < (*results)[0].Dist {
			heap.Pop(results)
			heap.Push(results, Candidate{ID: id, Dist: d})
		}
	}
	return drainAscending(results)
}

// Reconstruct returns the stored vector (approximate once encoded).
func (iv *IVFPQ) Reconstruct(id int) []float32 {
	if iv.raw[id] != nil {
		return DecodeVector(iv.raw[id])
	}
	out := iv.pq.Decode(iv.codes[id])
	centroid := iv.centroids[iv.assign[id]]
	for i := range out {
		out[i] += centroid[i]
	}
	return out
}

func (iv *IVFPQ) memoryBytes() int64 {
	var total int64
	for _, c := range iv.codes {
		total += int64(len(c))
	}
	for _, r := range iv.raw {
		total += int64(len(r)) * 2
	}
	total += int64(len(iv.centroids)) * int64(iv.dim) * 4
	return total
}

// partialSortByDist moves the n smallest candidates to the front.
func partialSortByDist(c []Candidate, n int) {
	for i := 0; i < n && i < len(c); i++ {
		best := i
		for j := i + 1; j < len(c); j++ {
			if c[j].Dist < c[best].Dist {
				best = j
			}
		}
		c[i], c[best] = c[best], c[i]
	}
}

// drainAscending empties a max-heap into a distance-ascending slice.
func drainAscending(h *maxHeap) []Candidate {
	out := make([]Candidate, h.Len())
	for i := h.Len() - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	return out
}
