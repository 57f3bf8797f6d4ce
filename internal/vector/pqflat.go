package vector

import (
	"container/heap"
	"math/rand"
)

// PQFlat is a flat product-quantized index for the cold tier: maximum
// compression, exhaustive ADC scan. Rows buffer as raw half floats until
// enough exist to fill the codebooks.
type PQFlat struct {
	dim     int
	pq      *ProductQuantizer
	codes   [][]byte
	raw     [][]uint16
	trained bool
	rng     *rand.Rand
}

func NewPQFlat(dim, m, nbits int) (*PQFlat, error) {
	pq, err := NewProductQuantizer(dim, m, nbits)
	if err != nil {
		return nil, err
	}
	return &PQFlat{
		dim: dim,
		pq:  pq,
		rng: rand.New(rand.NewSource(1)),
	}, nil
}

func (p *PQFlat) Len() int      { return len(p.codes) }
func (p *PQFlat) Trained() bool { return p.trained }

// Add inserts a vector and returns its internal id. Training happens once
// the row count covers the codebook size.
func (p *PQFlat) Add(vec []float32) int {
	id := len(p.codes)
	p.codes = append(p.codes, nil)
	p.raw = append(p.raw, EncodeVector(vec))

	if p.trained {
		p.codes[id] = p.pq.Encode(vec)
		p.raw[id] = nil
	} else if len(p.codes) >= p.pq.Ks {
		p.train()
	}
	return id
}

func (p *PQFlat) train() {
	data := make([][]float32, len(p.raw))
	for i, r := range p.raw {
		data[i] = DecodeVector(r)
	}
	if err := p.pq.Train(data, p.rng); err != nil {
		return
	}
	p.trained = true
	for id, r := range p.raw {
		if r != nil {
			p.codes[id] = p.pq.Encode(data[id])
			p.raw[id] = nil
		}
	}
}

// Search returns the k nearest internal ids, distance ascending.
func (p *PQFlat) Search(q []float32, k int) []Candidate {
	if k <= 0 || len(p.codes) == 0 {
		return nil
	}
	results := &maxHeap{}
	push := func(id int, d float32) {
		if results.Len() < k {
			heap.Push(results, Candidate{ID: id, Dist: d})
		} else if d < (*results)[0].Dist {
			heap.Pop(results)
			heap.Push(results, Candidate{ID: id, Dist: d})
		}
	}

	if p.trained {
		table := p.pq.DistanceTable(q)
		for id, code := range p.codes {
			if code == nil {
				continue
			}
			push(id, adcDistance(table, code))
		}
	}
	for id, r := range p.raw {
		if r != nil {
			push(id, l2ToHalf(q, r))
		}
	}
	return drainAscending(results)
}

// Reconstruct returns the stored vector (approximate once encoded).
func (p *PQFlat) Reconstruct(id int) []float32 {
	if p.raw[id] != nil {
		return DecodeVector(p.raw[id])
	}
	return p.pq.Decode(p.codes[id])
}

func (p *PQFlat) memoryBytes() int64 {
	var total int64
	for _, c := range p.codes {
		total += int64(len(c))
	}
	for _, r := range p.raw {
		total += int64(len(r)) * 2
	}
	return total
}
