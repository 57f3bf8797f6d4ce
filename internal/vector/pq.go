package vector

import (
	"fmt"
	"math/rand"
)

const kmeansIters = 25

// ProductQuantizer compresses vectors by splitting them into M subspaces
// and storing one codebook index per subspace. With nbits=8 each vector
// costs M bytes.
type ProductQuantizer struct {
	Dim  int
	M    int
	Ks   int
	Dsub int
	// Codebooks[m][k] is the k-th centroid of subspace m.
	Codebooks [][][]float32
}

func NewProductQuantizer(dim, m, nbits int) (*ProductQuantizer, error) {
	if m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("dimension %d not divisible by %d subquantizers", dim, m)
	}
	if nbits < 1 || nbits > 8 {
		return nil, fmt.Errorf("nbits %d out of range [1,8]", nbits)
	}
	return &ProductQuantizer{
		Dim:  dim,
		M:    m,
		Ks:   1 << nbits,
		Dsub: dim / m,
	}, nil
}

// Trained reports whether codebooks exist.
func (pq *ProductQuantizer) Trained() bool {
	return pq.Codebooks != nil
}

// Train learns the codebooks from sample vectors.
func (pq *ProductQuantizer) Train(data [][]float32, rng *rand.Rand) error {
	if len(data) == 0 {
		return fmt.Errorf("no training vectors")
	}
	if len(data[0]) != pq.Dim {
		return fmt.Errorf("training dimension %d, want %d", len(data[0]), pq.Dim)
	}

	codebooks := make([][][]float32, pq.M)
	sub := make([][]float32, len(data))
	for m := 0; m < pq.M; m++ {
		lo := m * pq.Dsub
		hi := lo + pq.Dsub
		for i, v := range data {
			sub[i] = v[lo:hi]
		}
		codebooks[m] = kMeans(sub, pq.Ks, kmeansIters, rng)
	}
	pq.Codebooks = codebooks
	return nil
}

// Encode maps a vector to its M-byte code. Requires a trained quantizer.
func (pq *ProductQuantizer) Encode(v []float32) []byte {
	code := make([]byte, pq.M)
	for m := 0; m < pq.M; m++ {
		lo := m * pq.Dsub
		code[m] = byte(nearestCentroid(v[lo:lo+pq.Dsub], pq.Codebooks[m]))
	}
	return code
}

// Decode reconstructs the approximate vector for a code.
func (pq *ProductQuantizer) Decode(code []byte) []float32 {
	out := make([]float32, pq.Dim)
	for m := 0; m < pq.M; m++ {
		copy(out[m*pq.Dsub:], pq.Codebooks[m][code[m]])
	}
	return out
}

// DistanceTable precomputes squared distances from the query to every
// codebook centroid, so scanning becomes M table lookups per code.
func (pq *ProductQuantizer) DistanceTable(q []float32) [][]float32 {
	table := make([][]float32, pq.M)
	for m := 0; m < pq.M; m++ {
		lo := m * pq.Dsub
		qsub := q[lo : lo+pq.Dsub]
		row := make([]float32, pq.Ks)
		for k, c := range pq.Codebooks[m] {
			row[k] = L2Squared(qsub, c)
		}
		table[m] = row
	}
	return table
}

// adcDistance sums the table entries selected by a code (asymmetric
// distance computation).
func adcDistance(table [][]float32, code []byte) float32 {
	var sum float32
	for m, c := range code {
		sum += table[m][c]
	}
	return sum
}
