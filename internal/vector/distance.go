package vector

import "math"

// L2Squared returns the squared Euclidean distance between two vectors.
// For unit-normalized vectors its ordering matches cosine distance.
func L2Squared(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// l2ToHalf computes squared distance between a float32 query and a stored
// half-precision vector without materializing the decoded copy.
func l2ToHalf(q []float32, v []uint16) float32 {
	var sum float32
	for i := range q {
		d := q[i] - FromFloat16(v[i])
		sum += d * d
	}
	return sum
}

// Dot returns the inner product of two vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Norm returns the Euclidean length of a vector.
func Norm(v []float32) float32 {
	return float32(math.Sqrt(float64(Dot(v, v))))
}

// Normalize scales v to unit length in place. Zero vectors are left as-is.
func Normalize(v []float32) {
	n := Norm(v)
	if n == 0 {
		return
	}
	for i := range v {
		v[i] /= n
	}
}

// CosineSimilarity returns the cosine of the angle between a and b,
// 0 when either vector is zero.
func CosineSimilarity(a, b []float32) float32 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Dot(a, b) / (na * nb)
}
