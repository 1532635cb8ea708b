package knowledge

import "math"

// CosineDistance returns 1 - cos(a, b). Zero vectors are maximally distant.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// CompareMatches orders by ascending distance, then chunk index, then document ref.
func CompareMatches(a, b Match) int {
	switch {
	case a.Distance < b.Distance:
		return -1
	case a.Distance > b.Distance:
		return 1
	case a.ChunkIndex != b.ChunkIndex:
		return a.ChunkIndex - b.ChunkIndex
	case a.DocumentRef < b.DocumentRef:
		return -1
	case a.DocumentRef > b.DocumentRef:
		return 1
	}
	return 0
}
