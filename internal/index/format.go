package index

import "strconv"

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'f', 8, 64)
}

// Float32s converts v for clients that store single precision vectors.
func Float32s(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
