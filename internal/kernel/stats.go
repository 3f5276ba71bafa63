package kernel

import "math"

// CheckNumericalStability counts NaN and Inf values in a buffer.
// Used by the serving layer to audit kernel outputs before they leave
// the process.
func CheckNumericalStability(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return
}

// IsValid reports whether a buffer is free of NaN and Inf values.
func IsValid(data []float32) bool {
	nan, inf := CheckNumericalStability(data)
	return nan == 0 && inf == 0
}

// MaxAbsDiff returns the largest element-wise absolute difference
// between two equal-length buffers.
func MaxAbsDiff(a, b []float32) float32 {
	var max float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}

// MaxRelDiff returns the largest element-wise relative difference
// between two equal-length buffers, with a small denominator floor.
func MaxRelDiff(a, b []float32) float32 {
	var max float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		ref := a[i]
		if ref < 0 {
			ref = -ref
		}
		rel := d / (ref + 1e-6)
		if rel > max {
			max = rel
		}
	}
	return max
}
