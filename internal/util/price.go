// Package util provides common utility functions for price and quantity rounding.
package util

import "math"

// RoundToStep rounds x to the nearest multiple of step.
// For example, with step=0.5, 4.3 becomes 4.5 and 4.2 becomes 4.0.
func RoundToStep(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Round(x/step) * step
}

// RoundDecimals rounds x to n decimal places.
func RoundDecimals(x float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(x*p) / p
}
