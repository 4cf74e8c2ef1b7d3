// Package f32 provides small float32 vector math primitives shared by the
// partitioning, camera and ray-transport code. It is deliberately minimal:
// callers needing a full linear-algebra library are out of scope (see
// spec's TraceKernel/ShadeKernel boundary).
package f32

import "math"

// Sqrt returns the float32 square root of v.
func Sqrt(v float32) float32 { return float32(math.Sqrt(float64(v))) }

// Abs returns the float32 absolute value of v.
func Abs(v float32) float32 { return float32(math.Abs(float64(v))) }

// Max returns the larger of a and b.
func Max(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
