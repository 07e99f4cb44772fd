package game

import "math"

// Bucket is one slice of the crash-point distribution: Chance is its share of
// the probability mass and Multiplier the base value before jitter.
type Bucket struct {
	Multiplier float64
	Chance     float64
}

// Buckets is the house-edge table. Chances sum to 1.
var Buckets = []Bucket{
	{Multiplier: 1.1, Chance: 0.05},
	{Multiplier: 1.5, Chance: 0.10},
	{Multiplier: 2.0, Chance: 0.15},
	{Multiplier: 3.0, Chance: 0.20},
	{Multiplier: 5.0, Chance: 0.25},
	{Multiplier: 10.0, Chance: 0.15},
	{Multiplier: 20.0, Chance: 0.08},
	{Multiplier: 50.0, Chance: 0.02},
}

const (
	JITTER_MIN  = 0.9
	JITTER_SPAN = 0.2

	// FALLBACK_CRASH_POINT is returned when rounding leaves the cumulative
	// mass just under the draw.
	FALLBACK_CRASH_POINT = 2.0
)

// Source yields uniform values in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// SelectBucket returns the index of the first bucket whose cumulative chance
// is at least u, or -1 when u lies beyond the table.
func SelectBucket(u float64) int {
	cumulative := 0.0
	for i, b := range Buckets {
		cumulative += b.Chance
		if u <= cumulative {
			return i
		}
	}
	return -1
}

// DrawCrashPoint draws a raw crash point: one value picks the bucket, a second
// scales its multiplier by a jitter factor in [0.9, 1.1).
func DrawCrashPoint(src Source) float64 {
	i := SelectBucket(src.Float64())
	if i < 0 {
		return FALLBACK_CRASH_POINT
	}
	return Buckets[i].Multiplier * (JITTER_MIN + src.Float64()*JITTER_SPAN)
}

// clampCrashPoint keeps a drawn value inside the playable range. The lowest
// bucket can jitter below 1.0x; such rounds crash on the first tick.
func clampCrashPoint(v float64) float64 {
	return math.Max(MIN_MULTIPLIER, v)
}
