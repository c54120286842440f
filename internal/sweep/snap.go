package sweep

import "math"

// Snap returns the grid point origin + k*step nearest to value. Repeated
// float addition of step drifts off the grid; snapping after every increment
// keeps setpoints exact multiples of step from origin. A zero step returns
// value unchanged.
func Snap(value, origin, step float64) float64 {
	if step == 0 {
		return value
	}
	return origin + math.Round((value-origin)/step)*step
}

// SnapWithin snaps value and clamps the result into [lo, hi]. The clamp is
// what keeps a return leg with a coarser grid inside the forward range.
func SnapWithin(value, origin, step, lo, hi float64) float64 {
	v := Snap(value, origin, step)
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// stepCount returns the number of grid steps between begin and end.
func stepCount(begin, end, step float64) int {
	if step == 0 {
		return 0
	}
	return int(math.Round(math.Abs((end - begin) / step)))
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
