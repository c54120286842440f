package sweep

import (
	"math"
	"testing"
)

func TestSnapIdempotent(t *testing.T) {
	cases := []struct {
		origin, step float64
	}{
		{0, 3e-8},
		{0, 0.1},
		{1.5, 0.25},
		{-2, 0.007},
		{0.3, -0.03},
		{1e-6, 1e-9},
	}
	values := []float64{-1, -0.12345, 0, 1e-7, 0.333333, 2.5, 17.01}

	for _, tc := range cases {
		for _, v := range values {
			once := Snap(v, tc.origin, tc.step)
			twice := Snap(once, tc.origin, tc.step)
			if once != twice {
				t.Errorf("Snap(%g, %g, %g): %v then %v", v, tc.origin, tc.step, once, twice)
			}
		}
	}
}

func TestSnapRoundTrip(t *testing.T) {
	cases := []struct {
		origin, step float64
		n            int
	}{
		{0, 3e-8, 30},
		{0, 0.1, 100},
		{1.5, 0.3, 50},
		{-2, 0.007, 200},
		{0.25, -3e-3, 40},
		{1e-3, 7e-9, 64},
	}

	for _, tc := range cases {
		v := tc.origin
		for i := 0; i < tc.n; i++ {
			v = Snap(v+tc.step, tc.origin, tc.step)
		}
		want := tc.origin + float64(tc.n)*tc.step
		if math.Abs(v-want) > math.Abs(tc.step)*1e-6 {
			t.Errorf("origin %g step %g: after %d steps got %v, want about %v", tc.origin, tc.step, tc.n, v, want)
		}
		for i := 0; i < tc.n; i++ {
			v = Snap(v-tc.step, tc.origin, tc.step)
		}
		if v != tc.origin {
			t.Errorf("origin %g step %g n %d: round trip ended at %v", tc.origin, tc.step, tc.n, v)
		}
	}
}

func TestSnapZeroStep(t *testing.T) {
	if got := Snap(0.123, 5, 0); got != 0.123 {
		t.Errorf("Snap with zero step = %v, want value unchanged", got)
	}
}

func TestSnapWithin(t *testing.T) {
	tests := []struct {
		name                          string
		v, origin, step, lo, hi, want float64
	}{
		{"inside", 0.29, 0, 0.1, 0, 1, 0.30000000000000004},
		{"above", 1.2, 0, 0.3, 0, 1.1, 1.1},
		{"below", -0.1, 0, 0.3, 0, 1.1, 0},
		{"coarse grid past top", 1.185e-6, 0, 1.2e-7, 0, 1.185e-6, 1.185e-6},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SnapWithin(tc.v, tc.origin, tc.step, tc.lo, tc.hi)
			if got != tc.want {
				t.Errorf("SnapWithin = %v, want %v", got, tc.want)
			}
			if got < tc.lo || got > tc.hi {
				t.Errorf("SnapWithin = %v outside [%v, %v]", got, tc.lo, tc.hi)
			}
		})
	}
}

func TestStepCount(t *testing.T) {
	if n := stepCount(0, 1.2e-6, 3e-8); n != 40 {
		t.Errorf("stepCount = %d, want 40", n)
	}
	if n := stepCount(2, 2, 0); n != 0 {
		t.Errorf("stepCount with zero step = %d, want 0", n)
	}
}
