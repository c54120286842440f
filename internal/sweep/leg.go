package sweep

import "math"

// Axis is one swept parameter range. Step is signed and must point from
// Begin to End.
type Axis struct {
	Param Parameter
	Begin float64
	End   float64
	Step  float64
}

// leg tracks the setpoint of one axis across a forward and an optional
// return leg. Setpoints are always snapped to the grid of the current step
// anchored at the original begin, and clamped to the original range.
type leg struct {
	param  Parameter
	begin  float64
	end    float64
	fwd    float64
	lo, hi float64

	step    float64
	target  float64
	sp      float64
	started bool
}

func newLeg(a Axis) leg {
	l := leg{
		param: a.Param,
		begin: a.Begin,
		end:   a.End,
		fwd:   a.Step,
		lo:    math.Min(a.Begin, a.End),
		hi:    math.Max(a.Begin, a.End),
	}
	l.reset()
	return l
}

func (l *leg) reset() {
	l.step = l.fwd
	l.target = l.end
	l.sp = l.begin
	l.started = false
}

// more reports whether the setpoint is still short of the leg end. Half a
// step plus err*step of slack absorbs a range that is not a whole number of
// steps long.
func (l *leg) more(err float64) bool {
	return math.Abs(l.sp-l.target)-math.Abs(l.step/2) > math.Abs(l.step)*err
}

func (l *leg) advance() {
	l.sp = SnapWithin(l.sp+l.step, l.begin, l.step, l.lo, l.hi)
}

// flip sets up leg n of the run: 1 is the return leg, 2 restores the
// forward orientation.
func (l *leg) flip(n int, backMultiplier float64) {
	if n == 1 {
		l.step = -l.fwd * backMultiplier
		l.target = l.begin
		return
	}
	l.step = l.fwd
	l.target = l.end
}

func (l *leg) fraction(flips int, bidirectional bool) float64 {
	total := l.hi - l.lo
	if total == 0 {
		if l.started {
			return 1
		}
		return 0
	}
	f := math.Abs(l.sp-l.begin) / total
	if !bidirectional {
		return f
	}
	if flips == 0 {
		return f / 2
	}
	return 1 - f/2
}

func (l *leg) reading() Reading {
	return Reading{Name: l.param.Name(), Unit: l.param.Unit(), Value: l.sp}
}
