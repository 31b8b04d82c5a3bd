package sim

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// VTime is a point or a duration in the simulated space, counted in steps of
// the process-wide Resolution.
type VTime int64

// MaxTime is the largest representable virtual time. No event can be
// scheduled beyond it.
const MaxTime = VTime(math.MaxInt64)

// Resolution defines how long one step of VTime lasts.
type Resolution int

// The supported resolutions.
const (
	S Resolution = iota
	MS
	US
	NS
	PS
	FS
)

var resolutionSteps = [...]int64{
	S:  1,
	MS: 1e3,
	US: 1e6,
	NS: 1e9,
	PS: 1e12,
	FS: 1e15,
}

var resolutionNames = [...]string{
	S:  "s",
	MS: "ms",
	US: "us",
	NS: "ns",
	PS: "ps",
	FS: "fs",
}

// String returns the unit suffix of the resolution.
func (r Resolution) String() string {
	if !r.valid() {
		return "Resolution(" + strconv.Itoa(int(r)) + ")"
	}

	return resolutionNames[r]
}

func (r Resolution) valid() bool {
	return r >= S && r <= FS
}

// StepsPerSecond returns the number of steps in one second.
func (r Resolution) StepsPerSecond() int64 {
	return resolutionSteps[r]
}

// ParseResolution converts a unit suffix such as "ns" to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	for i, n := range resolutionNames {
		if n == strings.ToLower(strings.TrimSpace(s)) {
			return Resolution(i), nil
		}
	}

	return 0, fmt.Errorf("%w: unknown resolution %q", ErrInvalidTime, s)
}

var (
	// ErrInvalidTime is returned when a textual time cannot be parsed.
	ErrInvalidTime = errors.New("sim: invalid time")

	// ErrTimeOverflow is returned when a conversion leaves the VTime range.
	ErrTimeOverflow = errors.New("sim: time overflow")
)

var (
	resolutionMutex  sync.Mutex
	resolution       = NS
	resolutionLocked atomic.Bool
)

// SetResolution fixes the process-wide resolution. It must be called before
// any engine schedules its first event. Setting a different resolution after
// that point is a fatal error.
func SetResolution(r Resolution) {
	if !r.valid() {
		fatalf("invalid resolution %d", int(r))
	}

	resolutionMutex.Lock()
	defer resolutionMutex.Unlock()

	if resolutionLocked.Load() && r != resolution {
		fatalf("cannot change resolution from %s to %s after the first event is scheduled",
			resolution, r)
	}

	resolution = r
}

// CurrentResolution returns the process-wide resolution.
func CurrentResolution() Resolution {
	resolutionMutex.Lock()
	defer resolutionMutex.Unlock()

	return resolution
}

func lockResolution() {
	if resolutionLocked.Load() {
		return
	}

	resolutionMutex.Lock()
	resolutionLocked.Store(true)
	resolutionMutex.Unlock()
}

// Add returns t+d. Leaving the representable range is a fatal error.
func (t VTime) Add(d VTime) VTime {
	r, ok := addChecked(t, d)
	if !ok {
		fatalf("time overflow: %d + %d", int64(t), int64(d))
	}

	return r
}

// Sub returns t-d. Leaving the representable range is a fatal error.
func (t VTime) Sub(d VTime) VTime {
	if d == math.MinInt64 {
		fatalf("time overflow: %d - %d", int64(t), int64(d))
	}

	return t.Add(-d)
}

// SaturatingAdd returns t+d, clamped to MaxTime.
func (t VTime) SaturatingAdd(d VTime) VTime {
	r, ok := addChecked(t, d)
	if !ok {
		if d > 0 {
			return MaxTime
		}

		return VTime(math.MinInt64)
	}

	return r
}

func addChecked(a, b VTime) (VTime, bool) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, false
	}

	return r, true
}

// Compare returns -1, 0 or +1 depending on whether a is before, equal to or
// after b.
func Compare(a, b VTime) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// FromUnit converts n units into steps of the current resolution. A result
// that does not fit into VTime is a fatal error. Units finer than the
// resolution are truncated.
func FromUnit(n int64, unit Resolution) VTime {
	t, err := fromUnit(n, unit, CurrentResolution())
	if err != nil {
		fatalf("%v", err)
	}

	return t
}

func fromUnit(n int64, unit, res Resolution) (VTime, error) {
	if !unit.valid() {
		return 0, fmt.Errorf("%w: unit %d", ErrInvalidTime, int(unit))
	}

	if unit <= res {
		factor := resolutionSteps[res] / resolutionSteps[unit]
		if n != 0 && (n > math.MaxInt64/factor || n < math.MinInt64/factor) {
			return 0, fmt.Errorf("%w: %d%s at resolution %s",
				ErrTimeOverflow, n, unit, res)
		}

		return VTime(n * factor), nil
	}

	divisor := resolutionSteps[unit] / resolutionSteps[res]

	return VTime(n / divisor), nil
}

// Seconds converts a floating-point number of seconds into steps.
func Seconds(s float64) VTime {
	t, err := fromSeconds(s, CurrentResolution())
	if err != nil {
		fatalf("%v", err)
	}

	return t
}

func fromSeconds(s float64, res Resolution) (VTime, error) {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, fmt.Errorf("%w: %v seconds", ErrInvalidTime, s)
	}

	steps := math.Round(s * float64(resolutionSteps[res]))
	if steps >= math.MaxInt64 || steps < math.MinInt64 {
		return 0, fmt.Errorf("%w: %v seconds at resolution %s",
			ErrTimeOverflow, s, res)
	}

	return VTime(steps), nil
}

// Milliseconds converts milliseconds into steps.
func Milliseconds(n int64) VTime { return FromUnit(n, MS) }

// Microseconds converts microseconds into steps.
func Microseconds(n int64) VTime { return FromUnit(n, US) }

// Nanoseconds converts nanoseconds into steps.
func Nanoseconds(n int64) VTime { return FromUnit(n, NS) }

// Picoseconds converts picoseconds into steps.
func Picoseconds(n int64) VTime { return FromUnit(n, PS) }

// Seconds returns the time in seconds.
func (t VTime) Seconds() float64 {
	return float64(t) / float64(CurrentResolution().StepsPerSecond())
}

// In returns the time expressed as a whole number of the given unit,
// truncating any remainder.
func (t VTime) In(unit Resolution) int64 {
	res := CurrentResolution()
	if unit <= res {
		return int64(t) / (resolutionSteps[res] / resolutionSteps[unit])
	}

	factor := resolutionSteps[unit] / resolutionSteps[res]
	if t > VTime(math.MaxInt64/factor) || t < VTime(math.MinInt64/factor) {
		fatalf("time overflow: %d steps in %s", int64(t), unit)
	}

	return int64(t) * factor
}

// String formats the time with the resolution suffix, for example "+1500ns".
func (t VTime) String() string {
	s := strconv.FormatInt(int64(t), 10)
	if t >= 0 {
		s = "+" + s
	}

	return s + CurrentResolution().String()
}

// ParseTime parses strings such as "10s", "1.5ms" or "250" (steps). It
// never panics; malformed or out of range input is reported as an error.
func ParseTime(s string) (VTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidTime)
	}

	res := CurrentResolution()

	numEnd := len(s)
	for numEnd > 0 && isUnitLetter(s[numEnd-1]) {
		numEnd--
	}

	number, suffix := s[:numEnd], s[numEnd:]
	if suffix == "" {
		n, err := strconv.ParseInt(number, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
		}

		return VTime(n), nil
	}

	unit, err := ParseResolution(suffix)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}

	if n, err := strconv.ParseInt(number, 10, 64); err == nil {
		return fromUnit(n, unit, res)
	}

	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}

	return fromSeconds(f/float64(resolutionSteps[unit]), res)
}

func isUnitLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
