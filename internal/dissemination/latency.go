package dissemination

import (
	"fmt"
	"math/rand"
	"time"
)

// LatencyModel draws simulated per-attempt link latency. Samples are never
// negative.
type LatencyModel interface {
	Sample(rng *rand.Rand) time.Duration
	String() string
}

// Normal is a Gaussian link latency clipped at zero.
type Normal struct {
	Mean   time.Duration
	StdDev time.Duration
}

func (n Normal) Sample(rng *rand.Rand) time.Duration {
	d := n.Mean + time.Duration(rng.NormFloat64()*float64(n.StdDev))
	if d < 0 {
		return 0
	}
	return d
}

func (n Normal) String() string {
	return fmt.Sprintf("normal_%s_std%s", n.Mean, n.StdDev)
}

// Uniform draws from [Min, Max].
type Uniform struct {
	Min time.Duration
	Max time.Duration
}

func (u Uniform) Sample(rng *rand.Rand) time.Duration {
	lo := u.Min
	if lo < 0 {
		lo = 0
	}
	if u.Max <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(u.Max-lo)+1))
}

func (u Uniform) String() string {
	return fmt.Sprintf("uniform_%s_%s", u.Min, u.Max)
}

// Constant always returns the same latency.
type Constant time.Duration

func (c Constant) Sample(*rand.Rand) time.Duration {
	if c < 0 {
		return 0
	}
	return time.Duration(c)
}

func (c Constant) String() string {
	return fmt.Sprintf("const_%s", time.Duration(c))
}

// DefaultLatency matches the link model used for ground-to-orbit trials.
var DefaultLatency LatencyModel = Normal{Mean: 15 * time.Millisecond, StdDev: 3 * time.Millisecond}
