package utils

import (
	"fmt"
	"strings"
	"time"

	"satupdate/internal/dissemination"
)

// ParseLatency reads a latency model string:
//
//	normal:<mean>:<stddev>   e.g. normal:15ms:3ms
//	uniform:<min>:<max>      e.g. uniform:1ms:10ms
//	const:<value>            e.g. const:5ms
func ParseLatency(s string) (dissemination.LatencyModel, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unexpected latency format: %s", s)
	}

	durations := make([]time.Duration, 0, len(parts)-1)
	for _, p := range parts[1:] {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("unexpected latency value %q in %s", p, s)
		}
		if d < 0 {
			return nil, fmt.Errorf("negative latency value %q in %s", p, s)
		}
		durations = append(durations, d)
	}

	switch parts[0] {
	case "normal":
		if len(durations) != 2 {
			return nil, fmt.Errorf("normal latency needs mean and stddev: %s", s)
		}
		return dissemination.Normal{Mean: durations[0], StdDev: durations[1]}, nil
	case "uniform":
		if len(durations) != 2 {
			return nil, fmt.Errorf("uniform latency needs min and max: %s", s)
		}
		if durations[1] < durations[0] {
			return nil, fmt.Errorf("uniform latency max below min: %s", s)
		}
		return dissemination.Uniform{Min: durations[0], Max: durations[1]}, nil
	case "const":
		if len(durations) != 1 {
			return nil, fmt.Errorf("const latency needs one value: %s", s)
		}
		return dissemination.Constant(durations[0]), nil
	default:
		return nil, fmt.Errorf("unexpected latency model: %s", parts[0])
	}
}
