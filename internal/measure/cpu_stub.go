//go:build !linux

package measure

import "time"

var processStart = time.Now()

// cpuClock falls back to the wall clock where no process CPU clock is
// available.
type cpuClock struct{}

func (cpuClock) Read() float64 {
	return time.Since(processStart).Seconds()
}

func (cpuClock) Mode() Mode {
	return CPUTime
}
