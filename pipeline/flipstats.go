package pipeline

import (
	"fmt"
	"time"
)

// flipStats measures the interval between refresh completions of one output
// and reports avg/min/max once per window.
type flipStats struct {
	window int

	last     time.Time
	n        int
	sum      time.Duration
	min, max time.Duration

	// last reported window, kept for the stats service
	avg, lastMin, lastMax time.Duration
}

func newFlipStats(window int) *flipStats {
	if window <= 0 {
		window = 100
	}
	return &flipStats{window: window}
}

// record adds a completion at t. It returns a report line when a window
// closes.
func (s *flipStats) record(outputID int, t time.Time) (string, bool) {
	if s.last.IsZero() {
		s.last = t
		return "", false
	}
	d := t.Sub(s.last)
	s.last = t

	if s.n == 0 || d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
	s.sum += d
	s.n++

	if s.n < s.window {
		return "", false
	}
	s.avg, s.lastMin, s.lastMax = s.sum/time.Duration(s.n), s.min, s.max
	line := fmt.Sprintf("output %d: flip avg/min/max %s/%s/%s ms", outputID, ms(s.avg), ms(s.lastMin), ms(s.lastMax))
	s.n, s.sum, s.min, s.max = 0, 0, 0, 0
	return line, true
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d)/float64(time.Millisecond))
}

func msf(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
