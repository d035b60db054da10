package sbd

// SignalGate decides when signal strength is good enough to attempt a send:
// the mean of the last Window readings must reach Threshold bars.
type SignalGate struct {
	window    int
	threshold int
	readings  []int
}

// NewSignalGate creates a gate over window readings with a mean threshold.
func NewSignalGate(window, threshold int) *SignalGate {
	if window <= 0 {
		window = 1
	}
	return &SignalGate{
		window:    window,
		threshold: threshold,
		readings:  make([]int, 0, window),
	}
}

// Observe records a reading and returns true once the rolling mean of a full
// window is at least the threshold.
func (g *SignalGate) Observe(bars int) bool {
	if len(g.readings) == g.window {
		copy(g.readings, g.readings[1:])
		g.readings = g.readings[:g.window-1]
	}
	g.readings = append(g.readings, bars)
	if len(g.readings) < g.window {
		return false
	}
	sum := 0
	for _, r := range g.readings {
		sum += r
	}
	// mean >= threshold without division
	return sum >= g.threshold*g.window
}

// Reset clears the window.
func (g *SignalGate) Reset() {
	g.readings = g.readings[:0]
}

// Readings returns a copy of the current window, oldest first.
func (g *SignalGate) Readings() []int {
	return append([]int(nil), g.readings...)
}
