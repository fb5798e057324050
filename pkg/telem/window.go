package telem

// WindowSize is the number of most recent samples kept per window
const WindowSize = 10

// NoData is the average reported for an empty window
const NoData = -1.0

// Window is a fixed-capacity sample buffer ordered most recent first.
// The zero value is an empty window of capacity WindowSize.
type Window struct {
	values   []float64
	capacity int
}

// NewWindow creates an empty window. capacity <= 0 selects WindowSize.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = WindowSize
	}
	return &Window{values: make([]float64, 0, capacity), capacity: capacity}
}

// Push inserts v at the front, dropping the oldest sample when full
func (w *Window) Push(v float64) {
	c := w.Cap()
	if len(w.values) >= c {
		w.values = w.values[:c-1]
	}
	w.values = append(w.values, 0)
	copy(w.values[1:], w.values)
	w.values[0] = v
}

// Average returns the arithmetic mean, or NoData when empty
func (w *Window) Average() float64 {
	return average(w.values)
}

// Len returns the number of samples held
func (w *Window) Len() int { return len(w.values) }

// Cap returns the window capacity
func (w *Window) Cap() int {
	if w.capacity <= 0 {
		return WindowSize
	}
	return w.capacity
}

// Values returns a copy of the samples, most recent first
func (w *Window) Values() []float64 {
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return NoData
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
