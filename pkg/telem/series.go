package telem

import "sync/atomic"

// Series is a Window with exactly one writer and any number of readers.
// The writer mutates a private window and publishes an immutable copy after
// every push; readers only ever see published copies, so no lock is needed.
type Series struct {
	name    string
	private *Window
	latest  atomic.Pointer[[]float64]
}

// NewSeries creates an empty series
func NewSeries(name string, capacity int) *Series {
	s := &Series{name: name, private: NewWindow(capacity)}
	empty := []float64{}
	s.latest.Store(&empty)
	return s
}

// Name returns the series label
func (s *Series) Name() string { return s.name }

// Push appends a sample and publishes the new contents. Owner only.
func (s *Series) Push(v float64) float64 {
	s.private.Push(v)
	published := s.private.Values()
	s.latest.Store(&published)
	return average(published)
}

// Values returns the latest published samples, most recent first
func (s *Series) Values() []float64 {
	return *s.latest.Load()
}

// Average returns the average of the latest published samples or NoData
func (s *Series) Average() float64 {
	return average(*s.latest.Load())
}

// Len returns the number of published samples
func (s *Series) Len() int {
	return len(*s.latest.Load())
}
