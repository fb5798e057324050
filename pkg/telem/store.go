package telem

import (
	"fmt"
	"sort"
)

// InterfaceStats holds the rolling windows of one interface
type InterfaceStats struct {
	Name    string
	Latency *Series // RTT in ms, written by the probe worker
	Signal  *Series // RSSI, written by the probe worker
}

// Store holds per-interface statistics. The set of interfaces is fixed at
// construction so lookups need no locking.
type Store struct {
	order []string
	stats map[string]*InterfaceStats
}

// NewStore creates windows for every interface name, keeping the given order
func NewStore(interfaces []string, capacity int) (*Store, error) {
	if len(interfaces) == 0 {
		return nil, fmt.Errorf("at least one interface is required")
	}
	s := &Store{stats: make(map[string]*InterfaceStats, len(interfaces))}
	for _, name := range interfaces {
		if _, dup := s.stats[name]; dup {
			return nil, fmt.Errorf("duplicate interface %q", name)
		}
		s.order = append(s.order, name)
		s.stats[name] = &InterfaceStats{
			Name:    name,
			Latency: NewSeries(name+"/rtt", capacity),
			Signal:  NewSeries(name+"/rssi", capacity),
		}
	}
	return s, nil
}

// Interfaces returns interface names in configured order
func (s *Store) Interfaces() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns the stats for an interface
func (s *Store) Get(name string) (*InterfaceStats, bool) {
	st, ok := s.stats[name]
	return st, ok
}

// Averages returns the current average RTT per interface, omitting interfaces
// without samples
func (s *Store) Averages() map[string]float64 {
	out := make(map[string]float64, len(s.stats))
	for name, st := range s.stats {
		if st.Latency.Len() > 0 {
			out[name] = st.Latency.Average()
		}
	}
	return out
}

// SortedByLatency lists interfaces with data, lowest average first; ties keep
// configured order. Reported on the health endpoint.
func (s *Store) SortedByLatency() []string {
	avgs := s.Averages()
	var names []string
	for _, n := range s.order {
		if _, ok := avgs[n]; ok {
			names = append(names, n)
		}
	}
	sort.SliceStable(names, func(i, j int) bool { return avgs[names[i]] < avgs[names[j]] })
	return names
}
