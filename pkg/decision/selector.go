package decision

import (
	"github.com/markus-lassfolk/uomping/pkg"
)

// Candidate is an interface's latency summary at selection time
type Candidate struct {
	Name    string
	AvgRtt  float64
	Samples int
}

// SelectInterface returns the candidate with the strictly smallest average
// RTT. Candidates without samples are ignored and ties go to the earlier
// entry, so callers must pass candidates in configured order.
func SelectInterface(candidates []Candidate) (string, error) {
	best := -1
	for i, c := range candidates {
		if c.Samples == 0 {
			continue
		}
		if best < 0 || c.AvgRtt < candidates[best].AvgRtt {
			best = i
		}
	}
	if best < 0 {
		return "", pkg.ErrSelectionMiss
	}
	return candidates[best].Name, nil
}
