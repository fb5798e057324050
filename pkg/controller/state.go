package controller

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/collector"
	"github.com/markus-lassfolk/uomping/pkg/telem"
)

// InterfaceState is the supervisor's record of one configured interface.
// Handles and state are touched only by the supervisor goroutine; the
// metadata snapshot is published by the interface's metadata worker (or by
// the supervisor for synthetic metadata) and read lock-free by everyone else.
type InterfaceState struct {
	Name        string
	HasMetadata bool
	Stats       *telem.InterfaceStats

	metaMu  sync.Mutex // serialises publishers against generation bumps
	metaGen uint64
	meta    atomic.Pointer[pkg.Metadata]

	metaWorker  *collector.Handle
	probeWorker *collector.Handle
	state       atomic.Int32
}

// Metadata returns the latest published snapshot, nil before the first one
func (st *InterfaceState) Metadata() *pkg.Metadata {
	return st.meta.Load()
}

// State returns the last computed link state
func (st *InterfaceState) State() pkg.LinkState { return pkg.LinkState(st.state.Load()) }

// publisher returns a publish function valid until the next resetMetadata.
// A worker that has been replaced can no longer overwrite the snapshot.
func (st *InterfaceState) publisher() func(*pkg.Metadata) {
	st.metaMu.Lock()
	gen := st.metaGen
	st.metaMu.Unlock()

	return func(m *pkg.Metadata) {
		st.metaMu.Lock()
		defer st.metaMu.Unlock()
		if st.metaGen == gen {
			st.meta.Store(m)
		}
	}
}

// resetMetadata drops the snapshot and invalidates earlier publishers
func (st *InterfaceState) resetMetadata() {
	st.metaMu.Lock()
	defer st.metaMu.Unlock()
	st.metaGen++
	st.meta.Store(nil)
}

// setMetadata publishes a snapshot from the supervisor itself
func (st *InterfaceState) setMetadata(m *pkg.Metadata) {
	st.metaMu.Lock()
	defer st.metaMu.Unlock()
	st.meta.Store(m)
}

// metadataFresh reports whether the snapshot carries the alias, operator and
// a timestamp younger than grace
func metadataFresh(m *pkg.Metadata, aliasField string, grace time.Duration, now time.Time) error {
	if m == nil {
		return errMissing("snapshot")
	}
	for _, key := range []string{aliasField, pkg.MetaKeyOperator, pkg.MetaKeyTimestamp} {
		if !m.Has(key) {
			return errMissing(key)
		}
	}
	ts, ok := m.Timestamp()
	if !ok {
		return errMissing(pkg.MetaKeyTimestamp)
	}
	if now.Sub(ts) >= grace {
		return pkg.ErrStale
	}
	return nil
}

type errMissing string

func (e errMissing) Error() string { return "metadata missing " + string(e) }

// Interfaces is the fixed, ordered set of supervised interfaces. It is the
// read-only view the scheduler selects from.
type Interfaces struct {
	states []*InterfaceState
	byName map[string]*InterfaceState
}

// NewInterfaces creates a state record for every configured interface.
// withMetadata reports whether an interface receives real metadata events.
func NewInterfaces(names []string, withMetadata func(string) bool, store *telem.Store) (*Interfaces, error) {
	ifs := &Interfaces{byName: make(map[string]*InterfaceState, len(names))}
	for _, name := range names {
		stats, ok := store.Get(name)
		if !ok {
			return nil, fmt.Errorf("no statistics for interface %s", name)
		}
		st := &InterfaceState{Name: name, HasMetadata: withMetadata(name), Stats: stats}
		ifs.states = append(ifs.states, st)
		ifs.byName[name] = st
	}
	return ifs, nil
}

// Interfaces lists the interfaces in configured order
func (ifs *Interfaces) Interfaces() []string {
	out := make([]string, 0, len(ifs.states))
	for _, st := range ifs.states {
		out = append(out, st.Name)
	}
	return out
}

// Latency returns the average RTT and sample count of an interface
func (ifs *Interfaces) Latency(name string) (float64, int) {
	st, ok := ifs.byName[name]
	if !ok {
		return telem.NoData, 0
	}
	return st.Stats.Latency.Average(), st.Stats.Latency.Len()
}

// Metadata returns the latest snapshot of an interface
func (ifs *Interfaces) Metadata(name string) *pkg.Metadata {
	st, ok := ifs.byName[name]
	if !ok {
		return nil
	}
	return st.Metadata()
}

// Get returns the state record of an interface
func (ifs *Interfaces) Get(name string) (*InterfaceState, bool) {
	st, ok := ifs.byName[name]
	return st, ok
}
