package decision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/audit"
	"github.com/markus-lassfolk/uomping/pkg/config"
	"github.com/markus-lassfolk/uomping/pkg/fetch"
	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// Action is a scheduled fetch. Only the executed flag changes after load,
// and only from false to true.
type Action struct {
	config.ActionSpec
	Index    int
	executed atomic.Bool
}

// IsExecuted reports whether the action has run
func (a *Action) IsExecuted() bool { return a.executed.Load() }

// InterfaceView is the scheduler's read-only view of the interfaces
type InterfaceView interface {
	// Interfaces lists interface names in configured order
	Interfaces() []string
	// Latency returns the current average RTT and sample count
	Latency(name string) (avg float64, samples int)
	// Metadata returns the latest published metadata snapshot, possibly nil
	Metadata(name string) *pkg.Metadata
}

// Ledger persists executed actions across daemon restarts
type Ledger interface {
	IsExecuted(guid string, index int) (bool, error)
	MarkExecuted(rec audit.ExecutionRecord) error
}

// Observer is told about selection outcomes and completed actions
type Observer interface {
	ObserveSelection(iface string, err error)
	ObserveFetch(iface string, dynamic bool, errorCode int)
}

// Options wires a Scheduler
type Options struct {
	Config   *config.Config
	Actions  []config.ActionSpec
	Start    time.Time
	View     InterfaceView
	Fetcher  fetch.Fetcher
	Sink     pkg.Sink
	Ledger   Ledger   // optional
	Observer Observer // optional
	Logger   *logx.Logger
	Perf     *logx.PerformanceLogger
}

// Scheduler runs due fetch actions in list order. A pass executes every
// action that is due and returns; the owner starts a new pass on its own
// cadence until AllExecuted.
type Scheduler struct {
	cfg      *config.Config
	actions  []*Action
	start    time.Time
	view     InterfaceView
	fetcher  fetch.Fetcher
	sink     pkg.Sink
	ledger   Ledger
	observer Observer
	logger   *logx.Logger
	perf     *logx.PerformanceLogger
	now      func() time.Time
}

// NewScheduler creates a scheduler. Actions already present in the ledger for
// the configured guid start out executed.
func NewScheduler(opts Options) (*Scheduler, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &logx.Logger{}
	}
	s := &Scheduler{
		cfg:      opts.Config,
		start:    opts.Start,
		view:     opts.View,
		fetcher:  opts.Fetcher,
		sink:     opts.Sink,
		ledger:   opts.Ledger,
		observer: opts.Observer,
		logger:   logger,
		perf:     opts.Perf,
		now:      time.Now,
	}

	for i, spec := range opts.Actions {
		a := &Action{ActionSpec: spec, Index: i}
		if s.ledger != nil {
			done, err := s.ledger.IsExecuted(s.cfg.Guid, i)
			if err != nil {
				return nil, fmt.Errorf("failed to read action ledger: %w", err)
			}
			if done {
				a.executed.Store(true)
				logger.Info("Action already executed in this run, skipping", "index", i, "url", spec.Url)
			}
		}
		s.actions = append(s.actions, a)
	}
	return s, nil
}

// Actions returns the action list
func (s *Scheduler) Actions() []*Action { return s.actions }

// DueTime returns the absolute due time of a
func (s *Scheduler) DueTime(a *Action) time.Time {
	return s.start.Add(time.Duration(a.Time * float64(time.Second)))
}

// NextReady returns the first action in list order that is due and not
// executed, or nil
func (s *Scheduler) NextReady(now time.Time) *Action {
	for _, a := range s.actions {
		if a.IsExecuted() {
			continue
		}
		if !s.DueTime(a).After(now) {
			return a
		}
	}
	return nil
}

// AllExecuted reports whether every action has run
func (s *Scheduler) AllExecuted() bool {
	for _, a := range s.actions {
		if !a.IsExecuted() {
			return false
		}
	}
	return true
}

// Pending returns the number of actions not yet executed
func (s *Scheduler) Pending() int {
	n := 0
	for _, a := range s.actions {
		if !a.IsExecuted() {
			n++
		}
	}
	return n
}

// RunPass runs scheduling passes back to back until no action is ready.
// Each pass acts on one action only, the first ready one in list order, and
// selects its interface afresh. It returns ctx.Err() when cancelled
// mid-action; that action stays unexecuted.
func (s *Scheduler) RunPass(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.dumpActions()

		a := s.NextReady(s.now())
		if a == nil {
			return nil
		}
		if err := s.execute(ctx, a); err != nil {
			return err
		}
	}
}

func (s *Scheduler) dumpActions() {
	if s.cfg.Verbosity < 3 {
		return
	}
	list := make([]map[string]interface{}, 0, len(s.actions))
	for _, a := range s.actions {
		list = append(list, map[string]interface{}{
			"Time":        a.Time,
			"Repetitions": a.Repetitions,
			"Url":         a.Url,
			"IsExecuted":  a.IsExecuted(),
		})
	}
	s.logger.LogDebugVerbose("action_list", map[string]interface{}{"actions": list})
}

func (s *Scheduler) candidates() []Candidate {
	names := s.view.Interfaces()
	out := make([]Candidate, 0, len(names))
	for _, n := range names {
		avg, samples := s.view.Latency(n)
		out = append(out, Candidate{Name: n, AvgRtt: avg, Samples: samples})
	}
	return out
}

func (s *Scheduler) execute(ctx context.Context, a *Action) error {
	rec := audit.ExecutionRecord{
		Guid:              s.cfg.Guid,
		Index:             a.Index,
		Url:               a.Url,
		Offset:            a.Time,
		BaselineInterface: s.cfg.BaselineInterface(),
	}

	selected, err := SelectInterface(s.candidates())
	if s.observer != nil {
		s.observer.ObserveSelection(selected, err)
	}
	if err != nil {
		s.logger.Warn("No interface has latency data, dynamic fetch aborted", "index", a.Index, "url", a.Url)
	} else {
		s.logger.Info("Selected interface", "index", a.Index, "interface", selected, "url", a.Url)
		rec.SelectedInterface = selected
		n, failed := s.fetchSeries(ctx, a, selected, true)
		rec.Fetches += n
		rec.Failures += failed
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	n, failed := s.fetchSeries(ctx, a, rec.BaselineInterface, false)
	rec.Fetches += n
	rec.Failures += failed
	if ctx.Err() != nil {
		return ctx.Err()
	}

	a.executed.Store(true)
	rec.ExecutedAt = s.now()
	s.logger.Info("Action executed", "index", a.Index, "fetches", rec.Fetches, "failures", rec.Failures)
	if s.ledger != nil {
		if err := s.ledger.MarkExecuted(rec); err != nil {
			s.logger.Warn("Failed to record action in ledger", "index", a.Index, "error", err)
		}
	}
	return nil
}

// fetchSeries runs the action's repetitions through ifname and returns the
// number of records emitted and how many of them failed
func (s *Scheduler) fetchSeries(ctx context.Context, a *Action, ifname string, dynamic bool) (int, int) {
	md := s.view.Metadata(ifname)
	device := md.Alias(s.cfg.ModemInterfaceName)
	if device == "" {
		device = ifname
	}

	emitted, failed := 0, 0
	for i := 0; i < a.Repetitions; i++ {
		if ctx.Err() != nil {
			break
		}

		var op *logx.Operation
		if s.perf != nil {
			op = s.perf.StartOperation("fetch")
		}
		out, err := s.fetcher.Fetch(ctx, fetch.Request{
			Device:   device,
			Url:      a.Url,
			MaxTime:  s.cfg.FetchMaxTime(),
			MaxBytes: s.cfg.MaxBytes(),
		})
		if op != nil {
			op.Complete(err)
		}
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			failed++
			if !errors.Is(err, pkg.ErrFetch) {
				err = fmt.Errorf("%w: %v", pkg.ErrFetch, err)
			}
			s.logger.Warn("Fetch failed", "interface", ifname, "url", a.Url, "error_code", out.ErrorCode, "error", err)
		}
		if s.observer != nil {
			s.observer.ObserveFetch(ifname, dynamic, out.ErrorCode)
		}

		start := out.Start
		if start.IsZero() {
			start = s.now()
		}
		r := &pkg.FetchResult{
			Identity: pkg.Identity{
				Guid:        s.cfg.Guid,
				DataId:      s.cfg.DataIDCurl,
				DataVersion: s.cfg.DataVersion,
				NodeId:      s.cfg.NodeID,
				Interface:   ifname,
				Iccid:       md.String(pkg.MetaKeyICCID),
				Operator:    md.String(pkg.MetaKeyOperator),
			},
			Host:             out.Host,
			Port:             out.Port,
			Speed:            out.Speed,
			Bytes:            out.Bytes,
			Url:              out.Url,
			TotalTime:        out.TotalTime,
			SetupTime:        out.SetupTime,
			DownloadTime:     out.DownloadTime(),
			ErrorCode:        out.ErrorCode,
			Timestamp:        pkg.EpochSeconds(start),
			SequenceNumber:   i,
			DynamicSelection: dynamic,
		}
		if r.Url == "" {
			r.Url = a.Url
		}
		s.sink.Save(r)
		emitted++
	}
	return emitted, failed
}
