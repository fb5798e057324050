package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/collector"
	"github.com/markus-lassfolk/uomping/pkg/config"
	"github.com/markus-lassfolk/uomping/pkg/decision"
	"github.com/markus-lassfolk/uomping/pkg/discovery"
	"github.com/markus-lassfolk/uomping/pkg/logx"
)

// shutdownWait bounds how long cleanup waits for cancelled workers before
// flushing the sink
const shutdownWait = 5 * time.Second

// Observer receives supervisor events, typically the metrics exporter
type Observer interface {
	ObserveState(iface string, state pkg.LinkState)
	ObserveWorkerRestart(iface, worker string)
	SetPendingActions(n int)
}

// Options wires a Supervisor
type Options struct {
	Config     *config.Config
	Links      discovery.LinkChecker
	Source     collector.MetadataSource
	Prober     collector.Prober
	Scheduler  *decision.Scheduler
	Interfaces *Interfaces
	Sink       pkg.FlushingSink
	Observer   Observer // optional
	Logger     *logx.Logger
	Perf       *logx.PerformanceLogger
}

// Supervisor keeps one metadata worker and at most one probe worker alive per
// interface, gates probing on link and metadata freshness, and keeps the
// action scheduler running until every action has executed
type Supervisor struct {
	cfg       *config.Config
	links     discovery.LinkChecker
	source    collector.MetadataSource
	prober    collector.Prober
	scheduler *decision.Scheduler
	sink      pkg.FlushingSink
	observer  Observer
	logger    *logx.Logger
	perf      *logx.PerformanceLogger

	ifaces *Interfaces
	sched  *collector.Handle

	now func() time.Time
}

// NewSupervisor creates a supervisor. Nothing starts until Run or Tick.
func NewSupervisor(opts Options) (*Supervisor, error) {
	if opts.Config == nil || opts.Links == nil || opts.Prober == nil ||
		opts.Scheduler == nil || opts.Interfaces == nil || opts.Sink == nil {
		return nil, fmt.Errorf("supervisor: missing dependency")
	}
	logger := opts.Logger
	if logger == nil {
		logger = &logx.Logger{}
	}

	s := &Supervisor{
		cfg:       opts.Config,
		links:     opts.Links,
		source:    opts.Source,
		prober:    opts.Prober,
		scheduler: opts.Scheduler,
		sink:      opts.Sink,
		observer:  opts.Observer,
		logger:    logger.WithComponent("supervisor"),
		perf:      opts.Perf,
		ifaces:    opts.Interfaces,
		now:       time.Now,
	}

	for _, st := range s.ifaces.states {
		if st.HasMetadata && opts.Source == nil {
			return nil, fmt.Errorf("supervisor: interface %s needs a metadata source", st.Name)
		}
	}
	return s, nil
}

// Run ticks every poll interval until all actions have executed or ctx is
// cancelled, then stops every worker and closes the sink
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Supervisor started",
		"interfaces", s.ifaces.Interfaces(),
		"poll_interval", s.cfg.PollInterval().String(),
		"actions", len(s.scheduler.Actions()),
	)

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	var runErr error
	for {
		if s.Tick(ctx, s.now()) {
			s.logger.Info("All actions executed")
			break
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Supervisor interrupted", "pending_actions", s.scheduler.Pending())
			runErr = ctx.Err()
		case <-ticker.C:
			continue
		}
		break
	}

	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Tick runs one supervision pass and reports whether every action has
// executed. Workers are started under ctx.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) bool {
	for _, st := range s.ifaces.states {
		if st.HasMetadata {
			s.superviseMetadata(ctx, st)
		}
	}

	for _, st := range s.ifaces.states {
		up := s.links.LinkUp(st.Name)
		if !st.HasMetadata && up {
			st.setMetadata(pkg.SyntheticMetadata(s.cfg.ModemInterfaceName, st.Name, now))
		}
		s.updateState(st, up, now)
		s.superviseProbe(ctx, st)
	}

	done := s.scheduler.AllExecuted()
	if !done && s.sched.Exited() {
		if s.sched != nil && s.sched.Err() != nil && !errors.Is(s.sched.Err(), context.Canceled) {
			s.logger.Warn("Scheduler pass failed", "error", s.sched.Err())
		}
		s.sched = collector.StartWorker(ctx, "scheduler", s.scheduler.RunPass)
	}
	if s.observer != nil {
		s.observer.SetPendingActions(s.scheduler.Pending())
	}
	return done
}

// superviseMetadata (re)starts a dead metadata worker. Its snapshot is
// discarded and the probe worker stopped, since metadata may now be stale.
func (s *Supervisor) superviseMetadata(ctx context.Context, st *InterfaceState) {
	if st.metaWorker.Alive() {
		return
	}

	if st.metaWorker != nil {
		s.logger.Warn("Metadata worker died, restarting", "interface", st.Name, "error", st.metaWorker.Err())
		if s.observer != nil {
			s.observer.ObserveWorkerRestart(st.Name, "metadata")
		}
		st.metaWorker.Stop()
		if st.probeWorker.Alive() {
			s.logger.Info("Stopping probe worker after metadata restart", "interface", st.Name)
			st.probeWorker.Stop()
		}
	}

	st.resetMetadata()
	w := collector.NewMetadataWorker(st.Name, s.cfg.ModemInterfaceName, s.cfg.MetadataTopic,
		s.source, st.publisher(), s.logger)
	st.metaWorker = collector.StartWorker(ctx, "metadata-"+st.Name, w.Run)
}

func (s *Supervisor) updateState(st *InterfaceState, up bool, now time.Time) {
	next := pkg.StateDown
	reason := "link down or no IPv4 address"
	if up {
		next = pkg.StateReady
		reason = "link up, metadata fresh"
		if err := metadataFresh(st.Metadata(), s.cfg.ModemInterfaceName, s.cfg.MetaGrace(), now); err != nil {
			next = pkg.StateMetaPending
			reason = err.Error()
		}
	}

	if prev := st.State(); next != prev {
		s.logger.LogStateChange("supervisor", prev.String(), next.String(), reason, "interface", st.Name)
		st.state.Store(int32(next))
	}
	if s.observer != nil {
		s.observer.ObserveState(st.Name, next)
	}
}

// superviseProbe keeps exactly one probe worker while READY and none
// otherwise. A stopped worker whose goroutine has not returned yet still
// owns the series, so a replacement waits for the next tick.
func (s *Supervisor) superviseProbe(ctx context.Context, st *InterfaceState) {
	if st.State() != pkg.StateReady {
		if st.probeWorker.Alive() {
			s.logger.Info("Stopping probe worker", "interface", st.Name, "state", st.State().String())
			st.probeWorker.Stop()
		}
		return
	}

	if st.probeWorker.Alive() {
		return
	}
	if !st.probeWorker.Exited() {
		s.logger.Debug("Previous probe worker still exiting", "interface", st.Name)
		return
	}
	if st.probeWorker.Crashed() {
		s.logger.Warn("Probe worker exited unexpectedly", "interface", st.Name, "error", st.probeWorker.Err())
		if s.observer != nil {
			s.observer.ObserveWorkerRestart(st.Name, "probe")
		}
	}

	md := st.Metadata()
	w := collector.NewProbeWorker(collector.ProbeWorkerOptions{
		Config:    s.cfg,
		Interface: st.Name,
		Alias:     md.Alias(s.cfg.ModemInterfaceName),
		Prober:    s.prober,
		Stats:     st.Stats,
		Metadata:  st.Metadata,
		Sink:      s.sink,
		Logger:    s.logger,
		Perf:      s.perf,
	})
	st.probeWorker = collector.StartWorker(ctx, "probe-"+st.Name, w.Run)
}

func (s *Supervisor) shutdown() error {
	var handles []*collector.Handle
	for _, st := range s.ifaces.states {
		handles = append(handles, st.metaWorker, st.probeWorker)
	}
	handles = append(handles, s.sched)

	for _, h := range handles {
		h.Stop()
	}

	deadline := time.After(shutdownWait)
wait:
	for _, h := range handles {
		if h == nil {
			continue
		}
		select {
		case <-h.Done():
		case <-deadline:
			s.logger.Warn("Workers still running at shutdown, flushing anyway")
			break wait
		}
	}

	if s.perf != nil {
		s.perf.LogSummary()
	}
	if err := s.sink.Close(); err != nil {
		return fmt.Errorf("failed to flush results: %w", err)
	}
	s.logger.Info("Supervisor stopped")
	return nil
}

// Health reports an error while no interface is READY
func (s *Supervisor) Health() error {
	for _, st := range s.ifaces.states {
		if st.State() == pkg.StateReady {
			return nil
		}
	}
	return errors.New("no interface ready")
}
