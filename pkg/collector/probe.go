package collector

import (
	"context"
	"errors"
	"time"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/config"
	"github.com/markus-lassfolk/uomping/pkg/logx"
	"github.com/markus-lassfolk/uomping/pkg/telem"
)

// ProbeWorker sends one echo probe per interval through a single interface and
// is the only writer of that interface's latency and signal series
type ProbeWorker struct {
	cfg    *config.Config
	ifname string
	alias  string

	prober Prober
	stats  *telem.InterfaceStats
	meta   func() *pkg.Metadata
	sink   pkg.Sink
	logger *logx.Logger
	perf   *logx.PerformanceLogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// ProbeWorkerOptions wires a ProbeWorker
type ProbeWorkerOptions struct {
	Config    *config.Config
	Interface string
	Alias     string // device the probe binds to, falls back to Interface
	Prober    Prober
	Stats     *telem.InterfaceStats
	Metadata  func() *pkg.Metadata
	Sink      pkg.Sink
	Logger    *logx.Logger
	Perf      *logx.PerformanceLogger
}

// NewProbeWorker creates a probe worker
func NewProbeWorker(opts ProbeWorkerOptions) *ProbeWorker {
	alias := opts.Alias
	if alias == "" {
		alias = opts.Interface
	}
	meta := opts.Metadata
	if meta == nil {
		meta = func() *pkg.Metadata { return nil }
	}
	logger := opts.Logger
	if logger == nil {
		logger = &logx.Logger{}
	}
	return &ProbeWorker{
		cfg:    opts.Config,
		ifname: opts.Interface,
		alias:  alias,
		prober: opts.Prober,
		stats:  opts.Stats,
		meta:   meta,
		sink:   opts.Sink,
		logger: logger.With("interface", opts.Interface),
		perf:   opts.Perf,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run probes until ctx is cancelled. It returns nil on cancellation; any
// other return is a crash.
func (w *ProbeWorker) Run(ctx context.Context) error {
	w.logger.Info("Probe worker started", "alias", w.alias, "target", w.cfg.PingTarget)
	defer w.logger.Info("Probe worker stopped")

	for seq := 0; ; seq++ {
		if ctx.Err() != nil {
			return nil
		}

		var op *logx.Operation
		if w.perf != nil {
			op = w.perf.StartOperation("probe")
		}
		sample, err := w.prober.Probe(ctx, w.alias, w.cfg.PingTarget)
		if op != nil {
			op.Complete(err)
		}
		// a cancelled probe never produces a record
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			if !errors.Is(err, pkg.ErrProbeMiss) {
				w.logger.Warn("Probe failed", "error", err)
			}
			w.sink.Save(w.failure(seq))
		} else {
			w.sink.Save(w.success(sample, seq))
		}

		if err := w.sleep(ctx, w.cfg.ProbeInterval()); err != nil {
			return nil
		}
	}
}

func (w *ProbeWorker) identity(md *pkg.Metadata) pkg.Identity {
	return pkg.Identity{
		Guid:        w.cfg.Guid,
		DataId:      w.cfg.DataID,
		DataVersion: w.cfg.DataVersion,
		NodeId:      w.cfg.NodeID,
		Interface:   w.ifname,
		Iccid:       md.String(pkg.MetaKeyICCID),
		Operator:    md.String(pkg.MetaKeyOperator),
	}
}

func (w *ProbeWorker) success(s ProbeSample, seq int) *pkg.ProbeSuccess {
	md := w.meta()
	rec := &pkg.ProbeSuccess{
		Identity:       w.identity(md),
		Host:           s.Host,
		Bytes:          s.Bytes,
		Rtt:            s.RTT,
		AvgRtt:         w.stats.Latency.Push(s.RTT),
		SequenceNumber: seq,
		Timestamp:      s.Timestamp,
		AvgRssi:        w.stats.Signal.Average(),
	}
	if rssi, ok := md.Float(pkg.MetaKeyRSSI); ok {
		rec.Rssi = &rssi
		rec.AvgRssi = w.stats.Signal.Push(rssi)
	}
	w.logger.Debug("Probe reply", "rtt", s.RTT, "avg_rtt", rec.AvgRtt, "seq", seq)
	return rec
}

func (w *ProbeWorker) failure(seq int) *pkg.ProbeFailure {
	w.logger.Debug("Probe miss", "seq", seq)
	return &pkg.ProbeFailure{
		Identity:       w.identity(w.meta()),
		Host:           w.cfg.PingTarget,
		SequenceNumber: seq,
		Timestamp:      pkg.EpochSeconds(w.now()),
	}
}
