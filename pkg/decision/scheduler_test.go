package decision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/uomping/pkg"
	"github.com/markus-lassfolk/uomping/pkg/audit"
	"github.com/markus-lassfolk/uomping/pkg/config"
	"github.com/markus-lassfolk/uomping/pkg/fetch"
)

type fakeView struct {
	names []string
	avg   map[string]float64
	meta  map[string]*pkg.Metadata
}

func (v *fakeView) Interfaces() []string { return v.names }

func (v *fakeView) Latency(name string) (float64, int) {
	if a, ok := v.avg[name]; ok {
		return a, 1
	}
	return -1, 0
}

func (v *fakeView) Metadata(name string) *pkg.Metadata { return v.meta[name] }

type fakeFetcher struct {
	mu       sync.Mutex
	requests []fetch.Request
	code     int
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetch.Request) (fetch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	o := fetch.Outcome{
		Transfer: fetch.Transfer{Host: "10.0.0.1", Port: "80", Bytes: 1000, Url: req.Url, TotalTime: 1.5, SetupTime: 0.5},
		Parsed:   true,
		Start:    time.Unix(1700000000, 0),
	}
	if f.code != 0 {
		o.ErrorCode = f.code
		return o, pkg.ErrFetch
	}
	return o, nil
}

type memLedger struct {
	recs map[int]audit.ExecutionRecord
}

func (l *memLedger) IsExecuted(guid string, index int) (bool, error) {
	_, ok := l.recs[index]
	return ok, nil
}

func (l *memLedger) MarkExecuted(rec audit.ExecutionRecord) error {
	l.recs[rec.Index] = rec
	return nil
}

type sliceSink struct{ recs []*pkg.FetchResult }

func (s *sliceSink) Save(rec pkg.Record) { s.recs = append(s.recs, rec.(*pkg.FetchResult)) }

type countingObserver struct {
	selections int
	misses     int
	fetches    int
}

func (o *countingObserver) ObserveSelection(iface string, err error) {
	o.selections++
	if err != nil {
		o.misses++
	}
}

func (o *countingObserver) ObserveFetch(iface string, dynamic bool, code int) { o.fetches++ }

func newTestScheduler(t *testing.T, view *fakeView, actions []config.ActionSpec, ledger Ledger) (*Scheduler, *fakeFetcher, *sliceSink, *countingObserver, *time.Time) {
	t.Helper()
	cfg := config.Default()
	cfg.Guid = "run-1"
	start := time.Unix(1700000000, 0)
	now := start
	fetcher := &fakeFetcher{}
	sink := &sliceSink{}
	obs := &countingObserver{}

	s, err := NewScheduler(Options{
		Config:   cfg,
		Actions:  actions,
		Start:    start,
		View:     view,
		Fetcher:  fetcher,
		Sink:     sink,
		Ledger:   ledger,
		Observer: obs,
	})
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s, fetcher, sink, obs, &now
}

func twoModems() *fakeView {
	return &fakeView{
		names: []string{"op0", "op1"},
		avg:   map[string]float64{"op0": 40, "op1": 25},
		meta: map[string]*pkg.Metadata{
			"op0": pkg.NewMetadata(map[string]interface{}{"InternalInterface": "wwan0", "ICCID": "111", "Operator": "Telia"}),
			"op1": pkg.NewMetadata(map[string]interface{}{"InternalInterface": "wwan1", "ICCID": "222", "Operator": "Tele2"}),
		},
	}
}

func TestScheduler_ActionRunsOnceWithBothSeries(t *testing.T) {
	actions := []config.ActionSpec{{Time: 10, Repetitions: 2, Url: "http://example.com/"}}
	s, fetcher, sink, obs, now := newTestScheduler(t, twoModems(), actions, nil)

	*now = now.Add(5 * time.Second)
	require.NoError(t, s.RunPass(context.Background()))
	assert.Empty(t, sink.recs)
	assert.False(t, s.AllExecuted())

	*now = now.Add(5 * time.Second)
	require.NoError(t, s.RunPass(context.Background()))
	require.Len(t, sink.recs, 4)
	assert.True(t, s.Actions()[0].IsExecuted())
	assert.True(t, s.AllExecuted())

	dynamic, baseline := 0, 0
	for i, r := range sink.recs {
		if r.DynamicSelection {
			dynamic++
			assert.Equal(t, "op1", r.Interface)
			assert.Equal(t, "Tele2", r.Operator)
		} else {
			baseline++
			assert.Equal(t, "op0", r.Interface)
			assert.Equal(t, "111", r.Iccid)
		}
		assert.Equal(t, i%2, r.SequenceNumber)
		assert.Equal(t, "MONROE.EXP.UOMPING.CURL", r.DataId)
		assert.InDelta(t, 1.0, r.DownloadTime, 1e-9)
		assert.Equal(t, 0, r.ErrorCode)
	}
	assert.Equal(t, 2, dynamic)
	assert.Equal(t, 2, baseline)
	assert.Equal(t, "wwan1", fetcher.requests[0].Device)
	assert.Equal(t, "wwan0", fetcher.requests[2].Device)
	assert.Equal(t, time.Hour, fetcher.requests[0].MaxTime)
	assert.Zero(t, fetcher.requests[0].MaxBytes)
	assert.Equal(t, 4, obs.fetches)

	*now = now.Add(time.Hour)
	require.NoError(t, s.RunPass(context.Background()))
	assert.Len(t, sink.recs, 4)
}

func TestScheduler_ListOrderNotDueOrder(t *testing.T) {
	actions := []config.ActionSpec{
		{Time: 30, Repetitions: 1, Url: "http://a/"},
		{Time: 10, Repetitions: 1, Url: "http://b/"},
	}
	s, _, _, _, now := newTestScheduler(t, twoModems(), actions, nil)

	*now = now.Add(20 * time.Second)
	assert.Equal(t, 1, s.NextReady(*now).Index)

	*now = now.Add(20 * time.Second)
	assert.Equal(t, 0, s.NextReady(*now).Index)
	assert.Equal(t, 2, s.Pending())
}

func TestScheduler_OneActionPerPass(t *testing.T) {
	actions := []config.ActionSpec{
		{Time: 5, Repetitions: 1, Url: "http://a/"},
		{Time: 0, Repetitions: 1, Url: "http://b/"},
	}
	s, fetcher, sink, obs, now := newTestScheduler(t, twoModems(), actions, nil)

	*now = now.Add(10 * time.Second)
	require.NoError(t, s.RunPass(context.Background()))

	assert.True(t, s.AllExecuted())
	assert.Equal(t, 2, obs.selections)
	require.Len(t, fetcher.requests, 4)
	urls := make([]string, 0, len(fetcher.requests))
	for _, r := range fetcher.requests {
		urls = append(urls, r.Url)
	}
	assert.Equal(t, []string{"http://a/", "http://a/", "http://b/", "http://b/"}, urls)
	assert.Len(t, sink.recs, 4)
}

func TestScheduler_SelectionMissRunsBaselineOnly(t *testing.T) {
	view := twoModems()
	view.avg = map[string]float64{}
	actions := []config.ActionSpec{{Time: 0, Repetitions: 2, Url: "http://example.com/"}}
	ledger := &memLedger{recs: map[int]audit.ExecutionRecord{}}
	s, _, sink, obs, _ := newTestScheduler(t, view, actions, ledger)

	require.NoError(t, s.RunPass(context.Background()))
	require.Len(t, sink.recs, 2)
	for _, r := range sink.recs {
		assert.False(t, r.DynamicSelection)
	}
	assert.Equal(t, 1, obs.misses)
	assert.True(t, s.AllExecuted())
	assert.Empty(t, ledger.recs[0].SelectedInterface)
	assert.Equal(t, "op0", ledger.recs[0].BaselineInterface)
	assert.Equal(t, 2, ledger.recs[0].Fetches)
}

func TestScheduler_FailedFetchIsRecorded(t *testing.T) {
	actions := []config.ActionSpec{{Time: 0, Repetitions: 1, Url: "http://example.com/"}}
	s, fetcher, sink, _, _ := newTestScheduler(t, twoModems(), actions, nil)
	fetcher.code = 28

	require.NoError(t, s.RunPass(context.Background()))
	require.Len(t, sink.recs, 2)
	assert.Equal(t, 28, sink.recs[0].ErrorCode)
	assert.True(t, s.AllExecuted())
}

func TestScheduler_LedgerSkipsExecuted(t *testing.T) {
	ledger := &memLedger{recs: map[int]audit.ExecutionRecord{0: {Guid: "run-1", Index: 0}}}
	actions := []config.ActionSpec{
		{Time: 0, Repetitions: 1, Url: "http://a/"},
		{Time: 0, Repetitions: 1, Url: "http://b/"},
	}
	s, fetcher, _, _, _ := newTestScheduler(t, twoModems(), actions, ledger)

	assert.True(t, s.Actions()[0].IsExecuted())
	require.NoError(t, s.RunPass(context.Background()))
	for _, r := range fetcher.requests {
		assert.Equal(t, "http://b/", r.Url)
	}
	assert.Contains(t, ledger.recs, 1)
}

func TestScheduler_CancelLeavesActionPending(t *testing.T) {
	actions := []config.ActionSpec{{Time: 0, Repetitions: 3, Url: "http://example.com/"}}
	s, _, _, _, _ := newTestScheduler(t, twoModems(), actions, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.RunPass(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, s.AllExecuted())
}
