package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/uomping/pkg"
)

// fakeSource hands every subscriber its own channel
type fakeSource struct {
	mu   sync.Mutex
	subs []chan []byte
	err  error
}

func (s *fakeSource) Subscribe(topic string) (<-chan []byte, func(), error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 16)
	s.subs = append(s.subs, ch)
	return ch, func() {}, nil
}

func (s *fakeSource) publish(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		ch <- []byte(payload)
	}
}

func (s *fakeSource) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

func (s *fakeSource) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type snapshotBox struct {
	mu   sync.Mutex
	snap *pkg.Metadata
	n    int
}

func (b *snapshotBox) set(m *pkg.Metadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snap = m
	b.n++
}

func (b *snapshotBox) get() (*pkg.Metadata, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap, b.n
}

func TestParseMetadataEvent(t *testing.T) {
	ev, err := ParseMetadataEvent([]byte(`MONROE.META.DEVICE.MODEM.8946.UPDATE {"InternalInterface":"op0","RSSI":-71}`))
	require.NoError(t, err)
	assert.Equal(t, "op0", ev["InternalInterface"])
	assert.Equal(t, -71.0, ev["RSSI"])

	ev, err = ParseMetadataEvent([]byte(`{"Operator":"Telia"}`))
	require.NoError(t, err)
	assert.Equal(t, "Telia", ev["Operator"])

	for _, bad := range []string{"", "TOPIC", "TOPIC {not json", "null", "[1,2]"} {
		_, err := ParseMetadataEvent([]byte(bad))
		assert.True(t, errors.Is(err, pkg.ErrParse), "payload %q", bad)
	}
}

func startMetadataWorkers(t *testing.T, src *fakeSource) (map[string]*snapshotBox, map[string]*Handle) {
	t.Helper()
	boxes := map[string]*snapshotBox{}
	handles := map[string]*Handle{}
	for _, ifname := range []string{"op0", "op1"} {
		box := &snapshotBox{}
		w := NewMetadataWorker(ifname, "InternalInterface", "MONROE.META.DEVICE.MODEM", src, box.set, nil)
		boxes[ifname] = box
		handles[ifname] = StartWorker(context.Background(), "meta-"+ifname, w.Run)
	}
	t.Cleanup(func() {
		for _, h := range handles {
			h.Stop()
		}
	})
	require.Eventually(t, func() bool { return src.subscribers() == 2 }, time.Second, 5*time.Millisecond)
	return boxes, handles
}

func TestMetadataWorker_FiltersByInterface(t *testing.T) {
	src := &fakeSource{}
	boxes, _ := startMetadataWorkers(t, src)

	src.publish(`T {"InternalInterface":"op0","ICCID":"8946","Timestamp":1700000000}`)
	src.publish(`T {"InternalInterface":"op0","Operator":"Telia"}`)

	require.Eventually(t, func() bool {
		_, n := boxes["op0"].get()
		return n == 2
	}, time.Second, 5*time.Millisecond)

	snap, _ := boxes["op0"].get()
	assert.Equal(t, "Telia", snap.String(pkg.MetaKeyOperator))
	assert.Equal(t, "8946", snap.String(pkg.MetaKeyICCID))
	assert.Equal(t, "op0", snap.Alias("InternalInterface"))

	other, n := boxes["op1"].get()
	assert.Nil(t, other)
	assert.Equal(t, 0, n)
}

func TestMetadataWorker_SkipsMalformed(t *testing.T) {
	src := &fakeSource{}
	boxes, handles := startMetadataWorkers(t, src)

	src.publish(`T {broken`)
	src.publish(`T {"InternalInterface":"op1","Operator":"Tele2"}`)

	require.Eventually(t, func() bool {
		_, n := boxes["op1"].get()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, handles["op1"].Alive())
	snap, _ := boxes["op1"].get()
	assert.Equal(t, "Tele2", snap.String(pkg.MetaKeyOperator))
}

func TestMetadataWorker_SubscriptionLossIsCrash(t *testing.T) {
	src := &fakeSource{}
	_, handles := startMetadataWorkers(t, src)

	src.closeAll()

	for _, h := range handles {
		select {
		case <-h.Done():
		case <-time.After(time.Second):
			t.Fatal("worker did not exit")
		}
		assert.True(t, h.Crashed())
		assert.True(t, errors.Is(h.Err(), pkg.ErrWorkerCrash))
	}
}

func TestMetadataWorker_SubscribeError(t *testing.T) {
	src := &fakeSource{err: errors.New("not connected")}
	w := NewMetadataWorker("op0", "InternalInterface", "topic", src, func(*pkg.Metadata) {}, nil)
	err := w.Run(context.Background())
	assert.True(t, errors.Is(err, pkg.ErrWorkerCrash))
}
