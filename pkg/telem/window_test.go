package telem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindow_EmptyAverageIsSentinel(t *testing.T) {
	var w Window
	assert.Equal(t, NoData, w.Average())
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, WindowSize, w.Cap())
}

func TestWindow_KeepsMostRecentFirst(t *testing.T) {
	for _, n := range []int{1, 5, 9, 10, 11, 25} {
		w := NewWindow(0)
		for i := 1; i <= n; i++ {
			w.Push(float64(i))
		}

		want := n
		if want > WindowSize {
			want = WindowSize
		}
		require.Equal(t, want, w.Len(), "n=%d", n)

		values := w.Values()
		var sum float64
		for i, v := range values {
			assert.Equal(t, float64(n-i), v, "n=%d index=%d", n, i)
			sum += v
		}
		assert.InDelta(t, sum/float64(want), w.Average(), 1e-9)
	}
}

func TestWindow_CustomCapacity(t *testing.T) {
	w := NewWindow(3)
	for _, v := range []float64{1, 2, 3, 4} {
		w.Push(v)
	}
	assert.Equal(t, []float64{4, 3, 2}, w.Values())
	assert.InDelta(t, 3.0, w.Average(), 1e-9)
}

func TestSeries_RunningAverage(t *testing.T) {
	s := NewSeries("op0/rtt", 0)
	assert.Equal(t, NoData, s.Average())

	var got []float64
	for _, rtt := range []float64{20, 30, 25} {
		got = append(got, s.Push(rtt))
	}
	assert.Equal(t, []float64{20, 25, 25}, got)
	assert.Equal(t, []float64{25, 30, 20}, s.Values())
}

func TestSeries_ConcurrentReaders(t *testing.T) {
	s := NewSeries("op0/rtt", 0)
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				assert.LessOrEqual(t, s.Len(), WindowSize)
				_ = s.Average()
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		s.Push(float64(i))
	}
	wg.Wait()
	assert.Equal(t, WindowSize, s.Len())
}

func TestStore(t *testing.T) {
	_, err := NewStore(nil, 0)
	assert.Error(t, err)
	_, err = NewStore([]string{"op0", "op0"}, 0)
	assert.Error(t, err)

	st, err := NewStore([]string{"op0", "op1", "eth0"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"op0", "op1", "eth0"}, st.Interfaces())

	op0, _ := st.Get("op0")
	op1, _ := st.Get("op1")
	op0.Latency.Push(40)
	op1.Latency.Push(25)

	assert.Equal(t, map[string]float64{"op0": 40, "op1": 25}, st.Averages())
	assert.Equal(t, []string{"op1", "op0"}, st.SortedByLatency())
}
