package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_MarkAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.db")

	l, err := Open(path, nil)
	require.NoError(t, err)

	done, err := l.IsExecuted("run-1", 0)
	require.NoError(t, err)
	assert.False(t, done)

	for _, idx := range []int{10, 2, 0} {
		require.NoError(t, l.MarkExecuted(ExecutionRecord{
			Guid:              "run-1",
			Index:             idx,
			Url:               "http://example.com/",
			ExecutedAt:        time.Unix(1700000000, 0).UTC(),
			SelectedInterface: "op1",
			BaselineInterface: "op0",
			Fetches:           4,
		}))
	}
	require.NoError(t, l.MarkExecuted(ExecutionRecord{Guid: "run-2", Index: 0}))
	require.NoError(t, l.Close())

	l, err = Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	done, err = l.IsExecuted("run-1", 2)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.IsExecuted("run-1", 1)
	require.NoError(t, err)
	assert.False(t, done)

	recs, err := l.Records("run-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int{0, 2, 10}, []int{recs[0].Index, recs[1].Index, recs[2].Index})
	assert.Equal(t, "op1", recs[0].SelectedInterface)
	assert.Equal(t, 4, recs[2].Fetches)
}
