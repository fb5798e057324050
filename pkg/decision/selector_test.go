package decision

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/markus-lassfolk/uomping/pkg"
)

func TestSelectInterface(t *testing.T) {
	tests := []struct {
		name       string
		candidates []Candidate
		want       string
		miss       bool
	}{
		{
			name:       "lowest average wins",
			candidates: []Candidate{{"op0", 40, 3}, {"op1", 25, 3}},
			want:       "op1",
		},
		{
			name:       "tie keeps configured order",
			candidates: []Candidate{{"op0", 25, 3}, {"op1", 25, 5}},
			want:       "op0",
		},
		{
			name:       "interfaces without samples are ignored",
			candidates: []Candidate{{"op0", -1, 0}, {"op1", 80, 1}},
			want:       "op1",
		},
		{
			name:       "no data",
			candidates: []Candidate{{"op0", -1, 0}, {"op1", -1, 0}},
			miss:       true,
		},
		{
			name: "empty",
			miss: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectInterface(tt.candidates)
			if tt.miss {
				assert.True(t, errors.Is(err, pkg.ErrSelectionMiss))
				assert.Empty(t, got)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
