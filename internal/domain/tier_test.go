package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Priority
		wantErr string
	}{
		{"historical first", "historical,recent,now", Priority{TierHistorical, TierRecent, TierNow}, ""},
		{"now first with spaces", " NOW , recent,historical ", Priority{TierNow, TierRecent, TierHistorical}, ""},
		{"subset", "now,recent", Priority{TierNow, TierRecent}, ""},
		{"empty", "", nil, "at least one tier"},
		{"unknown", "now,forecast", nil, "unknown tier"},
		{"duplicate", "now,now", nil, "duplicate tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePriority(tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriority_Rank(t *testing.T) {
	p := Priority{TierNow, TierRecent}

	rank, ok := p.Rank(TierRecent)
	assert.True(t, ok)
	assert.Equal(t, 1, rank)

	_, ok = p.Rank(TierHistorical)
	assert.False(t, ok)
	assert.False(t, p.Contains(TierHistorical))
	assert.Equal(t, "now,recent", p.String())
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("Recent")
	require.NoError(t, err)
	assert.Equal(t, TierRecent, tier)

	_, err = ParseTier("daily")
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestValues_FieldsMatchParameters(t *testing.T) {
	var v Values
	fields := v.Fields()
	require.Len(t, fields, len(Parameters))

	for i, p := range fields {
		*p = f(float64(i))
	}
	list := v.List()
	for i := range Parameters {
		require.NotNil(t, list[i], Parameters[i].Column)
		assert.InDelta(t, float64(i), *list[i], 0, Parameters[i].Column)
	}
	assert.Equal(t, len(Parameters), v.Present())
}
