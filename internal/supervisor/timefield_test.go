package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimeField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "plain integer", raw: "90", want: 90},
		{name: "zero survives", raw: "0", want: 0},
		{name: "surrounding whitespace", raw: "  45 \n", want: 45},
		{name: "empty rejected", raw: "", wantErr: true},
		{name: "whitespace only rejected", raw: "   ", wantErr: true},
		{name: "non-numeric rejected", raw: "ninety", wantErr: true},
		{name: "float rejected", raw: "90.5", wantErr: true},
		{name: "negative rejected", raw: "-10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTimeField(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBudgetFromMinutes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	deadline, err := BudgetFromMinutes("90", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(90*time.Minute), deadline)
}

func TestBudgetFromMinutesZeroIsImmediate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	// "0" is a legal budget that leaves no time: the deadline lands at now,
	// not at some fallback.
	deadline, err := BudgetFromMinutes("0", now)
	require.NoError(t, err)
	require.Equal(t, now, deadline)
}

func TestBudgetFromMinutesMalformedDegradesToNow(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	// A malformed field yields an error and a deadline of now, so a caller
	// that proceeds anyway observes an expired budget and exits cleanly.
	deadline, err := BudgetFromMinutes("soon", now)
	require.Error(t, err)
	require.Equal(t, now, deadline)
}
