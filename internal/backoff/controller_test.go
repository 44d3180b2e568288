package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLadder() []Rung {
	return []Rung{
		{Failures: 3, Wait: 5 * time.Minute},
		{Failures: 5, Wait: 30 * time.Minute},
		{Failures: 10, Terminate: true},
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	c, err := New(testLadder(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestRecordFailure_LadderDirectives(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	want := map[int]Directive{
		1:  {Action: ActionContinue},
		2:  {Action: ActionContinue},
		3:  {Action: ActionWait, Wait: 5 * time.Minute},
		4:  {Action: ActionContinue},
		5:  {Action: ActionWait, Wait: 30 * time.Minute},
		6:  {Action: ActionContinue},
		7:  {Action: ActionContinue},
		8:  {Action: ActionContinue},
		9:  {Action: ActionContinue},
		10: {Action: ActionTerminate},
	}
	for n := 1; n <= 10; n++ {
		d := c.RecordFailure()
		require.Equal(t, want[n], d, "directive after %d failures", n)
		require.Equal(t, n, c.Failures())
	}
}

func TestRecordSuccess_ResetsCount(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	c.RecordFailure()
	c.RecordFailure()
	require.Equal(t, 2, c.Failures())

	c.RecordSuccess()
	require.Zero(t, c.Failures())

	// The ladder restarts from scratch after a reset.
	d := c.RecordFailure()
	require.Equal(t, ActionContinue, d.Action)
	require.Equal(t, 1, c.Failures())
}

func TestTerminal_LatchesForRun(t *testing.T) {
	t.Parallel()
	c := newTestController(t)

	for n := 0; n < 10; n++ {
		c.RecordFailure()
	}
	require.True(t, c.Terminal())

	// A late success cannot revive a terminated run.
	c.RecordSuccess()
	require.True(t, c.Terminal())
	require.Equal(t, ActionTerminate, c.RecordFailure().Action)
}

func TestDirective_StableAtThreshold(t *testing.T) {
	t.Parallel()

	// Reaching a rung directly and reaching it after resets yield the same
	// directive.
	direct := newTestController(t)
	var last Directive
	for n := 0; n < 3; n++ {
		last = direct.RecordFailure()
	}

	resetFirst := newTestController(t)
	resetFirst.RecordFailure()
	resetFirst.RecordFailure()
	resetFirst.RecordSuccess()
	var afterReset Directive
	for n := 0; n < 3; n++ {
		afterReset = resetFirst.RecordFailure()
	}

	require.Equal(t, last, afterReset)
}

func TestNew_RejectsBadLadders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		ladder []Rung
	}{
		{name: "empty", ladder: nil},
		{name: "not ascending", ladder: []Rung{
			{Failures: 5, Wait: time.Minute},
			{Failures: 3, Terminate: true},
		}},
		{name: "zero wait", ladder: []Rung{
			{Failures: 3},
			{Failures: 5, Terminate: true},
		}},
		{name: "no terminal rung", ladder: []Rung{
			{Failures: 3, Wait: time.Minute},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.ladder, zap.NewNop())
			require.Error(t, err)
		})
	}
}

func TestDefaultLadder_IsValid(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultLadder(), zap.NewNop())
	require.NoError(t, err)
}

func TestAction_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "continue", ActionContinue.String())
	require.Equal(t, "wait", ActionWait.String())
	require.Equal(t, "terminate", ActionTerminate.String())
}
