package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunExecutesHooksInOrder(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Second, zap.NewNop())
	var order []string
	reg.Add("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	reg.Add("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	reg.Run()
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Second, zap.NewNop())
	calls := 0
	reg.Add("once", func(context.Context) error {
		calls++
		return nil
	})

	reg.Run()
	reg.Run()
	require.Equal(t, 1, calls)
}

func TestFailingHookDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Second, zap.NewNop())
	ran := false
	reg.Add("broken", func(context.Context) error {
		return errors.New("boom")
	})
	reg.Add("after", func(context.Context) error {
		ran = true
		return nil
	})

	reg.Run()
	require.True(t, ran)
}

func TestSlowHookIsTimeBounded(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(50*time.Millisecond, zap.NewNop())
	reg.Add("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	reg.Run()
	require.Less(t, time.Since(start), time.Second)
}

func TestAddAfterRunIsIgnored(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(time.Second, zap.NewNop())
	reg.Run()

	called := false
	reg.Add("late", func(context.Context) error {
		called = true
		return nil
	})
	reg.Run()
	require.False(t, called)
}
