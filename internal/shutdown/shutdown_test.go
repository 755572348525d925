package shutdown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownRunsFuncsInReverseOrder(t *testing.T) {
	m := New(time.Second)
	var order []int
	m.Register(func(ctx context.Context) error { order = append(order, 1); return nil })
	m.Register(func(ctx context.Context) error { order = append(order, 2); return nil })
	m.Register(func(ctx context.Context) error { order = append(order, 3); return nil })

	m.Shutdown()

	require.Equal(t, []int{3, 2, 1}, order)
}

func TestShutdownContinuesPastFailingFunc(t *testing.T) {
	m := New(time.Second)
	ran := false
	m.Register(func(ctx context.Context) error { ran = true; return nil })
	m.Register(func(ctx context.Context) error { return context.DeadlineExceeded })

	m.Shutdown()

	require.True(t, ran)
}

func TestWaitForDrainReturnsOnceInFlightReachesZero(t *testing.T) {
	var remaining int64 = 2
	fn := WaitForDrain(func() int64 { return remaining }, time.Millisecond, "test resource")

	go func() {
		time.Sleep(5 * time.Millisecond)
		remaining = 0
	}()

	err := fn(context.Background())
	require.NoError(t, err)
}

func TestWaitForDrainTimesOutWhenStillInFlight(t *testing.T) {
	fn := WaitForDrain(func() int64 { return 3 }, time.Millisecond, "test resource")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := fn(ctx)
	require.Error(t, err)
}
