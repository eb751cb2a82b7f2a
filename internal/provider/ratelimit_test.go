package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacerSpacesSequentialRequests(t *testing.T) {
	t.Parallel()

	// 600 rpm means one slot every 100ms; three calls need at least two
	// full gaps after the first free slot.
	p := newPacer(600)

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Wait(context.Background(), "test"))
	}
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestPacerSpacesConcurrentRequests(t *testing.T) {
	t.Parallel()

	p := newPacer(600)

	start := time.Now()
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func() {
			require.NoError(t, p.Wait(context.Background(), "test"))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestPacerWaitHonorsContextCancel(t *testing.T) {
	t.Parallel()

	p := newPacer(1) // one slot per minute, second call would block hard
	require.NoError(t, p.Wait(context.Background(), "test"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Wait(ctx, "test")
	require.Error(t, err)
	require.ErrorContains(t, err, "rate limit wait")
	// It must give up near the deadline, not sit out the full slot.
	require.Less(t, time.Since(start), time.Second)
}

func TestPacerDefaultsWhenBudgetInvalid(t *testing.T) {
	t.Parallel()

	p := newPacer(0)
	require.Equal(t, 2*time.Second, p.interval)
}
