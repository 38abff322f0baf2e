package retry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff_WithinBounds(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	base := time.Second
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base, DefaultJitter, rnd)
			lo, hi := Bounds(attempt, base, DefaultJitter)
			require.GreaterOrEqual(t, d, lo)
			require.LessOrEqual(t, d, hi)
			require.LessOrEqual(t, d, MaxDelay)
			require.GreaterOrEqual(t, d, time.Duration(0))
		}
	}
}

func TestGroup_AfterFiresAndReleases(t *testing.T) {
	g := NewGroup(nil)
	defer g.Release()

	fired := make(chan struct{}, 1)
	g.After(10*time.Millisecond, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestGroup_StopPreventsFire(t *testing.T) {
	g := NewGroup(nil)
	defer g.Release()

	fired := make(chan struct{}, 1)
	stop := g.After(50*time.Millisecond, func() { fired <- struct{}{} })
	stop()

	select {
	case <-fired:
		t.Fatal("timer fired after stop")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGroup_ReleaseStopsAllTimers(t *testing.T) {
	g := NewGroup(nil)
	fired := make(chan struct{}, 1)
	g.After(50*time.Millisecond, func() { fired <- struct{}{} })
	g.Release()

	select {
	case <-fired:
		t.Fatal("timer fired after group release")
	case <-time.After(100 * time.Millisecond):
	}
}
