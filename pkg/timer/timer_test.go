//go:build unit

package timer_test

import (
	"testing"

	"github.com/netboot-go/ipxecore/pkg/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffSequence(t *testing.T) {
	clock := &timer.FakeClock{}
	rt := timer.New(clock, timer.TicksPerSec, 64*timer.TicksPerSec)

	var timeouts []timer.Tick
	failedFinal := false
	rt.Expired = func(rt *timer.RetryTimer, failed bool) {
		timeouts = append(timeouts, rt.LastFired())
		failedFinal = failed
		if !failed {
			rt.Start()
		}
	}

	rt.Start()
	require.True(t, rt.Running())

	// Drive the fake clock far enough that every expiry fires once.
	for i := 0; i < timer.MaxRetries+1; i++ {
		clock.Advance(rt.Timeout())
		rt.Poll()
		if !rt.Running() {
			break
		}
	}

	// 1,2,4,8,16,32,64,64,64,64 (capped at max) across MaxRetries expiries.
	require.Len(t, timeouts, timer.MaxRetries)
	assert.Equal(t, timer.Tick(1*timer.TicksPerSec), timeouts[0])
	assert.Equal(t, timer.Tick(2*timer.TicksPerSec), timeouts[1])
	assert.Equal(t, timer.Tick(4*timer.TicksPerSec), timeouts[2])
	assert.Equal(t, timer.Tick(64*timer.TicksPerSec), timeouts[len(timeouts)-1])
	assert.True(t, failedFinal)
}

func TestStopHalvesNextTimeout(t *testing.T) {
	clock := &timer.FakeClock{}
	rt := timer.New(clock, timer.TicksPerSec, 64*timer.TicksPerSec)

	rt.Start()
	clock.Advance(rt.Timeout())
	rt.Poll() // first expiry doubles to 2s and fires Expired (not asserted here)

	rt.Stop()
	assert.Equal(t, timer.Tick(timer.TicksPerSec), rt.Timeout(), "halved value floors at min_timeout")
}

func TestPollNoOpWhenNotRunning(t *testing.T) {
	clock := &timer.FakeClock{}
	rt := timer.New(clock, timer.TicksPerSec, 4*timer.TicksPerSec)
	rt.Poll() // must not panic or invoke Expired
	assert.False(t, rt.Running())
}
