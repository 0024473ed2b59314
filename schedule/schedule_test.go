package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualScheduler_RunsInDueOrder(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var order []string
	s.Schedule(2*time.Second, func() { order = append(order, "b") })
	s.Schedule(time.Second, func() { order = append(order, "a") })
	s.Schedule(2*time.Second, func() { order = append(order, "c") })

	assert.Equal(t, 0, s.Advance(500*time.Millisecond))
	assert.Equal(t, 3, s.Pending())

	assert.Equal(t, 3, s.Advance(2*time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, time.Unix(0, 0).Add(2500*time.Millisecond), s.Now())
}

func TestManualScheduler_NestedScheduling(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	runs := 0
	var tick func()
	tick = func() {
		runs++
		s.Schedule(time.Second, tick)
	}
	s.Schedule(time.Second, tick)

	s.Advance(3 * time.Second)
	assert.Equal(t, 3, runs)
	assert.Equal(t, 1, s.Pending())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second, time.Second}, s.Delays())
}

func TestManualScheduler_Cancel(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	ran := false
	task := s.Schedule(time.Second, func() { ran = true })
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())

	s.Advance(time.Minute)
	assert.False(t, ran)
	assert.Equal(t, 0, s.Pending())
}

func TestManualScheduler_RunNext(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))
	assert.False(t, s.RunNext())

	s.Schedule(4*time.Second, func() {})
	require.True(t, s.RunNext())
	assert.Equal(t, time.Unix(4, 0), s.Now())
}

func TestTimerScheduler_FiresAndCancels(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var fired atomic.Int32
	done := make(chan struct{})
	s.Schedule(5*time.Millisecond, func() {
		fired.Add(1)
		close(done)
	})
	cancelled := s.Schedule(time.Hour, func() { fired.Add(10) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	assert.True(t, cancelled.Cancel())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, s.Pending())
}

func TestTimerScheduler_StopRejectsNewTasks(t *testing.T) {
	s := NewTimerScheduler()
	s.Schedule(time.Hour, func() {})
	s.Stop()

	assert.Equal(t, 0, s.Pending())
	s.Schedule(time.Millisecond, func() { t.Error("task scheduled after Stop ran") })
	time.Sleep(20 * time.Millisecond)
}
