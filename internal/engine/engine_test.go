package engine

import (
	"testing"
	"time"
)

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(0, -5)
	if e.Interval != time.Second || e.Speed != 1.0 || e.Throttle != 1.0 {
		t.Fatalf("defaults = %v / %g / %g", e.Interval, e.Speed, e.Throttle)
	}
}

func TestSpeedAndThrottleClamp(t *testing.T) {
	e := NewEngine(time.Second, 1)

	e.SetSpeed(-3)
	if e.Speed != 0 {
		t.Fatalf("speed = %g, want clamp to 0", e.Speed)
	}
	e.SetSpeed(10)
	if e.Speed != 10 {
		t.Fatalf("speed = %g, want 10", e.Speed)
	}

	e.SetThrottle(0.2)
	if e.Throttle != 1 {
		t.Fatalf("throttle = %g, want clamp to 1", e.Throttle)
	}
	e.SetThrottle(3)
	if e.Throttle != 3 {
		t.Fatalf("throttle = %g, want 3", e.Throttle)
	}
}

func TestTaskFiresOnlyAfterInterval(t *testing.T) {
	e := NewEngine(time.Second, 1)

	fired := 0
	e.Schedule("census", 10*time.Second, func(time.Time) { fired++ })

	base := time.Now()
	e.RunDue(base.Add(5 * time.Second))
	if fired != 0 {
		t.Fatal("task fired before its interval elapsed")
	}

	e.RunDue(base.Add(11 * time.Second))
	if fired != 1 {
		t.Fatalf("fired = %d after interval, want 1", fired)
	}

	// lastRun was reset by the first firing.
	e.RunDue(base.Add(12 * time.Second))
	if fired != 1 {
		t.Fatalf("fired = %d right after a run, want 1", fired)
	}
	e.RunDue(base.Add(22 * time.Second))
	if fired != 2 {
		t.Fatalf("fired = %d after a second interval, want 2", fired)
	}
}

func TestTaskNeverRunsReentrantly(t *testing.T) {
	e := NewEngine(time.Second, 1)

	depth := 0
	var task *Task
	task = e.Schedule("recursive", time.Second, func(now time.Time) {
		depth++
		if depth > 1 {
			t.Fatal("task re-entered itself")
		}
		// A task firing the scheduler must not re-trigger itself.
		e.RunDue(now.Add(time.Hour))
		depth--
	})
	_ = task

	e.RunDue(time.Now().Add(time.Hour))
}

func TestCancelledTaskIsRemoved(t *testing.T) {
	e := NewEngine(time.Second, 1)

	fired := 0
	task := e.Schedule("doomed", time.Second, func(time.Time) { fired++ })
	keeper := e.Schedule("keeper", time.Second, func(time.Time) {})

	task.Cancel()
	e.RunDue(time.Now().Add(time.Hour))

	if fired != 0 {
		t.Fatal("cancelled task fired")
	}
	if len(e.tasks) != 1 || e.tasks[0] != keeper {
		t.Fatalf("task list after cancel = %d entries", len(e.tasks))
	}
}

func TestSyncSerializesWithTicks(t *testing.T) {
	e := NewEngine(time.Millisecond, 1)

	// OnTick holds the tick open across a read-modify-write; a Sync
	// interleaving mid-tick would lose one of the updates.
	shared := 0
	e.OnTick = func(time.Duration) {
		v := shared
		time.Sleep(time.Millisecond)
		shared = v + 1
	}

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	for i := 0; i < 50; i++ {
		e.Sync(func() { shared++ })
	}

	// Make sure the loop actually ran before stopping it.
	for {
		var tick uint64
		e.Sync(func() { tick = e.Tick })
		if tick > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	e.Stop()
	<-done

	if want := int(e.Tick) + 50; shared != want {
		t.Fatalf("shared = %d, want %d (%d ticks + 50 synced writes)", shared, want, e.Tick)
	}
}

func TestStepAdvancesTickAndCallsOnTick(t *testing.T) {
	e := NewEngine(time.Second, 1)

	var got time.Duration
	e.OnTick = func(dt time.Duration) { got = dt }

	e.step(time.Now(), 250*time.Millisecond)

	if e.Tick != 1 {
		t.Fatalf("tick = %d, want 1", e.Tick)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("delta = %v, want 250ms", got)
	}
}
