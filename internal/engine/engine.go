// Package engine provides the tick-based simulation loop: a deltaTime
// tick callback plus named periodic tasks run at tick boundaries.
package engine

import (
	"log/slog"
	"sync"
	"time"
)

// Task is one named periodic job. Fired at tick boundaries when its
// interval has elapsed; never concurrently with itself.
type Task struct {
	Name     string
	Interval time.Duration
	Fn       func(now time.Time)

	lastRun   time.Time
	running   bool
	cancelled bool
}

// Cancel stops the task from firing again. Safe to call more than
// once; has no effect on an in-progress invocation.
func (t *Task) Cancel() { t.cancelled = true }

// Engine drives the simulation forward. One goroutine owns the loop;
// everything else reads or mutates simulation state through Sync,
// which serializes against the tick step. Speed, Throttle, and the
// fields below are guarded the same way.
type Engine struct {
	Tick     uint64        // monotonic, never resets
	Speed    float64       // multiplier: 1.0 = real-time, 0 = paused
	Throttle float64       // ≥1, stretches the interval under load
	Interval time.Duration // base tick interval
	Running  bool

	// OnTick runs every tick with the simulated elapsed time.
	OnTick func(deltaTime time.Duration)

	mu    sync.Mutex
	tasks []*Task
}

// NewEngine creates an engine with the given base interval.
func NewEngine(interval time.Duration, speed float64) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &Engine{
		Speed:    speed,
		Throttle: 1.0,
		Interval: interval,
	}
}

// Schedule registers a named periodic task and returns its handle for
// cancellation. The first run happens one full interval after start.
func (e *Engine) Schedule(name string, interval time.Duration, fn func(now time.Time)) *Task {
	t := &Task{Name: name, Interval: interval, Fn: fn, lastRun: time.Now()}
	e.tasks = append(e.tasks, t)
	slog.Debug("scheduled task", "name", name, "interval", interval)
	return t
}

// SetSpeed changes the speed multiplier. Zero or negative pauses.
// Call on the engine goroutine or inside Sync.
func (e *Engine) SetSpeed(speed float64) {
	if speed < 0 {
		speed = 0
	}
	e.Speed = speed
}

// SetThrottle applies an adaptive slowdown factor to the loop.
// Call on the engine goroutine or inside Sync.
func (e *Engine) SetThrottle(factor float64) {
	if factor < 1 {
		factor = 1
	}
	e.Throttle = factor
}

// Sync runs fn while holding the engine lock, serialized against the
// tick step. HTTP and websocket handlers go through here so they never
// observe or mutate manager state mid-tick.
func (e *Engine) Sync(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Run starts the simulation loop. Blocks until Stop is called.
func (e *Engine) Run() {
	e.mu.Lock()
	e.Running = true
	slog.Info("engine started", "interval", e.Interval, "speed", e.Speed)
	e.mu.Unlock()

	last := time.Now()
	for {
		e.mu.Lock()
		running, speed := e.Running, e.Speed
		e.mu.Unlock()
		if !running {
			break
		}

		if speed <= 0 {
			// Paused. Keep the clock moving so resume does not replay
			// the paused stretch as one giant delta.
			time.Sleep(100 * time.Millisecond)
			last = time.Now()
			continue
		}

		start := time.Now()
		simDelta := time.Duration(float64(start.Sub(last)) * speed)
		last = start

		e.step(start, simDelta)

		e.mu.Lock()
		target := time.Duration(float64(e.Interval) * e.Throttle / speed)
		e.mu.Unlock()
		if elapsed := time.Since(start); elapsed < target {
			time.Sleep(target - elapsed)
		}
	}

	slog.Info("engine stopped", "tick", e.Tick)
}

// Stop halts the loop after the current tick completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.Running = false
	e.mu.Unlock()
}

// step advances one tick and fires any due tasks, holding the engine
// lock for the whole boundary.
func (e *Engine) step(now time.Time, deltaTime time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Tick++

	if e.OnTick != nil {
		e.OnTick(deltaTime)
	}
	e.RunDue(now)
}

// RunDue fires due tasks without advancing the tick counter or the
// OnTick callback. Used by tests and by hosts that own their own loop.
func (e *Engine) RunDue(now time.Time) {
	live := e.tasks[:0]
	for _, t := range e.tasks {
		if t.cancelled {
			continue
		}
		live = append(live, t)
		if t.running || now.Sub(t.lastRun) < t.Interval {
			continue
		}
		t.running = true
		t.lastRun = now
		t.Fn(now)
		t.running = false
	}
	e.tasks = live
}
