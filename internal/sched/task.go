package sched

import (
	"container/list"
)

// State is the lifecycle state of a task.
type State uint8

const (
	StateRunning State = iota
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// Runner is one cooperative task body. Run advances the task by a single
// logical step and returns; the scheduler, not the body, is the control
// authority. done reports that the task has finished and must be destroyed.
// A non-nil error is fatal: it propagates out of the scheduler loop.
type Runner interface {
	Run(arg any) (done bool, err error)
}

// Closer is implemented by runners that hold external resources (registry
// entries, buffers). It is invoked exactly once when the task is destroyed.
type Closer interface {
	Close()
}

// Task wraps a Runner with its scheduling state. All methods must be called
// from the scheduler goroutine.
type Task struct {
	id     uint32
	mgr    *Mgr
	runner Runner
	state  State
	wake   Time
	args   []any

	runElem  *list.Element // position in mgr.running while running
	slot     int           // wheel location while paused
	slotElem *list.Element
}

func (t *Task) ID() uint32     { return t.id }
func (t *Task) State() State   { return t.state }
func (t *Task) WakeTime() Time { return t.wake }
func (t *Task) Runner() Runner { return t.runner }

// Pause parks the task on the timing wheel until wake (0 means next tick).
func (t *Task) Pause(wake Time) {
	switch t.state {
	case StateRunning:
		t.mgr.running.Remove(t.runElem)
		t.runElem = nil
	case StatePaused:
		t.mgr.wheel.remove(t)
	}
	t.state = StatePaused
	t.wake = wake
	t.mgr.wheel.insert(t)
}

// Resume moves a paused or stopped task back to the running list.
func (t *Task) Resume() {
	switch t.state {
	case StateRunning:
		return
	case StatePaused:
		t.mgr.wheel.remove(t)
	}
	t.setRunning()
}

func (t *Task) setRunning() {
	t.state = StateRunning
	t.runElem = t.mgr.running.PushBack(t)
}

// Stop freezes the task: removed from running/paused views but retained in
// the all-tasks view. Deliver or Resume reactivates it.
func (t *Task) Stop() {
	switch t.state {
	case StateRunning:
		t.mgr.running.Remove(t.runElem)
		t.runElem = nil
	case StatePaused:
		t.mgr.wheel.remove(t)
	}
	t.state = StateStopped
}

// Abort destroys the task immediately, releasing its resources.
func (t *Task) Abort() {
	t.mgr.destroy(t)
}

// Deliver enqueues arg as the task's next run argument and reactivates it.
// Arguments are consumed one per run, in arrival order.
func (t *Task) Deliver(arg any) {
	t.args = append(t.args, arg)
	t.Resume()
}

func (t *Task) popArg() any {
	if len(t.args) == 0 {
		return nil
	}
	arg := t.args[0]
	t.args = t.args[0:copy(t.args, t.args[1:])]
	return arg
}

// Mgr owns every task and the timing wheel. It is single-threaded: tasks
// never preempt each other and all mutation happens on the scheduler
// goroutine, so no locking is involved.
type Mgr struct {
	all     map[uint32]*Task
	running *list.List
	wheel   *wheel
	nextID  uint32
}

// NewMgr creates a task manager whose wheel spans widthMs milliseconds;
// wakes beyond the width live on an overflow list scanned each tick.
func NewMgr(clock Clock, widthMs Time) *Mgr {
	return &Mgr{
		all:     make(map[uint32]*Task),
		running: list.New(),
		wheel:   newWheel(widthMs, clock.NowMs()),
	}
}

// NewTask registers a runner as a task in the running state.
func (m *Mgr) NewTask(r Runner) *Task {
	m.nextID++
	t := &Task{
		id:     m.nextID,
		mgr:    m,
		runner: r,
		slot:   slotNone,
	}
	m.all[t.id] = t
	t.setRunning()
	return t
}

func (m *Mgr) destroy(t *Task) {
	switch t.state {
	case StateRunning:
		m.running.Remove(t.runElem)
		t.runElem = nil
	case StatePaused:
		m.wheel.remove(t)
	}
	t.state = StateStopped
	delete(m.all, t.id)
	if c, ok := t.runner.(Closer); ok {
		c.Close()
	}
}

// Wake advances the wheel to now and moves every due task to running.
func (m *Mgr) Wake(now Time) {
	m.wheel.advance(now, func(t *Task) { t.setRunning() })
}

// Drain runs every task that was runnable at the start of the call, once.
// Tasks resumed during the drain (other than by an explicit synchronous
// re-entry inside a runner) wait for the next tick.
func (m *Mgr) Drain() error {
	snapshot := make([]*Task, 0, m.running.Len())
	for e := m.running.Front(); e != nil; e = e.Next() {
		snapshot = append(snapshot, e.Value.(*Task))
	}

	for _, t := range snapshot {
		if t.state != StateRunning {
			continue
		}
		if _, ok := m.all[t.id]; !ok {
			continue
		}
		done, err := t.runner.Run(t.popArg())
		if err != nil {
			return err
		}
		if done {
			m.destroy(t)
		}
	}
	return nil
}

// HasRunnable reports whether any task is in the running state.
func (m *Mgr) HasRunnable() bool { return m.running.Len() > 0 }

// ResumePausedTasks bulk-resumes every paused task.
func (m *Mgr) ResumePausedTasks() {
	for _, t := range m.wheel.drainAll() {
		t.setRunning()
	}
}

// AbortAll destroys every task.
func (m *Mgr) AbortAll() {
	for _, t := range m.all {
		m.destroy(t)
	}
}

// Tasks returns the all-tasks count, Running and Paused the per-state views.
func (m *Mgr) Tasks() int   { return len(m.all) }
func (m *Mgr) Running() int { return m.running.Len() }
func (m *Mgr) Paused() int  { return m.wheel.size() }

// Stopped returns the number of frozen tasks.
func (m *Mgr) Stopped() int {
	n := 0
	for _, t := range m.all {
		if t.state == StateStopped {
			n++
		}
	}
	return n
}
