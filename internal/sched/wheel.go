package sched

import "container/list"

const (
	slotNone     = -1
	slotNextTick = -2
	slotOverflow = -3
)

// wheel is a timing wheel with one-millisecond buckets. A paused task lives
// in the slot wakeTime mod width; wakes beyond the width go to an overflow
// list rescanned on every advance, and wakeTime 0 (or already due) goes to
// the next-tick list.
type wheel struct {
	slots    []*list.List
	nextTick *list.List
	overflow *list.List
	now      Time
	width    Time
	count    int
}

func newWheel(width Time, now Time) *wheel {
	if width < 16 {
		width = 16
	}
	w := &wheel{
		slots:    make([]*list.List, width),
		nextTick: list.New(),
		overflow: list.New(),
		now:      now,
		width:    width,
	}
	for i := range w.slots {
		w.slots[i] = list.New()
	}
	return w
}

func (w *wheel) size() int { return w.count }

func (w *wheel) insert(t *Task) {
	switch {
	case t.wake <= w.now:
		t.slot = slotNextTick
		t.slotElem = w.nextTick.PushBack(t)
	case t.wake-w.now < w.width:
		s := int(t.wake % w.width)
		t.slot = s
		t.slotElem = w.slots[s].PushBack(t)
	default:
		t.slot = slotOverflow
		t.slotElem = w.overflow.PushBack(t)
	}
	w.count++
}

func (w *wheel) remove(t *Task) {
	switch t.slot {
	case slotNone:
		return
	case slotNextTick:
		w.nextTick.Remove(t.slotElem)
	case slotOverflow:
		w.overflow.Remove(t.slotElem)
	default:
		w.slots[t.slot].Remove(t.slotElem)
	}
	t.slot = slotNone
	t.slotElem = nil
	w.count--
}

// advance moves the wheel to now, invoking wake for every due task.
func (w *wheel) advance(now Time, wake func(*Task)) {
	// the next-tick list wakes unconditionally
	for e := w.nextTick.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Task)
		w.remove(t)
		wake(t)
		e = next
	}

	// overflow is scanned each tick: wake the due, re-file what now fits
	for e := w.overflow.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Task)
		switch {
		case t.wake <= now:
			w.remove(t)
			wake(t)
		case t.wake-w.now < w.width:
			w.remove(t)
			w.insert(t)
		}
		e = next
	}

	for w.now < now {
		w.now++
		slot := w.slots[int(w.now%w.width)]
		for e := slot.Front(); e != nil; {
			next := e.Next()
			t := e.Value.(*Task)
			if t.wake <= now {
				w.remove(t)
				wake(t)
			}
			e = next
		}
	}
}

// drainAll removes and returns every parked task.
func (w *wheel) drainAll() []*Task {
	var tasks []*Task
	lists := append([]*list.List{w.nextTick, w.overflow}, w.slots...)
	for _, l := range lists {
		for e := l.Front(); e != nil; {
			next := e.Next()
			t := e.Value.(*Task)
			w.remove(t)
			tasks = append(tasks, t)
			e = next
		}
	}
	return tasks
}
