// Package timer implements a bounded delta-list scheduler: a sequence of
// time-slots, each keyed by the number of ticks remaining relative to the
// slot before it, so advancing time only ever touches the head slot.
// There is no background goroutine; Service must be driven by the node's
// tick loop.
package timer

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrNoAction is returned by Create when the bounded action pool is
	// exhausted.
	ErrNoAction = errors.New("timer: action pool exhausted")
	// ErrDelete is returned by Delete when the handle does not reference a
	// live action (already fired once, already deleted, or stale).
	ErrDelete = errors.New("timer: handle does not reference a live action")
)

// Handle identifies a scheduled action. The zero Handle is never valid.
type Handle struct {
	index int
	gen   uint32
}

// Callback is invoked by Service when an action's deadline is reached.
type Callback func(arg any)

type action struct {
	inUse    bool
	gen      uint32
	callback Callback
	arg      any
	period   uint32 // ticks; 0 means one-shot
	slot     *slot
}

// slot carries the list of action indices firing together, and a delta
// (in ticks) relative to the previous slot in the list.
type slot struct {
	delta   uint32
	actions []int
	next    *slot
	prev    *slot
}

// Timer is a fixed-capacity scheduler. Capacity is set once at
// construction and never grows, per the no-allocation-after-construction
// rule: Create fails with ErrNoAction once the pool is full.
type Timer struct {
	mu         sync.Mutex
	pool       []action
	freeSlots  []*slot
	head       *slot
	ticksPerUs float64 // internal ticks per microsecond, from clock frequency
	log        *slog.Logger
}

// New creates a Timer with room for capacity concurrently scheduled
// actions, ticking at clockHz internal steps per second.
func New(capacity int, clockHz uint32, log *slog.Logger) *Timer {
	if log == nil {
		log = slog.Default()
	}
	t := &Timer{
		pool:       make([]action, capacity),
		ticksPerUs: float64(clockHz) / 1e6,
		log:        log.With("service", "timer"),
	}
	t.freeSlots = make([]*slot, capacity)
	for i := range t.freeSlots {
		t.freeSlots[i] = &slot{}
	}
	return t
}

// GetTicks converts a duration of durationUs microseconds into
// internal ticks, using the configured clock frequency. Rounds toward
// zero, matching the node's fixed-point timer arithmetic.
func (t *Timer) GetTicks(durationUs uint32) uint32 {
	return uint32(float64(durationUs) * t.ticksPerUs)
}

// GetMinTime reports, in microseconds, the smallest non-zero interval the
// timer can represent at its configured clock frequency.
func (t *Timer) GetMinTime() uint32 {
	if t.ticksPerUs <= 0 {
		return 0
	}
	if t.ticksPerUs >= 1 {
		return 1
	}
	return uint32(1 / t.ticksPerUs)
}

// Create schedules cb(arg) to fire after startDelay ticks, then every
// period ticks thereafter (period 0 means one-shot). Fails with
// ErrNoAction when the bounded pool has no free action.
func (t *Timer) Create(startDelay, period uint32, cb Callback, arg any) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.allocAction()
	if idx < 0 {
		return Handle{}, ErrNoAction
	}
	act := &t.pool[idx]
	act.inUse = true
	act.callback = cb
	act.arg = arg
	act.period = period

	target, err := t.allocSlotFor(startDelay)
	if err != nil {
		act.inUse = false
		return Handle{}, err
	}
	target.actions = append(target.actions, idx)
	act.slot = target

	return Handle{index: idx, gen: act.gen}, nil
}

// Delete cancels a previously created action. Returns ErrDelete if the
// handle is stale or already fired.
func (t *Timer) Delete(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deleteLocked(h)
}

func (t *Timer) deleteLocked(h Handle) error {
	if h.index < 0 || h.index >= len(t.pool) {
		return ErrDelete
	}
	act := &t.pool[h.index]
	if !act.inUse || act.gen != h.gen {
		return ErrDelete
	}
	t.removeFromSlot(act)
	act.inUse = false
	act.gen++
	return nil
}

// Service drains all actions whose deadline has been reached, advancing
// the head slot's delta by elapsedTicks. One-shot actions are removed;
// periodic actions are rescheduled with their configured period. Safe to
// call from the main tick loop; never blocks.
func (t *Timer) Service(elapsedTicks uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for elapsedTicks > 0 && t.head != nil {
		if t.head.delta > elapsedTicks {
			t.head.delta -= elapsedTicks
			elapsedTicks = 0
			break
		}
		elapsedTicks -= t.head.delta
		due := t.head
		t.popHead()
		t.fireSlot(due)
	}
}

func (t *Timer) fireSlot(due *slot) {
	indices := due.actions
	due.actions = nil
	t.freeSlots = append(t.freeSlots, due)

	for _, idx := range indices {
		act := &t.pool[idx]
		if !act.inUse {
			continue
		}
		act.slot = nil
		cb, arg, period := act.callback, act.arg, act.period
		if period == 0 {
			act.inUse = false
			act.gen++
		} else {
			target, err := t.allocSlotFor(period)
			if err != nil {
				t.log.Error("action could not be rescheduled, pool exhausted", "action", idx)
				act.inUse = false
				act.gen++
				continue
			}
			target.actions = append(target.actions, idx)
			act.slot = target
		}
		cb(arg)
	}
}

// Reset drops every scheduled action and reinitializes the pool.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pool {
		t.pool[i] = action{gen: t.pool[i].gen + 1}
	}
	t.head = nil
	t.freeSlots = t.freeSlots[:0]
	for i := 0; i < len(t.pool); i++ {
		t.freeSlots = append(t.freeSlots, &slot{})
	}
}

func (t *Timer) allocAction() int {
	for i := range t.pool {
		if !t.pool[i].inUse {
			return i
		}
	}
	return -1
}

// allocSlotFor walks the delta list to find or create the slot sitting
// exactly ticksFromNow away, splitting an existing slot when the target
// falls strictly inside it.
func (t *Timer) allocSlotFor(ticksFromNow uint32) (*slot, error) {
	remaining := ticksFromNow
	cur := t.head
	var prev *slot

	for cur != nil {
		if remaining < cur.delta {
			newSlot, err := t.takeFreeSlot()
			if err != nil {
				return nil, err
			}
			newSlot.delta = remaining
			cur.delta -= remaining
			newSlot.next = cur
			newSlot.prev = prev
			cur.prev = newSlot
			if prev == nil {
				t.head = newSlot
			} else {
				prev.next = newSlot
			}
			return newSlot, nil
		}
		if remaining == cur.delta {
			return cur, nil
		}
		remaining -= cur.delta
		prev = cur
		cur = cur.next
	}

	newSlot, err := t.takeFreeSlot()
	if err != nil {
		return nil, err
	}
	newSlot.delta = remaining
	newSlot.prev = prev
	if prev == nil {
		t.head = newSlot
	} else {
		prev.next = newSlot
	}
	return newSlot, nil
}

func (t *Timer) takeFreeSlot() (*slot, error) {
	if len(t.freeSlots) == 0 {
		return nil, ErrNoAction
	}
	n := len(t.freeSlots) - 1
	s := t.freeSlots[n]
	t.freeSlots = t.freeSlots[:n]
	*s = slot{}
	return s, nil
}

func (t *Timer) popHead() {
	if t.head == nil {
		return
	}
	t.head = t.head.next
	if t.head != nil {
		t.head.prev = nil
	}
}

// removeFromSlot detaches act from its slot; if the slot becomes empty
// its delta is folded into the successor (or simply dropped if it was
// the last slot), so the remaining slots still measure ticks correctly
// relative to one another.
func (t *Timer) removeFromSlot(act *action) {
	s := act.slot
	if s == nil {
		return
	}
	for i, idx := range s.actions {
		if &t.pool[idx] == act {
			s.actions = append(s.actions[:i], s.actions[i+1:]...)
			break
		}
	}
	act.slot = nil
	if len(s.actions) > 0 {
		return
	}
	if s.next != nil {
		s.next.delta += s.delta
		s.next.prev = s.prev
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		t.head = s.next
	}
	t.freeSlots = append(t.freeSlots, s)
}
