package dispatch

import (
	"time"

	"github.com/sirupsen/logrus"
)

// StartFunc sends a newly admitted cycle to the CAD engine.
type StartFunc func(Cycle)

// Dispatcher buffers dispatchable deltas and, after a quiet window, offers the
// coalesced snapshot to the Gate. Unlike the Gate it is aware of readiness: while
// the CAD engine has not completed its handshake expiries keep the buffer.
//
// Dispatcher is not safe for concurrent use.
type Dispatcher struct {
	window time.Duration
	sched  Scheduler
	gate   *Gate
	epoch  func() uint64
	start  StartFunc
	logger *logrus.Entry

	pending        map[string]float64
	pendingVersion uint64
	timer          Timer
	gen            uint64
	ready          bool
}

// NewDispatcher wires a dispatcher to gate. epoch reports the store's current
// definition epoch and start receives every cycle the gate admits.
func NewDispatcher(window time.Duration, sched Scheduler, gate *Gate, epoch func() uint64, start StartFunc, logger *logrus.Entry) *Dispatcher {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = logrus.NewEntry(l)
	}
	return &Dispatcher{
		window:  window,
		sched:   sched,
		gate:    gate,
		epoch:   epoch,
		start:   start,
		logger:  logger,
		pending: make(map[string]float64),
	}
}

// Gate returns the gate the dispatcher feeds.
func (d *Dispatcher) Gate() *Gate { return d.gate }

// Window returns the quiet period.
func (d *Dispatcher) Window() time.Duration { return d.window }

// SetWindow changes the quiet period for timers armed from now on.
func (d *Dispatcher) SetWindow(w time.Duration) { d.window = w }

// Ready reports whether expiries may dispatch.
func (d *Dispatcher) Ready() bool { return d.ready }

// SetReady records CAD readiness. Becoming ready with a non-empty buffer arms
// the timer so buffered edits flow once the window passes.
func (d *Dispatcher) SetReady(ready bool) {
	d.ready = ready
	if ready && len(d.pending) > 0 {
		d.arm()
	}
}

// OnDelta merges deltas into the buffer, last write wins per name, and restarts
// the quiet window.
func (d *Dispatcher) OnDelta(deltas map[string]float64, version uint64) {
	if len(deltas) == 0 {
		return
	}
	for k, v := range deltas {
		d.pending[k] = v
	}
	if version > d.pendingVersion {
		d.pendingVersion = version
	}
	d.arm()
}

func (d *Dispatcher) arm() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.window, func() { d.expire(gen) })
}

// expire fires the window armed as generation gen. A superseded generation is a
// timer that was stopped too late and is ignored.
func (d *Dispatcher) expire(gen uint64) {
	if gen != d.gen {
		return
	}
	d.timer = nil
	if len(d.pending) == 0 {
		return
	}
	if !d.ready {
		d.logger.WithField("pending", len(d.pending)).Debug("CAD engine not ready, keeping buffered edits")
		return
	}

	snapshot, version := d.pending, d.pendingVersion
	d.pending = make(map[string]float64)
	d.pendingVersion = 0

	if c, started := d.gate.Offer(snapshot, version, d.epoch()); started {
		d.start(c)
		return
	}
	d.logger.WithField("params", len(snapshot)).Debug("Cycle in flight, retaining snapshot")
}

// Complete finishes the in-flight cycle id and starts the follow-up cycle if a
// snapshot was retained.
func (d *Dispatcher) Complete(id string) (Cycle, bool) {
	finished, next, ok := d.gate.Finish(id, d.epoch())
	if !ok {
		return Cycle{}, false
	}
	if next != nil {
		d.start(*next)
	}
	return finished, true
}

// Abort forces the gate idle and returns its aborted cycle. The aborted values
// are not retried. A retained snapshot was never dispatched, so it is folded
// back into the buffer underneath newer edits.
func (d *Dispatcher) Abort() *Cycle {
	aborted, retained, version := d.gate.Abort()
	if len(retained) > 0 {
		merged := make(map[string]float64, len(d.pending)+len(retained))
		for k, v := range retained {
			merged[k] = v
		}
		for k, v := range d.pending {
			merged[k] = v
		}
		d.pending = merged
		if version > d.pendingVersion {
			d.pendingVersion = version
		}
	}
	return aborted
}

// Pending returns a copy of the buffer.
func (d *Dispatcher) Pending() map[string]float64 {
	return copyValues(d.pending)
}

// TakePending empties the buffer without dispatching and cancels the window.
func (d *Dispatcher) TakePending() map[string]float64 {
	out := d.pending
	d.pending = make(map[string]float64)
	d.pendingVersion = 0
	d.Stop()
	return out
}

// Forget drops names from the buffer and from the gate's retained snapshot.
// CAD-originated values supersede edits that were still waiting.
func (d *Dispatcher) Forget(names []string) {
	for _, n := range names {
		delete(d.pending, n)
	}
	d.gate.Forget(names)
}

// Stop cancels the armed window.
func (d *Dispatcher) Stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}
