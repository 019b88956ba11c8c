// Package dispatch coalesces parameter edits and admits at most one CAD
// compute cycle at a time.
package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is the Gate's admission state.
type State int

const (
	Idle State = iota
	InFlight
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Cycle is one params → CAD engine → geometry round trip.
type Cycle struct {
	ID             string
	Epoch          uint64
	Seq            uint64
	RequestVersion uint64
	Params         map[string]float64
	StartedAt      time.Time
}

// CycleID formats the request id sent to the CAD engine.
func CycleID(epoch, seq uint64) string {
	return fmt.Sprintf("cycle-%d-%d", epoch, seq)
}

// ParseCycleID extracts epoch and sequence from an id made by CycleID.
func ParseCycleID(id string) (epoch, seq uint64, ok bool) {
	rest, found := strings.CutPrefix(id, "cycle-")
	if !found {
		return 0, 0, false
	}
	e, s, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, false
	}
	epoch, err := strconv.ParseUint(e, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	seq, err = strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return epoch, seq, true
}

// Match classifies a geometry result against the Gate.
type Match int

const (
	// MatchCurrent is the result of the in-flight cycle.
	MatchCurrent Match = iota
	// MatchStale names a cycle that already finished or belongs to an old epoch.
	MatchStale
	// MatchUncorrelated carries no hub-issued request id.
	MatchUncorrelated
)

// Gate is a one-slot admission control. It is not safe for concurrent use;
// the hub loop owns it.
type Gate struct {
	seq             uint64
	inflight        *Cycle
	retained        map[string]float64
	retainedVersion uint64
	now             func() time.Time
}

// NewGate creates an idle gate.
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// State returns Idle or InFlight.
func (g *Gate) State() State {
	if g.inflight != nil {
		return InFlight
	}
	return Idle
}

// Current returns the in-flight cycle.
func (g *Gate) Current() (Cycle, bool) {
	if g.inflight == nil {
		return Cycle{}, false
	}
	return *g.inflight, true
}

// Retained returns a copy of the snapshot waiting behind the in-flight cycle.
func (g *Gate) Retained() map[string]float64 {
	return copyValues(g.retained)
}

// Offer admits params. When idle a new cycle starts and is returned with true.
// When a cycle is in flight params are merged into the retained snapshot, last
// write wins per name, and false is returned.
func (g *Gate) Offer(params map[string]float64, version, epoch uint64) (Cycle, bool) {
	if g.inflight != nil {
		if g.retained == nil {
			g.retained = make(map[string]float64, len(params))
		}
		for k, v := range params {
			g.retained[k] = v
		}
		if version > g.retainedVersion {
			g.retainedVersion = version
		}
		return Cycle{}, false
	}
	return g.start(params, version, epoch), true
}

func (g *Gate) start(params map[string]float64, version, epoch uint64) Cycle {
	g.seq++
	c := &Cycle{
		ID:             CycleID(epoch, g.seq),
		Epoch:          epoch,
		Seq:            g.seq,
		RequestVersion: version,
		Params:         copyValues(params),
		StartedAt:      g.now(),
	}
	g.inflight = c
	return *c
}

// Finish completes the in-flight cycle id, by result or by error. If a retained
// snapshot exists exactly one follow-up cycle starts and is returned as next.
func (g *Gate) Finish(id string, epoch uint64) (finished Cycle, next *Cycle, ok bool) {
	if g.inflight == nil || g.inflight.ID != id {
		return Cycle{}, nil, false
	}
	finished = *g.inflight
	g.inflight = nil

	if len(g.retained) > 0 {
		c := g.start(g.retained, g.retainedVersion, epoch)
		next = &c
	}
	g.retained = nil
	g.retainedVersion = 0
	return finished, next, true
}

// Abort forces the gate idle without a result. It returns the aborted cycle, if
// any, and the retained snapshot with its version, which are cleared.
func (g *Gate) Abort() (aborted *Cycle, retained map[string]float64, version uint64) {
	aborted = g.inflight
	retained = g.retained
	version = g.retainedVersion
	g.inflight = nil
	g.retained = nil
	g.retainedVersion = 0
	return aborted, retained, version
}

// Forget removes names from the retained snapshot.
func (g *Gate) Forget(names []string) {
	for _, n := range names {
		delete(g.retained, n)
	}
}

// Classify matches a result's request id against the gate.
func (g *Gate) Classify(requestID string, epoch uint64) Match {
	e, _, ok := ParseCycleID(requestID)
	if !ok {
		return MatchUncorrelated
	}
	if e != epoch || g.inflight == nil || g.inflight.ID != requestID {
		return MatchStale
	}
	return MatchCurrent
}

func copyValues(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
