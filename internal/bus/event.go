// Package bus carries origin-tagged parameter changes inside the hub.
package bus

// Origin identifies which actor produced a change.
type Origin string

const (
	OriginClient Origin = "client"
	OriginCAD    Origin = "cad"
	OriginLLM    Origin = "llm"
)

// ChangeEvent is one applied parameter mutation. Deltas hold the clamped,
// stored values, never the raw requested ones.
type ChangeEvent struct {
	Origin          Origin
	OriginSessionID string
	Version         uint64
	Deltas          map[string]float64
	// Registration marks a change produced by a CAD parameter scan.
	Registration bool
}

// Dispatchable reports whether the change must be pushed to the CAD engine.
// CAD-originated changes already reflect the engine's state.
func (e ChangeEvent) Dispatchable() bool {
	return e.Origin == OriginClient || e.Origin == OriginLLM
}
