// Package params holds the authoritative parameter set shared by the hub.
package params

import "math"

// Parameter is one named numeric input exposed by the CAD engine.
type Parameter struct {
	Name        string  `json:"name" mapstructure:"name"`
	Label       string  `json:"label" mapstructure:"label"`
	Value       float64 `json:"value" mapstructure:"value"`
	Min         float64 `json:"min" mapstructure:"min"`
	Max         float64 `json:"max" mapstructure:"max"`
	Description string  `json:"description,omitempty" mapstructure:"description"`
}

// Clamp returns v limited to [p.Min, p.Max].
func (p Parameter) Clamp(v float64) float64 {
	return math.Min(p.Max, math.Max(p.Min, v))
}

// normalize repairs a freshly scanned definition.
func (p Parameter) normalize() Parameter {
	if p.Min > p.Max {
		p.Min, p.Max = p.Max, p.Min
	}
	if p.Label == "" {
		p.Label = p.Name
	}
	if math.IsNaN(p.Value) {
		p.Value = p.Min
	}
	p.Value = p.Clamp(p.Value)
	return p
}

// sameDefinition compares everything except the current value.
func (p Parameter) sameDefinition(o Parameter) bool {
	return p.Name == o.Name && p.Label == o.Label && p.Min == o.Min && p.Max == o.Max &&
		p.Description == o.Description
}

// Snapshot is a point-in-time copy of the parameter set. It is never mutated
// after creation.
type Snapshot struct {
	Version uint64      `json:"version"`
	Epoch   uint64      `json:"epoch"`
	Params  []Parameter `json:"params"`
}

// Values returns the snapshot as a name to value map.
func (s Snapshot) Values() map[string]float64 {
	out := make(map[string]float64, len(s.Params))
	for _, p := range s.Params {
		out[p.Name] = p.Value
	}
	return out
}

// Lookup finds a parameter by name.
func (s Snapshot) Lookup(name string) (Parameter, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Names returns the parameter names in registration order.
func (s Snapshot) Names() []string {
	out := make([]string, len(s.Params))
	for i, p := range s.Params {
		out[i] = p.Name
	}
	return out
}
