package params

import (
	"math"
	"sort"
	"sync"

	"github.com/grovetools/paramhub/errors"
)

// Store is the canonical parameter set. Reads are safe from any goroutine;
// writes are made only by the hub loop.
type Store struct {
	mu      sync.RWMutex
	order   []string
	byName  map[string]*Parameter
	version uint64
	epoch   uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byName: make(map[string]*Parameter)}
}

// ApplyResult describes the outcome of ApplyBatch.
type ApplyResult struct {
	// Applied maps each known name to its clamped, stored value. ApplyChanges
	// keeps only the names whose value changed.
	Applied map[string]float64
	// Unknown lists requested names not in the current set, sorted.
	Unknown []string
	// Invalid lists known names whose requested value was NaN, sorted.
	Invalid []string
	// Version is the store version after the batch. It only advances when
	// Applied is non-empty.
	Version uint64
}

// Changed reports whether the batch touched the store.
func (r ApplyResult) Changed() bool { return len(r.Applied) > 0 }

// Apply clamps and stores a single value. Callers must broadcast the returned
// value, not the requested one.
func (s *Store) Apply(name string, value float64) (float64, uint64, error) {
	res := s.ApplyBatch(map[string]float64{name: value})
	if len(res.Unknown) > 0 {
		return 0, res.Version, errors.UnknownParameters(res.Unknown)
	}
	if len(res.Invalid) > 0 {
		return 0, res.Version, errors.New(errors.ErrCodeInvalidValue, "value is not a number").
			WithDetail("name", name)
	}
	return res.Applied[name], res.Version, nil
}

// ApplyBatch clamps and stores every known name in deltas, bumping the version
// once for the whole batch. Unknown names and NaN values are skipped, never
// failing the rest of the batch.
func (s *Store) ApplyBatch(deltas map[string]float64) ApplyResult {
	return s.apply(deltas, false)
}

// ApplyChanges is ApplyBatch for reports that mostly repeat the stored state.
// Applied holds only names whose stored value changed, and the version is left
// alone when none did.
func (s *Store) ApplyChanges(deltas map[string]float64) ApplyResult {
	return s.apply(deltas, true)
}

func (s *Store) apply(deltas map[string]float64, changesOnly bool) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := ApplyResult{Applied: make(map[string]float64, len(deltas))}
	for name, value := range deltas {
		p, ok := s.byName[name]
		if !ok {
			res.Unknown = append(res.Unknown, name)
			continue
		}
		if math.IsNaN(value) {
			res.Invalid = append(res.Invalid, name)
			continue
		}
		clamped := p.Clamp(value)
		if changesOnly && clamped == p.Value {
			continue
		}
		p.Value = clamped
		res.Applied[name] = clamped
	}
	sort.Strings(res.Unknown)
	sort.Strings(res.Invalid)

	if len(res.Applied) > 0 {
		s.version++
	}
	res.Version = s.version
	return res
}

// Snapshot returns a consistent copy of the current set.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	out := make([]Parameter, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, *s.byName[name])
	}
	return Snapshot{Version: s.version, Epoch: s.epoch, Params: out}
}

// Version returns the current version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Epoch returns the number of ReplaceAll calls so far.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Has reports whether name is registered.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byName[name]
	return ok
}

// Len returns the number of registered parameters.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Normalize prepares a scan for registration: empty names are dropped,
// duplicates keep their first occurrence, and bounds and values are repaired.
// It returns the cleaned list and the names that were discarded.
func Normalize(scan []Parameter) ([]Parameter, []string) {
	seen := make(map[string]struct{}, len(scan))
	out := make([]Parameter, 0, len(scan))
	var dropped []string
	for _, p := range scan {
		if p.Name == "" {
			dropped = append(dropped, "")
			continue
		}
		if _, dup := seen[p.Name]; dup {
			dropped = append(dropped, p.Name)
			continue
		}
		seen[p.Name] = struct{}{}
		out = append(out, p.normalize())
	}
	return out, dropped
}

// SameDefinitions reports whether scan describes the current set: same names in
// the same order with the same labels, bounds and descriptions. Values may differ.
// scan must already be normalized.
func (s *Store) SameDefinitions(scan []Parameter) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(scan) != len(s.order) || s.epoch == 0 {
		return false
	}
	for i, p := range scan {
		if !s.byName[s.order[i]].sameDefinition(p) {
			return false
		}
	}
	return true
}

// ReplaceAll installs a new parameter set from a CAD registration. It starts a
// new epoch, which invalidates any compute cycle dispatched against the old set.
// scan must already be normalized.
func (s *Store) ReplaceAll(scan []Parameter) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]string, 0, len(scan))
	s.byName = make(map[string]*Parameter, len(scan))
	for _, p := range scan {
		p := p
		s.order = append(s.order, p.Name)
		s.byName[p.Name] = &p
	}
	s.epoch++
	s.version++
	return s.snapshotLocked()
}
