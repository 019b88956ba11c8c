package profiling

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Stopper ends a timed span.
type Stopper interface {
	Stop()
}

type span struct {
	name     string
	start    time.Time
	duration time.Duration
	children []*span
	parent   *span
	profiler *Profiler
}

// Stop records the span duration. Stopping twice keeps the first duration.
func (s *span) Stop() {
	s.profiler.endSpan(s)
}

// Profiler records nested spans. Spans started while another is open become
// its children.
type Profiler struct {
	mu      sync.Mutex
	enabled bool
	root    *span
	open    *span
}

var defaultProfiler = &Profiler{}

// Enable turns on the global profiler.
func Enable() { defaultProfiler.Enable() }

// Start begins a span on the global profiler; it is a no-op unless enabled.
func Start(name string) Stopper { return defaultProfiler.Start(name) }

// Summarize prints the global span tree.
func Summarize(w io.Writer) { defaultProfiler.Summarize(w) }

// Enable starts recording.
func (p *Profiler) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return
	}
	p.enabled = true
	p.root = &span{name: "root", start: time.Now(), profiler: p}
	p.open = p.root
}

// Start begins a span under the innermost open one.
func (p *Profiler) Start(name string) Stopper {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return noopStopper{}
	}
	s := &span{name: name, start: time.Now(), parent: p.open, profiler: p}
	p.open.children = append(p.open.children, s)
	p.open = s
	return s
}

func (p *Profiler) endSpan(s *span) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.duration == 0 {
		s.duration = time.Since(s.start)
	}
	// Closing a span also closes any child left open.
	for cur := p.open; cur != nil && cur != p.root; cur = cur.parent {
		if cur == s {
			p.open = s.parent
			return
		}
	}
}

// Summarize prints each span with its share of the total elapsed time.
func (p *Profiler) Summarize(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	total := time.Since(p.root.start)

	fmt.Fprintln(w, "\n--- Timing Profile ---")
	for _, child := range p.root.children {
		printSpan(w, child, 0, total)
	}
	fmt.Fprintln(w, "--------------------")
}

func printSpan(w io.Writer, s *span, depth int, total time.Duration) {
	percentage := 0.0
	if total > 0 {
		percentage = float64(s.duration) / float64(total) * 100
	}
	fmt.Fprintf(w, "%s- %s (%v, %.1f%%)\n", strings.Repeat("  ", depth), s.name,
		s.duration.Round(100*time.Microsecond), percentage)
	for _, child := range s.children {
		printSpan(w, child, depth+1, total)
	}
}

type noopStopper struct{}

func (noopStopper) Stop() {}
