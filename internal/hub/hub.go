// Package hub runs the single synchronization loop that owns parameter state,
// the compute cycle gate and the session registry.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/bus"
	"github.com/grovetools/paramhub/internal/command"
	"github.com/grovetools/paramhub/internal/dispatch"
	"github.com/grovetools/paramhub/internal/fanout"
	"github.com/grovetools/paramhub/internal/params"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned by calls made after the loop exited.
var ErrStopped = errors.New(errors.ErrCodeInternal, "hub is not running")

// Options configures a Hub.
type Options struct {
	DebounceWindow time.Duration
	// CADTimeout bounds one compute cycle; zero waits indefinitely.
	CADTimeout time.Duration
	// Model answers chat commands. Without one chat requests fail.
	Model      command.Generator
	LLMTimeout time.Duration
	// Scheduler overrides wall-clock timers, for tests.
	Scheduler dispatch.Scheduler
	// QueueSize is the action queue capacity.
	QueueSize int
	Logger    *logrus.Entry
}

// Hub is the coordination core. All state changes run on the goroutine that
// called Run; exported methods post work there and wait for it.
type Hub struct {
	store      *params.Store
	bus        *bus.Bus
	gate       *dispatch.Gate
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	out        *fanout.Broadcaster
	commands   *command.Adapter
	sched      dispatch.Scheduler
	logger     *logrus.Entry

	actions  chan func()
	done     chan struct{}
	stopOnce sync.Once

	cadTimeout   time.Duration
	cadTimer     dispatch.Timer
	cadTimerGen  uint64
	lastGeometry json.RawMessage
	lastResultID string
}

// New creates a hub. Call Run to start it.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		opts.Logger = logrus.NewEntry(l)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	h := &Hub{
		store:      params.NewStore(),
		bus:        bus.New(),
		gate:       dispatch.NewGate(),
		registry:   session.NewRegistry(),
		logger:     opts.Logger,
		actions:    make(chan func(), opts.QueueSize),
		done:       make(chan struct{}),
		cadTimeout: opts.CADTimeout,
	}
	h.out = fanout.New(h.registry, opts.Logger.WithField("part", "fanout"))

	h.sched = opts.Scheduler
	if h.sched == nil {
		h.sched = dispatch.LoopScheduler{Post: h.post}
	}
	h.dispatcher = dispatch.NewDispatcher(opts.DebounceWindow, h.sched, h.gate, h.store.Epoch,
		h.startCycle, opts.Logger.WithField("part", "dispatch"))

	if opts.Model != nil {
		h.commands = command.New(opts.Model, h.store.Snapshot,
			func(r command.Result) { h.post(func() { h.onChatResult(r) }) },
			opts.LLMTimeout, opts.Logger.WithField("part", "command"))
	}

	h.bus.Handle(h.onChange)
	return h
}

// Run executes posted actions until ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("Hub loop started")
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return nil
		case f := <-h.actions:
			f()
		}
	}
}

// Stop ends the loop.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func (h *Hub) shutdown() {
	h.Stop()
	h.dispatcher.Stop()
	h.stopCADTimer()
	if h.commands != nil {
		h.commands.Close()
	}
	for _, s := range h.registry.All() {
		s.Close()
	}
	h.logger.Info("Hub loop stopped")
}

// do runs f on the loop and waits for it to finish.
func (h *Hub) do(f func()) error {
	finished := make(chan struct{})
	select {
	case h.actions <- func() { defer close(finished); f() }:
	case <-h.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// post queues f without waiting. Timers and chat workers use it.
func (h *Hub) post(f func()) {
	select {
	case h.actions <- f:
	case <-h.done:
	}
}

// Connect registers a new client session and sends it the current state.
func (h *Hub) Connect(s *session.Session) error {
	return h.do(func() { h.handleConnect(s) })
}

// Disconnect removes a session.
func (h *Hub) Disconnect(id string) error {
	return h.do(func() { h.handleDisconnect(id) })
}

// HandleFrame processes one inbound text message from session id.
func (h *Hub) HandleFrame(id string, raw []byte) error {
	return h.do(func() { h.handleFrame(id, raw) })
}

// Snapshot returns the current parameter set.
func (h *Hub) Snapshot() params.Snapshot { return h.store.Snapshot() }

// Sessions lists connected sessions.
func (h *Hub) Sessions() []session.Info { return h.registry.List() }

// Bus exposes change subscriptions.
func (h *Hub) Bus() *bus.Bus { return h.bus }

// Tuning holds the settings that may change while running.
type Tuning struct {
	DebounceWindow time.Duration
	CADTimeout     time.Duration
	LLMTimeout     time.Duration
}

// SetTuning applies new timing settings to timers armed from now on.
func (h *Hub) SetTuning(t Tuning) error {
	return h.do(func() {
		if t.DebounceWindow > 0 {
			h.dispatcher.SetWindow(t.DebounceWindow)
		}
		h.cadTimeout = t.CADTimeout
		if h.commands != nil {
			h.commands.SetTimeout(t.LLMTimeout)
		}
		h.logger.WithFields(logrus.Fields{
			"debounce":    t.DebounceWindow,
			"cad_timeout": t.CADTimeout,
			"llm_timeout": t.LLMTimeout,
		}).Info("Applied hub tuning")
	})
}

// Status is a point-in-time view of the synchronization state.
type Status struct {
	Version      uint64             `json:"version"`
	Epoch        uint64             `json:"epoch"`
	Gate         string             `json:"gate"`
	InFlight     string             `json:"in_flight,omitempty"`
	Retained     map[string]float64 `json:"retained,omitempty"`
	Pending      map[string]float64 `json:"pending,omitempty"`
	CADConnected bool               `json:"cad_connected"`
	CADReady     bool               `json:"cad_ready"`
	Clients      int                `json:"clients"`
	Debounce     string             `json:"debounce_window"`
	CADTimeout   string             `json:"cad_timeout"`
}

// Status reports the gate, dispatcher and CAD state.
func (h *Hub) Status() (Status, error) {
	var st Status
	err := h.do(func() {
		_, cad := h.registry.CAD()
		st = Status{
			Version:      h.store.Version(),
			Epoch:        h.store.Epoch(),
			Gate:         h.gate.State().String(),
			Retained:     h.gate.Retained(),
			Pending:      h.dispatcher.Pending(),
			CADConnected: cad,
			CADReady:     h.registry.CADReady(),
			Clients:      len(h.registry.Clients()),
			Debounce:     h.dispatcher.Window().String(),
			CADTimeout:   h.cadTimeout.String(),
		}
		if c, ok := h.gate.Current(); ok {
			st.InFlight = c.ID
		}
	})
	return st, err
}
