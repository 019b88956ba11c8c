package hub

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/grovetools/paramhub/internal/bus"
	"github.com/grovetools/paramhub/internal/dispatch"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testScheduler holds timers until fire runs them on the hub loop.
type testScheduler struct {
	mu     sync.Mutex
	timers []*testTimer
}

type testTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *testTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (s *testScheduler) AfterFunc(d time.Duration, f func()) dispatch.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &testTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *testScheduler) runDue() int {
	s.mu.Lock()
	due := s.timers
	s.timers = nil
	s.mu.Unlock()
	n := 0
	for _, t := range due {
		if t.stopped {
			continue
		}
		t.stopped = true
		t.f()
		n++
	}
	return n
}

type frame struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data"`
}

type env struct {
	t     *testing.T
	h     *Hub
	sched *testScheduler
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	sched := &testScheduler{}
	opts.Scheduler = sched
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 50 * time.Millisecond
	}
	h := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return &env{t: t, h: h, sched: sched}
}

// fire expires every armed timer inside the loop.
func (e *env) fire() int {
	var n int
	require.NoError(e.t, e.h.do(func() { n = e.sched.runDue() }))
	return n
}

func (e *env) connect() *session.Session {
	s := session.New("test", 256)
	require.NoError(e.t, e.h.Connect(s))
	return s
}

func (e *env) send(s *session.Session, event string, data interface{}) {
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	require.NoError(e.t, err)
	require.NoError(e.t, e.h.HandleFrame(s.ID, raw))
}

// sendAsync is send for goroutines other than the test's.
func (e *env) sendAsync(s *session.Session, event string, data interface{}) {
	raw, err := json.Marshal(map[string]interface{}{"event": event, "data": data})
	if assert.NoError(e.t, err) {
		assert.NoError(e.t, e.h.HandleFrame(s.ID, raw))
	}
}

func (e *env) connectCAD(defs ...map[string]interface{}) *session.Session {
	gh := e.connect()
	e.send(gh, "gh_connect", map[string]interface{}{"client_type": "grasshopper"})
	e.send(gh, "gh_params_register", map[string]interface{}{"params": defs})
	drain(e.t, gh)
	return gh
}

func (e *env) status() Status {
	st, err := e.h.Status()
	require.NoError(e.t, err)
	return st
}

func drain(t *testing.T, s *session.Session) []frame {
	t.Helper()
	var out []frame
	for {
		select {
		case raw := <-s.Outbound():
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

// waitFor reads frames until event arrives.
func waitFor(t *testing.T, s *session.Session, event string) []frame {
	t.Helper()
	var out []frame
	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-s.Outbound():
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			out = append(out, f)
			if f.Event == event {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %v", event, events(out))
			return nil
		}
	}
}

func events(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Event
	}
	return out
}

func find(t *testing.T, frames []frame, event string) frame {
	t.Helper()
	for _, f := range frames {
		if f.Event == event {
			return f
		}
	}
	t.Fatalf("no %s in %v", event, events(frames))
	return frame{}
}

func def(name string, value, min, max float64) map[string]interface{} {
	return map[string]interface{}{"name": name, "value": value, "min": min, "max": max}
}

var boxDefs = []map[string]interface{}{
	def("width", 10, 0, 50),
	def("height", 3, 1, 10),
}

type fakeModel struct {
	reply string
	err   error
}

func (m fakeModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func TestNewClientGetsOneInit(t *testing.T) {
	e := newEnv(t, Options{})
	e.connectCAD(boxDefs...)

	a := e.connect()
	frames := drain(t, a)
	require.Equal(t, []string{"params_init"}, events(frames))
	params := frames[0].Data["params"].([]interface{})
	require.Len(t, params, 2)
	assert.Equal(t, "width", params[0].(map[string]interface{})["name"])
	assert.Equal(t, "width", params[0].(map[string]interface{})["label"])
	assert.Equal(t, 1.0, frames[0].Data["version"])
}

func TestClientEditClampedAndDispatched(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	b := e.connect()
	drain(t, a)
	drain(t, b)

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 80}})

	fa := drain(t, a)
	assert.Equal(t, []string{"params_broadcast", "params_ack"}, events(fa))
	bc := fa[0].Data
	assert.Equal(t, map[string]interface{}{"width": 50.0}, bc["params"])
	assert.Equal(t, "client", bc["origin"])
	assert.Equal(t, "other_client", bc["source"])
	assert.Equal(t, a.ID, bc["origin_session_id"])
	assert.Equal(t, 2.0, bc["version"])
	assert.Equal(t, map[string]interface{}{"width": 50.0}, fa[1].Data["params"])

	fb := drain(t, b)
	assert.Equal(t, []string{"params_broadcast"}, events(fb))
	assert.Empty(t, drain(t, gh), "nothing reaches the CAD engine before the window closes")

	assert.Equal(t, 1, e.fire())
	toGH := drain(t, gh)
	require.Equal(t, []string{"params_to_gh"}, events(toGH))
	assert.Equal(t, map[string]interface{}{"width": 50.0}, toGH[0].Data["params"])
	assert.Equal(t, "cycle-1-1", toGH[0].Data["request_id"])
	assert.Equal(t, 2.0, toGH[0].Data["version"])

	loading := find(t, drain(t, a), "geometry_loading")
	assert.Equal(t, true, loading.Data["loading"])
	assert.Equal(t, 50.0, e.h.Snapshot().Values()["width"])
}

func TestBurstInOneWindowDispatchesOnce(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"height": 8}})
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"height": 9}})
	assert.Equal(t, 1, e.fire())

	toGH := drain(t, gh)
	require.Len(t, toGH, 1)
	assert.Equal(t, map[string]interface{}{"height": 9.0}, toGH[0].Data["params"])
}

func TestGeometryCompletesCycleAndStartsFollowUp(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 30}})
	e.fire()
	first := drain(t, gh)
	require.Len(t, first, 1, "second window is retained while the first cycle is in flight")
	assert.Equal(t, map[string]interface{}{"width": 30.0}, e.status().Retained)
	drain(t, a)

	e.send(gh, "gh_geometry", map[string]interface{}{
		"request_id": "cycle-1-1",
		"geometry":   []interface{}{map[string]interface{}{"v": 1}, map[string]interface{}{"v": 2}},
	})

	fa := drain(t, a)
	assert.Equal(t, []string{"geometry_result", "geometry_loading", "geometry_loading"}, events(fa))
	assert.Equal(t, "cycle-1-1", fa[0].Data["request_id"])
	assert.Len(t, fa[0].Data["geometry"], 2)
	assert.Equal(t, false, fa[1].Data["loading"])
	assert.Equal(t, true, fa[2].Data["loading"])
	assert.Equal(t, "cycle-1-2", fa[2].Data["request_id"])

	fgh := drain(t, gh)
	require.Equal(t, []string{"geometry_ack", "params_to_gh"}, events(fgh))
	assert.Equal(t, "received", fgh[0].Data["status"])
	assert.Equal(t, 2.0, fgh[0].Data["mesh_count"])
	assert.Equal(t, map[string]interface{}{"width": 30.0}, fgh[1].Data["params"])

	// A late client sees the last geometry right after params_init.
	late := e.connect()
	assert.Equal(t, []string{"params_init", "geometry_result"}, events(drain(t, late)))
}

func TestUncorrelatedGeometry(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	drain(t, a)

	// Idle: relayed as unsolicited geometry.
	e.send(gh, "gh_geometry", map[string]interface{}{"request_id": "gh-1a2b3c4d", "geometry": []interface{}{}})
	fa := drain(t, a)
	require.Equal(t, []string{"geometry_result"}, events(fa))
	assert.Equal(t, "gh-1a2b3c4d", fa[0].Data["request_id"])

	// In flight: completes the current cycle.
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 1}})
	e.fire()
	drain(t, a)
	e.send(gh, "gh_geometry", map[string]interface{}{"geometry": []interface{}{}})
	fa = drain(t, a)
	assert.Equal(t, []string{"geometry_result", "geometry_loading"}, events(fa))
	assert.Equal(t, "cycle-1-1", fa[0].Data["request_id"])
	assert.Equal(t, "idle", e.status().Gate)
}

func TestCADDisconnectWhileInFlight(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	require.Equal(t, "in_flight", e.status().Gate)
	drain(t, a)

	require.NoError(t, e.h.Disconnect(gh.ID))
	fa := drain(t, a)
	assert.Equal(t, []string{"error", "geometry_loading"}, events(fa))
	assert.Equal(t, "CAD_DISCONNECTED", fa[0].Data["code"])
	assert.Equal(t, false, fa[1].Data["loading"])
	assert.True(t, gh.Closed())

	st := e.status()
	assert.Equal(t, "idle", st.Gate)
	assert.False(t, st.CADConnected)
	assert.Empty(t, st.Pending, "the aborted cycle is not retried")

	// Edits made while the engine is away stay buffered.
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"height": 5}})
	e.fire()
	assert.Equal(t, map[string]float64{"height": 5}, e.status().Pending)
	drain(t, a)

	gh2 := e.connect()
	e.send(gh2, "gh_connect", map[string]interface{}{"client_type": "grasshopper"})
	e.send(gh2, "gh_params_register", map[string]interface{}{"params": boxDefs})
	fa = drain(t, a)
	require.Equal(t, []string{"params_sync", "params_broadcast"}, events(fa))
	assert.Equal(t, "grasshopper", fa[0].Data["source"])
	assert.Equal(t, map[string]interface{}{"height": 5.0}, fa[1].Data["params"])
	assert.Equal(t, map[string]float64{"width": 10, "height": 5}, e.h.Snapshot().Values())

	drain(t, gh2)
	assert.Equal(t, 1, e.fire())
	toGH := drain(t, gh2)
	require.Equal(t, []string{"params_to_gh"}, events(toGH))
	assert.Equal(t, map[string]interface{}{"height": 5.0}, toGH[0].Data["params"])
	assert.Equal(t, "cycle-1-2", toGH[0].Data["request_id"])
}

func TestCADDisconnectKeepsRetainedSnapshot(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 30}})
	e.fire()
	require.Equal(t, map[string]float64{"width": 30}, e.status().Retained)

	require.NoError(t, e.h.Disconnect(gh.ID))
	assert.Equal(t, map[string]float64{"width": 30}, e.status().Pending, "never dispatched, so it waits for the next engine")

	gh2 := e.connect()
	e.send(gh2, "gh_connect", map[string]interface{}{"client_type": "grasshopper"})
	e.send(gh2, "gh_params_register", map[string]interface{}{"params": boxDefs})
	drain(t, gh2)
	e.fire()
	toGH := drain(t, gh2)
	require.Equal(t, []string{"params_to_gh"}, events(toGH))
	assert.Equal(t, map[string]interface{}{"width": 30.0}, toGH[0].Data["params"])
}

func TestReRegistrationWithNewDefinitions(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 30}})
	require.Equal(t, map[string]float64{"width": 30}, e.status().Pending)
	drain(t, gh)
	drain(t, a)

	e.send(gh, "gh_params_register", map[string]interface{}{"params": []map[string]interface{}{
		def("width", 10, 0, 50),
		def("depth", 2, 0, 5),
	}})
	st := e.status()
	assert.Equal(t, uint64(2), st.Epoch)
	assert.Equal(t, "idle", st.Gate)

	fa := drain(t, a)
	assert.Equal(t, "geometry_loading", fa[0].Event)
	ps := find(t, fa, "params_sync")
	assert.Len(t, ps.Data["params"], 2)

	// The old cycle's result no longer applies.
	e.send(gh, "gh_geometry", map[string]interface{}{"request_id": "cycle-1-1", "geometry": []interface{}{}})
	fgh := drain(t, gh)
	require.Equal(t, []string{"geometry_ack"}, events(fgh))
	assert.Equal(t, "discarded", fgh[0].Data["status"])
	assert.Empty(t, drain(t, a))

	// Neither the aborted cycle nor the buffered edit is replayed over the
	// registered values.
	assert.Zero(t, e.fire())
	assert.Empty(t, drain(t, gh))
	assert.Equal(t, map[string]float64{"width": 10, "depth": 2}, e.h.Snapshot().Values())
	assert.Empty(t, e.status().Pending)

	// A fresh edit dispatches against the new set.
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 25}})
	e.fire()
	toGH := drain(t, gh)
	require.Equal(t, []string{"params_to_gh"}, events(toGH))
	assert.Equal(t, "cycle-2-2", toGH[0].Data["request_id"])
	assert.Equal(t, map[string]interface{}{"width": 25.0}, toGH[0].Data["params"])
}

func TestSameDefinitionsIsValueSync(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	drain(t, a)

	e.send(gh, "gh_params_register", map[string]interface{}{"params": []map[string]interface{}{
		def("width", 20, 0, 50),
		def("height", 4, 1, 10),
	}})
	st := e.status()
	assert.Equal(t, uint64(1), st.Epoch)
	assert.Equal(t, "in_flight", st.Gate)
	assert.Equal(t, []string{"params_sync"}, events(drain(t, a)))
	assert.Equal(t, 4.0, e.h.Snapshot().Values()["height"])
}

func TestCADValueSupersedesPendingEdit(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	drain(t, a)

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.send(gh, "params_sync", map[string]interface{}{"params": map[string]interface{}{"width": 5}})

	fgh := drain(t, gh)
	require.Equal(t, []string{"params_ack"}, events(fgh))
	assert.Equal(t, map[string]interface{}{"width": 5.0}, fgh[0].Data["params"])

	fa := drain(t, a)
	ps := find(t, fa, "params_sync")
	assert.Equal(t, "cad", ps.Data["origin"])

	e.fire()
	assert.Empty(t, drain(t, gh), "the CAD value is newer than the buffered edit")
	assert.Equal(t, 5.0, e.h.Snapshot().Values()["width"])
}

func TestCADTimeout(t *testing.T) {
	e := newEnv(t, Options{CADTimeout: time.Second})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 2}})
	e.fire()
	drain(t, gh)
	drain(t, a)

	assert.Equal(t, 1, e.fire())
	fa := drain(t, a)
	assert.Equal(t, []string{"error", "geometry_loading"}, events(fa))
	assert.Equal(t, "CAD_TIMEOUT", fa[0].Data["code"])
	assert.Equal(t, "idle", e.status().Gate)
}

func TestCADError(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 2}})
	e.fire()
	drain(t, a)

	e.send(gh, "gh_error", map[string]interface{}{"request_id": "cycle-1-1", "message": "solver exploded"})
	fa := drain(t, a)
	require.Equal(t, []string{"error", "geometry_loading"}, events(fa))
	assert.Equal(t, "CAD_FAILED", fa[0].Data["code"])
	assert.Contains(t, fa[0].Data["message"], "solver exploded")
	assert.Equal(t, "idle", e.status().Gate)
}

func TestProtocolErrorsKeepSession(t *testing.T) {
	e := newEnv(t, Options{})
	e.connectCAD(boxDefs...)
	a := e.connect()
	drain(t, a)

	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{{{`, "MALFORMED_PAYLOAD"},
		{"unknown event", `{"event":"explode","data":{}}`, "UNKNOWN_EVENT"},
		{"wrong role", `{"event":"gh_geometry","data":{"geometry":[]}}`, "NOT_PERMITTED"},
		{"bad payload", `{"event":"params_update","data":{"params":[1]}}`, "MALFORMED_PAYLOAD"},
		{"empty update", `{"event":"params_update","data":{"params":{}}}`, "INVALID_INPUT"},
		{"all unknown", `{"event":"params_update","data":{"params":{"depth":3}}}`, "UNKNOWN_PARAMETER"},
		{"no prompt", `{"event":"chat_request","data":{"prompt":"  "}}`, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version := e.h.Snapshot().Version
			require.NoError(t, e.h.HandleFrame(a.ID, []byte(tt.raw)))
			fa := drain(t, a)
			require.Equal(t, []string{"error"}, events(fa))
			assert.Equal(t, tt.code, fa[0].Data["code"])
			assert.Equal(t, version, e.h.Snapshot().Version)
		})
	}
	assert.Len(t, e.h.Sessions(), 2)
}

func TestChatCommand(t *testing.T) {
	e := newEnv(t, Options{Model: fakeModel{reply: "```json\n{\"width\": 20, \"depth\": 3}\n```"}, LLMTimeout: time.Second})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	b := e.connect()
	drain(t, a)
	drain(t, b)

	e.send(a, "chat_request", map[string]interface{}{"prompt": "make it wider", "username": "ada", "params": []interface{}{}})
	fa := waitFor(t, a, "chat_done")
	assert.Equal(t, []string{
		"chat_message", "chat_processing",
		"params_broadcast", "chat_llm_response", "chat_message", "chat_done",
	}, events(fa))

	assert.Equal(t, "user", fa[0].Data["type"])
	assert.Equal(t, true, fa[0].Data["from_self"])
	assert.Equal(t, "ada", fa[1].Data["username"])
	assert.Equal(t, "llm", fa[2].Data["origin"])
	assert.Equal(t, a.ID, fa[2].Data["origin_session_id"])
	assert.Equal(t, map[string]interface{}{"width": 20.0}, fa[3].Data["params"])
	assert.Equal(t, "assistant", fa[4].Data["type"])
	assert.Contains(t, fa[4].Data["content"], "Ignored: depth")

	fb := waitFor(t, b, "chat_done")
	assert.Equal(t, false, fb[0].Data["from_self"])

	_, hasDepth := e.h.Snapshot().Lookup("depth")
	assert.False(t, hasDepth)

	e.fire()
	toGH := drain(t, gh)
	require.Len(t, toGH, 1)
	assert.Equal(t, map[string]interface{}{"width": 20.0}, toGH[0].Data["params"])
}

func TestChatFailure(t *testing.T) {
	e := newEnv(t, Options{Model: fakeModel{err: assert.AnError}})
	e.connectCAD(boxDefs...)
	a := e.connect()
	drain(t, a)

	e.send(a, "chat_request", map[string]interface{}{"prompt": "taller"})
	fa := waitFor(t, a, "chat_done")
	assert.Equal(t, []string{"chat_message", "chat_processing", "chat_message", "error", "chat_done"}, events(fa))
	assert.Equal(t, "anonymous", fa[0].Data["username"])
	assert.Equal(t, "error", fa[2].Data["type"])
	assert.Equal(t, "LLM_FAILED", fa[3].Data["code"])
	assert.Equal(t, uint64(1), e.h.Snapshot().Version)
}

func TestChatWithoutModel(t *testing.T) {
	e := newEnv(t, Options{})
	a := e.connect()
	drain(t, a)

	e.send(a, "chat_request", map[string]interface{}{"prompt": "taller", "username": "bo"})
	assert.Equal(t, []string{"chat_message", "chat_processing", "chat_message", "error", "chat_done"}, events(drain(t, a)))
}

func TestSecondCADReplacesFirst(t *testing.T) {
	e := newEnv(t, Options{})
	first := e.connectCAD(boxDefs...)
	second := e.connect()
	e.send(second, "gh_connect", map[string]interface{}{"client_type": "grasshopper"})

	assert.True(t, first.Closed())
	assert.Equal(t, session.RoleCAD, second.Role())
	assert.False(t, e.status().CADReady)
	assert.Equal(t, "gh_connect_ack", find(t, drain(t, second), "gh_connect_ack").Event)

	// The replaced session's transport reports its close; nothing changes.
	require.NoError(t, e.h.Disconnect(first.ID))
	assert.True(t, e.status().CADConnected)
}

func TestVersionsStrictlyIncrease(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	clients := []*session.Session{e.connect(), e.connect(), e.connect()}

	ch := e.h.Bus().Subscribe()
	defer e.h.Bus().Unsubscribe(ch)

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *session.Session) {
			defer wg.Done()
			for n := 0; n < 10; n++ {
				e.sendAsync(c, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": float64(i*10 + n)}})
			}
		}(i, c)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 10; n++ {
			e.sendAsync(gh, "params_sync", map[string]interface{}{"params": map[string]interface{}{"height": float64(n%9 + 1)}})
		}
	}()
	wg.Wait()

	var last uint64
	origins := map[bus.Origin]int{}
	for i := 0; i < 40; i++ {
		ev := <-ch
		assert.Greater(t, ev.Version, last)
		last = ev.Version
		origins[ev.Origin]++
	}
	assert.Equal(t, 30, origins[bus.OriginClient])
	assert.Equal(t, 10, origins[bus.OriginCAD])
}

func TestSetTuning(t *testing.T) {
	e := newEnv(t, Options{})
	require.NoError(t, e.h.SetTuning(Tuning{DebounceWindow: 200 * time.Millisecond, CADTimeout: 5 * time.Second}))
	st := e.status()
	assert.Equal(t, "200ms", st.Debounce)
	assert.Equal(t, "5s", st.CADTimeout)
}

func TestCallsAfterStop(t *testing.T) {
	h := New(Options{DebounceWindow: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.Run(ctx), context.Canceled)
	assert.ErrorIs(t, h.Connect(session.New("", 1)), ErrStopped)
}

func TestGeometryWithScannedParamList(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	drain(t, gh)
	drain(t, a)

	e.send(gh, "gh_geometry", map[string]interface{}{
		"request_id": "cycle-1-1",
		"geometry":   []interface{}{map[string]interface{}{"v": 1}},
		"params":     []map[string]interface{}{def("width", 20, 0, 50), def("height", 3, 1, 10)},
	})

	fa := drain(t, a)
	assert.Equal(t, []string{"geometry_result", "geometry_loading"}, events(fa))
	assert.Equal(t, "cycle-1-1", fa[0].Data["request_id"])
	fgh := drain(t, gh)
	require.Equal(t, []string{"geometry_ack"}, events(fgh))
	assert.Equal(t, "received", fgh[0].Data["status"])
	assert.Equal(t, "idle", e.status().Gate)
	assert.Equal(t, map[string]float64{"width": 20, "height": 3}, e.h.Snapshot().Values())
}

func TestGeometryParamsCarryEngineChanges(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	drain(t, a)

	// Unsolicited recompute after the designer moved a slider in the engine.
	e.send(gh, "gh_geometry", map[string]interface{}{
		"request_id": "gh-7",
		"geometry":   []interface{}{},
		"params":     []map[string]interface{}{def("width", 10, 0, 50), def("height", 6, 1, 10)},
	})
	fa := drain(t, a)
	assert.Equal(t, []string{"params_sync", "geometry_result"}, events(fa))
	assert.Equal(t, 6.0, e.h.Snapshot().Values()["height"])
}

func TestRescanWhileInFlightKeepsNewerEdits(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()

	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 20}})
	e.fire()
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"width": 30}})
	e.fire()
	e.send(a, "params_update", map[string]interface{}{"params": map[string]interface{}{"height": 7}})
	drain(t, gh)
	drain(t, a)
	version := e.h.Snapshot().Version

	// The engine applied cycle-1-1 and rescans before sending geometry.
	e.send(gh, "gh_params_register", map[string]interface{}{"params": []map[string]interface{}{
		def("width", 20, 0, 50),
		def("height", 3, 1, 10),
	}})

	st := e.status()
	assert.Equal(t, map[string]float64{"width": 30}, st.Retained)
	assert.Equal(t, map[string]float64{"height": 7}, st.Pending)
	assert.Equal(t, map[string]float64{"width": 30, "height": 7}, e.h.Snapshot().Values())
	assert.Equal(t, version, e.h.Snapshot().Version)
	assert.Empty(t, drain(t, a), "a confirming rescan is not a change")

	e.send(gh, "gh_geometry", map[string]interface{}{
		"request_id": "cycle-1-1",
		"geometry":   []interface{}{},
		"params":     []map[string]interface{}{def("width", 20, 0, 50), def("height", 3, 1, 10)},
	})
	fgh := drain(t, gh)
	require.Equal(t, []string{"geometry_ack", "params_to_gh"}, events(fgh))
	assert.Equal(t, map[string]interface{}{"width": 30.0}, fgh[1].Data["params"])
	assert.Equal(t, "cycle-1-2", fgh[1].Data["request_id"])

	// A stale rescan for the previous value does not revert the in-flight one.
	e.send(gh, "gh_params_register", map[string]interface{}{"params": []map[string]interface{}{
		def("width", 20, 0, 50),
		def("height", 3, 1, 10),
	}})
	assert.Equal(t, 30.0, e.h.Snapshot().Values()["width"])

	e.fire()
	e.send(gh, "gh_geometry", map[string]interface{}{"request_id": "cycle-1-2", "geometry": []interface{}{}})
	fgh = drain(t, gh)
	require.Equal(t, []string{"geometry_ack", "params_to_gh"}, events(fgh))
	assert.Equal(t, map[string]interface{}{"height": 7.0}, fgh[1].Data["params"])
}

func TestCADPushOfStoredValueIsAcknowledgedWithoutChange(t *testing.T) {
	e := newEnv(t, Options{})
	gh := e.connectCAD(boxDefs...)
	a := e.connect()
	drain(t, a)
	version := e.h.Snapshot().Version

	e.send(gh, "params_sync", map[string]interface{}{"params": map[string]interface{}{"width": 10}})
	fgh := drain(t, gh)
	require.Equal(t, []string{"params_ack"}, events(fgh))
	assert.Empty(t, fgh[0].Data["params"])
	assert.Equal(t, float64(version), fgh[0].Data["version"])
	assert.Empty(t, drain(t, a))
}

// TestSingleFlightUnderMixedTraffic interleaves client edits, chat commands,
// engine pushes, rescans, results, failures and reconnects, and checks that the
// engine never holds two outstanding requests and that rescans never discard
// the retained snapshot.
func TestSingleFlightUnderMixedTraffic(t *testing.T) {
	e := newEnv(t, Options{Model: fakeModel{reply: `{"width": 12, "height": 4}`}, LLMTimeout: time.Second})
	rng := rand.New(rand.NewSource(11))

	engine := map[string]float64{"width": 10, "height": 3}
	scan := func() []map[string]interface{} {
		return []map[string]interface{}{
			def("width", engine["width"], 0, 50),
			def("height", engine["height"], 1, 10),
		}
	}
	gh := e.connectCAD(scan()...)
	clients := []*session.Session{e.connect(), e.connect()}

	outstanding := ""
	observe := func() {
		for _, f := range drain(t, gh) {
			if f.Event != "params_to_gh" {
				continue
			}
			id := f.Data["request_id"].(string)
			require.Empty(t, outstanding, "%s sent while %s outstanding", id, outstanding)
			outstanding = id
			for name, v := range f.Data["params"].(map[string]interface{}) {
				engine[name] = v.(float64)
			}
		}
		for _, c := range clients {
			drain(t, c)
		}
		st := e.status()
		if outstanding == "" {
			require.Equal(t, "idle", st.Gate)
		} else {
			require.Equal(t, "in_flight", st.Gate)
			require.Equal(t, outstanding, st.InFlight)
		}
	}

	for i := 0; i < 600; i++ {
		c := clients[rng.Intn(len(clients))]
		switch rng.Intn(9) {
		case 0, 1:
			e.send(c, "params_update", map[string]interface{}{"params": map[string]interface{}{
				"width": float64(rng.Intn(51)),
			}})
		case 2:
			e.send(c, "params_update", map[string]interface{}{"params": map[string]interface{}{
				"height": float64(1 + rng.Intn(10)),
			}})
		case 3:
			e.fire()
		case 4:
			retained := e.status().Retained
			e.send(gh, "gh_params_register", map[string]interface{}{"params": scan()})
			require.Equal(t, retained, e.status().Retained, "rescan changed the retained snapshot")
		case 5:
			if outstanding != "" {
				id := outstanding
				outstanding = ""
				e.send(gh, "gh_geometry", map[string]interface{}{"request_id": id, "geometry": []interface{}{}, "params": scan()})
			}
		case 6:
			if outstanding != "" && rng.Intn(3) == 0 {
				id := outstanding
				outstanding = ""
				e.send(gh, "gh_error", map[string]interface{}{"request_id": id, "message": "solve failed"})
			} else {
				engine["height"] = float64(1 + rng.Intn(10))
				e.send(gh, "params_sync", map[string]interface{}{"params": map[string]interface{}{"height": engine["height"]}})
			}
		case 7:
			if rng.Intn(4) == 0 {
				e.send(c, "chat_request", map[string]interface{}{"prompt": "make it a bit wider", "username": "ada"})
			}
		case 8:
			if rng.Intn(8) == 0 {
				require.NoError(t, e.h.Disconnect(gh.ID))
				outstanding = ""
				gh = e.connect()
				e.send(gh, "gh_connect", map[string]interface{}{"client_type": "grasshopper"})
				e.send(gh, "gh_params_register", map[string]interface{}{"params": scan()})
			}
		}
		observe()
	}
}
