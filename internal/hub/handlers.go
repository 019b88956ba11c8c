package hub

import (
	"sort"

	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/bus"
	"github.com/grovetools/paramhub/internal/dispatch"
	"github.com/grovetools/paramhub/internal/params"
	"github.com/grovetools/paramhub/internal/protocol"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/sirupsen/logrus"
)

type frameHandler func(h *Hub, s *session.Session, f protocol.Frame)

type route struct {
	roles   []session.Role
	handler frameHandler
}

var routes = map[string]route{
	protocol.EventParamsUpdate:     {[]session.Role{session.RoleClient}, (*Hub).handleParamsUpdate},
	protocol.EventChatRequest:      {[]session.Role{session.RoleClient}, (*Hub).handleChatRequest},
	protocol.EventGHConnect:        {[]session.Role{session.RoleClient, session.RoleCAD}, (*Hub).handleGHConnect},
	protocol.EventGHParamsRegister: {[]session.Role{session.RoleCAD}, (*Hub).handleRegister},
	protocol.EventParamsSync:       {[]session.Role{session.RoleCAD}, (*Hub).handleCADSync},
	protocol.EventGHGeometry:       {[]session.Role{session.RoleCAD}, (*Hub).handleGeometry},
	protocol.EventGHError:          {[]session.Role{session.RoleCAD}, (*Hub).handleCADError},
}

func (r route) allows(role session.Role) bool {
	for _, allowed := range r.roles {
		if allowed == role {
			return true
		}
	}
	return false
}

func (h *Hub) handleFrame(id string, raw []byte) {
	s, ok := h.registry.Get(id)
	if !ok {
		h.logger.WithField("session", id).Debug("Frame from unknown session ignored")
		return
	}

	f, err := protocol.Decode(raw)
	if err != nil {
		h.reject(s, "", err)
		return
	}

	r, ok := routes[f.Event]
	if !ok {
		h.reject(s, f.Event, errors.UnknownEvent(f.Event))
		return
	}
	if role := s.Role(); !r.allows(role) {
		h.reject(s, f.Event, errors.NotPermitted(f.Event, string(role)))
		return
	}
	r.handler(h, s, f)
}

// reject answers a protocol or validation failure to the sender only.
func (h *Hub) reject(s *session.Session, event string, err error) {
	h.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"role":    s.Role(),
		"event":   event,
		"code":    errors.GetCode(err),
	}).WithError(err).Warn("Rejected frame")
	h.out.Error(s, err)
}

func (h *Hub) handleConnect(s *session.Session) {
	h.registry.Register(s)
	snap := h.store.Snapshot()
	h.out.ToSession(s, protocol.EventParamsInit, protocol.ParamsInit{Params: snap.Params, Version: snap.Version})
	if h.lastGeometry != nil {
		h.out.ToSession(s, protocol.EventGeometryResult, protocol.GeometryResult{
			Geometry:  h.lastGeometry,
			RequestID: h.lastResultID,
		})
	}
	h.logger.WithFields(logrus.Fields{
		"session": s.ID,
		"remote":  s.RemoteAddr,
		"params":  len(snap.Params),
	}).Info("Session connected")
}

func (h *Hub) handleDisconnect(id string) {
	s, wasCAD := h.registry.Unregister(id)
	if s == nil {
		return
	}
	s.Close()
	if h.commands != nil {
		if n := h.commands.Drop(id); n > 0 {
			h.logger.WithFields(logrus.Fields{"session": id, "dropped": n}).Info("Dropped queued chat prompts")
		}
	}
	if wasCAD {
		h.onCADLost(errors.CADDisconnected)
		h.logger.WithField("session", id).Warn("CAD engine disconnected")
		return
	}
	h.logger.WithField("session", id).Info("Session disconnected")
}

func (h *Hub) handleParamsUpdate(s *session.Session, f protocol.Frame) {
	var upd protocol.ParamsUpdate
	if err := f.DecodeData(&upd); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	if len(upd.Params) == 0 {
		h.reject(s, f.Event, errors.New(errors.ErrCodeInvalidInput, "params_update carries no parameters"))
		return
	}

	values, rejected := protocol.CoerceValues(upd.Params)
	res := h.store.ApplyBatch(values)
	ignored := ignoredNames(res, rejected)
	if len(ignored) > 0 {
		h.logger.WithFields(logrus.Fields{"session": s.ID, "names": ignored}).Warn("Ignoring unknown or invalid parameters")
	}
	if !res.Changed() {
		h.out.Error(s, errors.UnknownParameters(ignored))
		return
	}

	h.publish(bus.ChangeEvent{
		Origin:          bus.OriginClient,
		OriginSessionID: s.ID,
		Version:         res.Version,
		Deltas:          res.Applied,
	})
	h.out.ToSession(s, protocol.EventParamsAck, protocol.ParamsAck{
		Params:  res.Applied,
		Version: res.Version,
		Unknown: ignored,
	})
}

func (h *Hub) handleGHConnect(s *session.Session, f protocol.Frame) {
	var req protocol.GHConnect
	if err := f.DecodeData(&req); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	if h.registry.IsCAD(s.ID) {
		h.out.ToSession(s, protocol.EventGHConnectAck, protocol.GHConnectAck{Status: "connected"})
		return
	}

	if h.commands != nil {
		h.commands.Drop(s.ID)
	}
	if previous := h.registry.PromoteCAD(s); previous != nil {
		h.logger.WithFields(logrus.Fields{
			"previous": previous.ID,
			"session":  s.ID,
		}).Warn("New CAD engine replaces the connected one")
		previous.Close()
	}
	// Readiness waits for gh_params_register; an in-flight cycle belonged to
	// the replaced engine.
	h.onCADLost(errors.CADDisconnected)

	h.logger.WithFields(logrus.Fields{
		"session":     s.ID,
		"client_type": req.ClientType,
	}).Info("CAD engine connected")
	h.out.ToSession(s, protocol.EventGHConnectAck, protocol.GHConnectAck{Status: "connected"})
}

// handleRegister is the CAD handshake. A changed definition set replaces the
// store; an identical one from a ready engine is the rescan it sends after a
// solve. The first registration after connect also redelivers edits buffered
// while the engine was away. A reload from a ready engine discards them.
func (h *Hub) handleRegister(s *session.Session, f protocol.Frame) {
	var reg protocol.GHParamsRegister
	if err := f.DecodeData(&reg); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	decoded, skipped := protocol.DecodeParameters(reg.Params)
	defs, dropped := params.Normalize(decoded)
	logger := h.logger.WithFields(logrus.Fields{"session": s.ID, "params": len(defs)})
	if len(skipped) > 0 || len(dropped) > 0 {
		logger.WithFields(logrus.Fields{"skipped": skipped, "dropped": dropped}).Warn("Discarded malformed parameter definitions")
	}

	same := h.store.SameDefinitions(defs)
	handshake := !h.registry.CADReady()
	if same && !handshake {
		h.applyCAD(s, valuesOf(defs), cadEcho)
		return
	}

	if !same && h.gate.State() == dispatch.InFlight {
		aborted := h.dispatcher.Abort()
		h.stopCADTimer()
		h.out.ToClients(protocol.EventGeometryLoading, protocol.GeometryLoading{Loading: false, RequestID: aborted.ID})
		logger.WithField("request_id", aborted.ID).Info("Parameter set reloaded, abandoning cycle")
	}
	buffered := h.dispatcher.TakePending()
	if !handshake && len(buffered) > 0 {
		logger.WithField("discarded", len(buffered)).Info("Parameter set reloaded, discarding buffered edits")
		buffered = nil
	}

	if same {
		h.applyCAD(s, valuesOf(defs), cadScan)
	} else {
		snap := h.store.ReplaceAll(defs)
		h.publish(bus.ChangeEvent{
			Origin:          bus.OriginCAD,
			OriginSessionID: s.ID,
			Version:         snap.Version,
			Deltas:          snap.Values(),
			Registration:    true,
		})
		logger.WithField("epoch", snap.Epoch).Info("Registered CAD parameter set")
	}

	if len(buffered) > 0 {
		res := h.store.ApplyBatch(buffered)
		if ignored := ignoredNames(res, nil); len(ignored) > 0 {
			logger.WithField("names", ignored).Warn("Buffered edits name parameters that no longer exist")
		}
		if res.Changed() {
			h.publish(bus.ChangeEvent{Origin: bus.OriginClient, Version: res.Version, Deltas: res.Applied})
		}
	}

	if handshake {
		h.registry.SetCADReady(true)
		h.dispatcher.SetReady(true)
		logger.WithField("redelivered", len(buffered)).Info("CAD engine ready")
	}
}

func (h *Hub) handleCADSync(s *session.Session, f protocol.Frame) {
	var in protocol.ParamsSyncIn
	if err := f.DecodeData(&in); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	values, rejected, err := protocol.SyncValues(in)
	if err != nil {
		h.reject(s, f.Event, err)
		return
	}
	if len(values) == 0 && len(rejected) == 0 {
		return
	}
	h.applyCAD(s, values, cadPush, rejected...)
}

// cadReport says how values reported by the CAD engine relate to hub edits.
type cadReport int

const (
	// cadPush is an explicit params_sync. It supersedes buffered edits and is
	// acknowledged.
	cadPush cadReport = iota
	// cadScan is the value set of a registration handshake.
	cadScan
	// cadEcho is the engine repeating state after a solve: a rescan or the
	// values attached to gh_geometry. Names with hub edits the engine has not
	// computed yet are left alone.
	cadEcho
)

// applyCAD stores the values reported by the CAD engine that differ from the
// store and relays them to clients.
func (h *Hub) applyCAD(s *session.Session, values map[string]float64, kind cadReport, rejected ...string) {
	if kind == cadEcho {
		values = h.withoutUnconfirmedEdits(values)
	}
	res := h.store.ApplyChanges(values)
	ignored := ignoredNames(res, rejected)
	if len(ignored) > 0 {
		h.logger.WithFields(logrus.Fields{"session": s.ID, "names": ignored}).Warn("CAD engine reported unknown or invalid parameters")
	}
	if res.Changed() {
		h.publish(bus.ChangeEvent{
			Origin:          bus.OriginCAD,
			OriginSessionID: s.ID,
			Version:         res.Version,
			Deltas:          res.Applied,
		})
	}
	if kind != cadPush {
		return
	}
	if !res.Changed() && len(ignored) > 0 {
		h.out.Error(s, errors.UnknownParameters(ignored))
		return
	}
	h.out.ToSession(s, protocol.EventParamsAck, protocol.ParamsAck{Params: res.Applied, Version: res.Version, Unknown: ignored})
}

// withoutUnconfirmedEdits drops reported names the hub has newer values for:
// names waiting in the debounce buffer or the retained snapshot, and names of
// the in-flight cycle. Until its geometry arrives a report for a dispatched
// name is either the dispatched value or older.
func (h *Hub) withoutUnconfirmedEdits(values map[string]float64) map[string]float64 {
	pending := h.dispatcher.Pending()
	retained := h.gate.Retained()
	inflight, busy := h.gate.Current()

	out := make(map[string]float64, len(values))
	var held, confirmed []string
	for name, v := range values {
		if _, ok := pending[name]; ok {
			held = append(held, name)
			continue
		}
		if _, ok := retained[name]; ok {
			held = append(held, name)
			continue
		}
		if busy {
			if sent, ok := inflight.Params[name]; ok {
				if sent == v {
					confirmed = append(confirmed, name)
				} else {
					held = append(held, name)
				}
				continue
			}
		}
		out[name] = v
	}
	if len(held) > 0 || len(confirmed) > 0 {
		sort.Strings(held)
		sort.Strings(confirmed)
		h.logger.WithFields(logrus.Fields{"held": held, "confirmed": confirmed}).Debug("CAD report repeats values behind hub edits")
	}
	return out
}

func (h *Hub) publish(ev bus.ChangeEvent) {
	if err := h.bus.Publish(ev); err != nil {
		h.logger.WithError(err).WithField("origin", ev.Origin).Error("Change rejected by bus")
	}
}

// onChange relays an applied change. CAD changes go to clients as params_sync
// and supersede buffered edits; client and LLM changes are broadcast and fed
// to the dispatcher.
func (h *Hub) onChange(ev bus.ChangeEvent) {
	if ev.Origin == bus.OriginCAD {
		names := make([]string, 0, len(ev.Deltas))
		for name := range ev.Deltas {
			names = append(names, name)
		}
		h.dispatcher.Forget(names)

		snap := h.store.Snapshot()
		h.out.ToClients(protocol.EventParamsSync, protocol.ParamsSync{
			Source:  protocol.SourceGrasshopper,
			Params:  snap.Params,
			Origin:  string(ev.Origin),
			Version: ev.Version,
		})
		return
	}

	h.out.ToClients(protocol.EventParamsBroadcast, protocol.ParamsBroadcast{
		Source:          protocol.SourceOtherClient,
		Params:          ev.Deltas,
		Origin:          string(ev.Origin),
		OriginSessionID: ev.OriginSessionID,
		Version:         ev.Version,
	})
	if ev.Dispatchable() {
		h.dispatcher.OnDelta(ev.Deltas, ev.Version)
	}
}

func ignoredNames(res params.ApplyResult, rejected []string) []string {
	if len(res.Unknown)+len(res.Invalid)+len(rejected) == 0 {
		return nil
	}
	out := make([]string, 0, len(res.Unknown)+len(res.Invalid)+len(rejected))
	out = append(out, res.Unknown...)
	out = append(out, res.Invalid...)
	out = append(out, rejected...)
	return out
}

func valuesOf(defs []params.Parameter) map[string]float64 {
	out := make(map[string]float64, len(defs))
	for _, p := range defs {
		out[p.Name] = p.Value
	}
	return out
}
