package hub

import (
	"time"

	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/dispatch"
	"github.com/grovetools/paramhub/internal/protocol"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/sirupsen/logrus"
)

// startCycle is called by the dispatcher for every cycle the gate admits.
func (h *Hub) startCycle(c dispatch.Cycle) {
	logger := h.logger.WithFields(logrus.Fields{
		"request_id": c.ID,
		"version":    c.RequestVersion,
		"params":     len(c.Params),
	})

	sent := h.out.ToCAD(protocol.EventParamsToGH, protocol.ParamsToGH{
		Params:    c.Params,
		RequestID: c.ID,
		Version:   c.RequestVersion,
	})
	h.out.ToClients(protocol.EventGeometryLoading, protocol.GeometryLoading{Loading: true, RequestID: c.ID})
	if !sent {
		// Finishing here would re-enter the dispatcher; fail on the next turn.
		logger.Warn("Could not deliver cycle to CAD engine")
		id := c.ID
		h.post(func() {
			h.failCycle(id, errors.New(errors.ErrCodeCADUnavailable, "CAD engine is not accepting requests").
				WithDetail("request_id", id))
		})
		return
	}
	logger.Debug("Dispatched cycle to CAD engine")
	h.armCADTimer(c.ID)
}

func (h *Hub) armCADTimer(id string) {
	h.stopCADTimer()
	if h.cadTimeout <= 0 {
		return
	}
	gen := h.cadTimerGen
	timeout := h.cadTimeout
	h.cadTimer = h.sched.AfterFunc(timeout, func() {
		if gen != h.cadTimerGen {
			return
		}
		h.cadTimer = nil
		h.failCycle(id, errors.CADTimeout(id, timeout))
	})
}

func (h *Hub) stopCADTimer() {
	h.cadTimerGen++
	if h.cadTimer != nil {
		h.cadTimer.Stop()
		h.cadTimer = nil
	}
}

func (h *Hub) handleGeometry(s *session.Session, f protocol.Frame) {
	var g protocol.GHGeometry
	if err := f.DecodeData(&g); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	meshes := protocol.MeshCount(g.Geometry)
	logger := h.logger.WithFields(logrus.Fields{"request_id": g.RequestID, "meshes": meshes})

	cycleID := ""
	switch h.gate.Classify(g.RequestID, h.store.Epoch()) {
	case dispatch.MatchStale:
		logger.Info("Discarding geometry for a superseded cycle")
		h.out.ToSession(s, protocol.EventGeometryAck, protocol.GeometryAck{Status: "discarded", MeshCount: meshes})
		return
	case dispatch.MatchCurrent:
		cycleID = g.RequestID
	case dispatch.MatchUncorrelated:
		if c, ok := h.gate.Current(); ok {
			cycleID = c.ID
		}
	}

	if g.Params != nil {
		values, rejected, err := protocol.ReportedValues(f.Event, g.Params)
		if err != nil {
			logger.WithError(err).Warn("Ignoring unreadable geometry params")
		} else if len(values) > 0 || len(rejected) > 0 {
			h.applyCAD(s, values, cadEcho, rejected...)
		}
	}

	resultID := cycleID
	if resultID == "" {
		resultID = g.RequestID
	}
	h.lastGeometry = g.Geometry
	h.lastResultID = resultID
	h.out.ToClients(protocol.EventGeometryResult, protocol.GeometryResult{Geometry: g.Geometry, RequestID: resultID})
	h.out.ToSession(s, protocol.EventGeometryAck, protocol.GeometryAck{Status: "received", MeshCount: meshes})

	if cycleID == "" {
		logger.Debug("Relayed unsolicited geometry")
		return
	}
	h.stopCADTimer()
	h.out.ToClients(protocol.EventGeometryLoading, protocol.GeometryLoading{Loading: false, RequestID: cycleID})
	if finished, ok := h.dispatcher.Complete(cycleID); ok {
		logger.WithField("elapsed", time.Since(finished.StartedAt)).Info("Cycle completed")
	}
}

func (h *Hub) handleCADError(s *session.Session, f protocol.Frame) {
	var e protocol.GHError
	if err := f.DecodeData(&e); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	cause := errors.CADFailed(e.RequestID, e.Message)

	switch h.gate.Classify(e.RequestID, h.store.Epoch()) {
	case dispatch.MatchStale:
		h.logger.WithField("request_id", e.RequestID).Info("Discarding error for a superseded cycle")
	case dispatch.MatchCurrent:
		h.failCycle(e.RequestID, cause)
	case dispatch.MatchUncorrelated:
		if c, ok := h.gate.Current(); ok {
			h.failCycle(c.ID, cause)
			return
		}
		h.logger.WithError(cause).Warn("CAD engine reported an error outside a cycle")
		h.out.ErrorToClients(cause)
	}
}

// failCycle is the error transition: clients see the error and the loading
// indicator clears. The failed values are not retried; a retained snapshot
// still starts its own cycle.
func (h *Hub) failCycle(id string, cause error) {
	c, ok := h.gate.Current()
	if !ok || c.ID != id {
		return
	}
	h.stopCADTimer()
	h.logger.WithError(cause).WithField("request_id", id).Warn("Cycle failed")
	h.out.ErrorToClients(cause)
	h.out.ToClients(protocol.EventGeometryLoading, protocol.GeometryLoading{Loading: false, RequestID: id})
	h.dispatcher.Complete(id)
}

// onCADLost handles the CAD engine going away or being replaced. An in-flight
// cycle is aborted without retry; a retained snapshot returns to the
// dispatcher buffer for the next handshake.
func (h *Hub) onCADLost(reason func(requestID string) *errors.HubError) {
	h.dispatcher.SetReady(false)
	h.stopCADTimer()
	aborted := h.dispatcher.Abort()
	if aborted == nil {
		return
	}
	h.logger.WithFields(logrus.Fields{
		"request_id": aborted.ID,
		"buffered":   len(h.dispatcher.Pending()),
	}).Warn("Aborted in-flight cycle")
	h.out.ErrorToClients(reason(aborted.ID))
	h.out.ToClients(protocol.EventGeometryLoading, protocol.GeometryLoading{Loading: false, RequestID: aborted.ID})
}
