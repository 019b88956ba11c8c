// Package fanout encodes hub frames and queues them on session outbound queues.
package fanout

import (
	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/protocol"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/sirupsen/logrus"
)

// Broadcaster delivers frames at most once, in order per session, without
// blocking on slow peers.
type Broadcaster struct {
	registry *session.Registry
	logger   *logrus.Entry
}

// New creates a Broadcaster over registry.
func New(registry *session.Registry, logger *logrus.Entry) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// ToSession queues one frame for s.
func (b *Broadcaster) ToSession(s *session.Session, event string, data interface{}) bool {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		b.logger.WithError(err).WithField("event", event).Error("Failed to encode frame")
		return false
	}
	return b.deliver(s, event, frame)
}

// ToClients queues the same frame for every client session and returns how many
// accepted it. The CAD session is skipped.
func (b *Broadcaster) ToClients(event string, data interface{}) int {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		b.logger.WithError(err).WithField("event", event).Error("Failed to encode frame")
		return 0
	}
	sent := 0
	for _, s := range b.registry.Clients() {
		if b.deliver(s, event, frame) {
			sent++
		}
	}
	return sent
}

// ToClientsEach builds a payload per client, for frames that differ by
// recipient such as chat_message's from_self.
func (b *Broadcaster) ToClientsEach(event string, build func(*session.Session) interface{}) int {
	sent := 0
	for _, s := range b.registry.Clients() {
		if b.ToSession(s, event, build(s)) {
			sent++
		}
	}
	return sent
}

// ToCAD queues a frame for the CAD session. It reports false when no CAD
// engine is connected.
func (b *Broadcaster) ToCAD(event string, data interface{}) bool {
	cad, ok := b.registry.CAD()
	if !ok {
		return false
	}
	return b.ToSession(cad, event, data)
}

// Error sends an error frame built from err to s.
func (b *Broadcaster) Error(s *session.Session, err error) bool {
	return b.ToSession(s, protocol.EventError, ErrorPayload(err))
}

// ErrorToClients broadcasts an error frame to every client.
func (b *Broadcaster) ErrorToClients(err error) int {
	return b.ToClients(protocol.EventError, ErrorPayload(err))
}

// ErrorPayload converts err into the wire error shape.
func ErrorPayload(err error) protocol.Error {
	code := errors.GetCode(err)
	if code == "" {
		code = errors.ErrCodeInternal
	}
	return protocol.Error{Message: errors.Message(err), Code: string(code)}
}

func (b *Broadcaster) deliver(s *session.Session, event string, frame []byte) bool {
	if s.Send(frame) {
		return true
	}
	if !s.Closed() {
		b.logger.WithFields(logrus.Fields{
			"session": s.ID,
			"event":   event,
			"dropped": s.Dropped(),
		}).Warn("Outbound queue full, dropping frame")
	}
	return false
}
