package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

func (s *Server) pingInterval() time.Duration {
	if p := s.cfg.Ping(); p > 0 {
		return p
	}
	return 30 * time.Second
}

// handleWS upgrades the request and pumps frames between the socket and the
// hub until either side closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("WebSocket upgrade failed")
		return
	}

	sess := session.New(r.RemoteAddr, s.cfg.SendBuffer)
	if err := s.hub.Connect(sess); err != nil {
		s.logger.WithError(err).Warn("Hub refused connection")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "hub unavailable"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go s.writePump(conn, sess)
	s.readPump(conn, sess)
}

func (s *Server) readPump(conn *websocket.Conn, sess *session.Session) {
	logger := s.logger.WithField("session", sess.ID)
	defer func() {
		if err := s.hub.Disconnect(sess.ID); err != nil {
			logger.WithError(err).Debug("Disconnect after hub stop")
		}
		sess.Close()
		_ = conn.Close()
	}()

	pongWait := 2 * s.pingInterval()
	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Info("WebSocket closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if err := s.hub.HandleFrame(sess.ID, data); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, sess *session.Session) {
	ticker := time.NewTicker(s.pingInterval())
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame := <-sess.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.WithError(err).WithField("session", sess.ID).Debug("Write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sess.Done():
			s.logger.WithFields(logrus.Fields{"session": sess.ID, "role": sess.Role()}).Debug("Session closed by hub")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
