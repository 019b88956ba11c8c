package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/bus"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetParams returns the current parameter snapshot.
func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Snapshot())
}

// handleGetSessions returns all connected sessions.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Sessions())
}

// handleGetStatus reports gate and CAD state.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Status()
	if err != nil {
		http.Error(w, "hub not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleGetConfig returns the running configuration.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg := s.runningConfig
	s.mu.RUnlock()
	if cfg == nil {
		http.Error(w, "config not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// streamUpdate is one Server-Sent Event on /api/stream.
type streamUpdate struct {
	UpdateType      string             `json:"update_type"`
	Origin          string             `json:"origin,omitempty"`
	OriginSessionID string             `json:"origin_session_id,omitempty"`
	Version         uint64             `json:"version"`
	Params          interface{}        `json:"params,omitempty"`
	Deltas          map[string]float64 `json:"deltas,omitempty"`
}

// handleStream provides Server-Sent Events for every applied parameter change,
// for dashboards and tools that do not speak the WebSocket protocol.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.hub.Bus().Subscribe()
	defer s.hub.Bus().Unsubscribe(ch)

	fmt.Fprintf(w, ": connected\n\n")
	snap := s.hub.Snapshot()
	s.writeEvent(w, streamUpdate{UpdateType: "initial", Version: snap.Version, Params: snap.Params})
	flusher.Flush()
	s.logger.Debug("SSE client connected")

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.writeEvent(w, changeUpdate(ev))
			flusher.Flush()
		}
	}
}

func changeUpdate(ev bus.ChangeEvent) streamUpdate {
	kind := "change"
	if ev.Registration {
		kind = "registration"
	}
	return streamUpdate{
		UpdateType:      kind,
		Origin:          string(ev.Origin),
		OriginSessionID: ev.OriginSessionID,
		Version:         ev.Version,
		Deltas:          ev.Deltas,
	}
}

func (s *Server) writeEvent(w io.Writer, u streamUpdate) {
	data, err := sonic.ConfigStd.Marshal(u)
	if err != nil {
		s.logger.WithError(err).Error("Failed to marshal update")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleTranscribe relays an audio upload to the speech-to-text service. The
// audio is either the multipart field "audio" or the raw request body.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.transcriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "transcription is not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	audio, filename, contentType, err := uploadedAudio(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer audio.Close()

	text, err := s.transcriber.Transcribe(r.Context(), filename, contentType, audio)
	if err != nil {
		s.logger.WithError(err).Warn("Transcription failed")
		status := http.StatusBadGateway
		if errors.Is(err, errors.ErrCodeInvalidInput) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": errors.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func uploadedAudio(r *http.Request) (io.ReadCloser, string, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		file, header, err := r.FormFile("audio")
		if err != nil {
			return nil, "", "", fmt.Errorf("no audio file: %w", err)
		}
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		return file, header.Filename, contentType, nil
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return r.Body, "audio.webm", mediaType, nil
}
