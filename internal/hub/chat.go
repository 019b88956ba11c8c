package hub

import (
	"strings"

	"github.com/grovetools/paramhub/errors"
	"github.com/grovetools/paramhub/internal/bus"
	"github.com/grovetools/paramhub/internal/command"
	"github.com/grovetools/paramhub/internal/protocol"
	"github.com/grovetools/paramhub/internal/session"
	"github.com/sirupsen/logrus"
)

const anonymous = "anonymous"

func (h *Hub) handleChatRequest(s *session.Session, f protocol.Frame) {
	var req protocol.ChatRequest
	if err := f.DecodeData(&req); err != nil {
		h.reject(s, f.Event, err)
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		h.reject(s, f.Event, errors.New(errors.ErrCodeInvalidInput, "No prompt"))
		return
	}
	username := strings.TrimSpace(req.Username)
	if username != "" {
		s.SetUsername(username)
	} else if username = s.Username(); username == "" {
		username = anonymous
	}

	h.chatToClients(protocol.ChatUser, prompt, username, s.ID)
	h.out.ToClients(protocol.EventChatProcessing, protocol.ChatStatus{Username: username})

	if h.commands == nil {
		h.chatFailed(s.ID, username, errors.New(errors.ErrCodeLLMFailed, "no language model is configured"))
		return
	}
	pos := h.commands.HandlePrompt(command.Request{RequesterID: s.ID, Username: username, Prompt: prompt})
	h.logger.WithFields(logrus.Fields{
		"session":  s.ID,
		"username": username,
		"queued":   pos,
	}).Info("Chat command queued")
}

// onChatResult applies a model proposal through the bus with origin llm.
func (h *Hub) onChatResult(r command.Result) {
	requester := r.Request.RequesterID
	username := r.Request.Username
	if r.Err != nil {
		h.chatFailed(requester, username, r.Err)
		return
	}

	res := h.store.ApplyBatch(r.Changes)
	ignored := ignoredNames(res, r.Rejected)
	if len(ignored) > 0 {
		h.logger.WithFields(logrus.Fields{"session": requester, "names": ignored}).Warn("Model proposed unknown or invalid parameters")
	}
	version := res.Version
	if res.Changed() {
		h.publish(bus.ChangeEvent{
			Origin:          bus.OriginLLM,
			OriginSessionID: requester,
			Version:         res.Version,
			Deltas:          res.Applied,
		})
	}

	h.out.ToClients(protocol.EventChatLLMResponse, protocol.ChatLLMResponse{
		Params:          res.Applied,
		OriginSessionID: requester,
		Version:         version,
	})

	summary := command.Summarize(res.Applied, h.store.Snapshot())
	if len(ignored) > 0 {
		summary += " Ignored: " + strings.Join(ignored, ", ") + "."
	}
	h.chatToClients(protocol.ChatAssistant, summary, username, "")
	h.out.ToClients(protocol.EventChatDone, protocol.ChatStatus{Username: username})
}

// chatFailed reports a failed command to every client, with an error frame to
// the requester if it is still connected.
func (h *Hub) chatFailed(requester, username string, err error) {
	h.chatToClients(protocol.ChatError, errors.Message(err), username, "")
	if s, ok := h.registry.Get(requester); ok {
		h.out.Error(s, err)
	}
	h.out.ToClients(protocol.EventChatDone, protocol.ChatStatus{Username: username})
}

// chatToClients sends a chat line; from_self is true only for the author's own
// user messages.
func (h *Hub) chatToClients(kind, content, username, authorID string) {
	h.out.ToClientsEach(protocol.EventChatMessage, func(s *session.Session) interface{} {
		return protocol.ChatMessage{
			Type:     kind,
			Content:  content,
			Username: username,
			FromSelf: authorID != "" && s.ID == authorID,
		}
	})
}
