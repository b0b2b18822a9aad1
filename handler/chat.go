package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/usecase"
)

const (
	maxBodyBytes     = 1 << 20
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type postMessageRequest struct {
	Content    string `json:"content"`
	SessionKey string `json:"session_key"`
	DelegateID string `json:"delegate_id"`
}

type postMessageResponse struct {
	usecase.Receipt
	SessionKey string `json:"session_key"`
}

type messageView struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Content   string    `json:"content"`
	Pending   bool      `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
}

type transcriptResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []messageView `json:"messages"`
	// Next is the cursor for the following poll. It stops before the first
	// pending reply so the resolved text is picked up by a later poll.
	Next string `json:"next"`
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, usecase.ErrorInvalidInput, err)
		return
	}
	sessionKey := strings.TrimSpace(req.SessionKey)
	if sessionKey == "" {
		sessionKey = uuid.NewString()
	}

	receipt, err := h.inbound.HandleInbound(r.Context(), usecase.InboundEvent{
		Channel:         domain.ChannelWeb,
		CounterpartyKey: sessionKey,
		Text:            req.Content,
		DelegateID:      strings.TrimSpace(req.DelegateID),
	})
	if err != nil {
		h.writeUsecaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, postMessageResponse{Receipt: receipt, SessionKey: sessionKey})
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convID := strings.TrimSpace(q.Get("conversation_id"))
	if convID == "" {
		h.writeError(w, r, http.StatusBadRequest, usecase.ErrorInvalidInput, errors.New("conversation_id is required"))
		return
	}
	limit := defaultPageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, http.StatusBadRequest, usecase.ErrorInvalidInput, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxPageLimit)
	}
	after := strings.TrimSpace(q.Get("after"))

	msgs, err := h.transcript.Transcript(r.Context(), convID, after, limit)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, usecase.ErrorInternal, err)
		return
	}
	resp := transcriptResponse{ConversationID: convID, Messages: make([]messageView, 0, len(msgs)), Next: after}
	pending := false
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, messageView{
			ID:        m.ID,
			Direction: string(m.Direction),
			Content:   m.Content,
			Pending:   m.Pending(),
			CreatedAt: m.CreatedAt,
		})
		pending = pending || m.Pending()
		if !pending {
			resp.Next = m.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
