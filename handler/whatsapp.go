package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/integrations/whatsapp"
	"delegate-assistant/internal/usecase"
)

func (h *Handler) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.whatsapp.VerifyToken)
	if !ok {
		h.writeError(w, r, http.StatusForbidden, usecase.ErrorInvalidInput, errors.New("webhook verification failed"))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleWhatsAppWebhook acknowledges every authentic delivery with 200 so
// the provider does not redeliver; per-message failures are only logged.
func (h *Handler) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, usecase.ErrorInvalidInput, err)
		return
	}
	if !whatsapp.VerifySignature(h.whatsapp.AppSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		h.writeError(w, r, http.StatusForbidden, usecase.ErrorInvalidInput, errors.New("invalid webhook signature"))
		return
	}
	hook, err := whatsapp.ParseWebhook(body)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, usecase.ErrorInvalidInput, err)
		return
	}

	ctx := r.Context()
	log := h.log.With(zap.String("correlation_id", correlationID(ctx)))
	for _, st := range hook.Statuses {
		log.Debug("whatsapp status",
			zap.String("message_id", st.MessageID),
			zap.String("status", st.Status),
			zap.String("recipient", st.Recipient),
		)
	}

	accepted := 0
	for _, in := range hook.Messages {
		mediaURL := ""
		if in.MediaID != "" && h.whatsapp.Media != nil {
			if mediaURL, err = h.whatsapp.Media.MediaURL(ctx, in.MediaID); err != nil {
				log.Warn("whatsapp media lookup failed", zap.String("media_id", in.MediaID), zap.Error(err))
				mediaURL = ""
			}
		}
		_, err := h.inbound.HandleInbound(ctx, usecase.InboundEvent{
			Channel:         domain.ChannelWhatsApp,
			CounterpartyKey: whatsapp.CleanPhone(in.From),
			ExternalID:      in.ID,
			Text:            in.Content(mediaURL),
		})
		if err != nil {
			if code, _ := usecase.CodeOf(err); code == usecase.ErrorDuplicate {
				log.Info("whatsapp duplicate delivery dropped", zap.String("wamid", in.ID))
				continue
			}
			log.Error("whatsapp message not accepted", zap.String("wamid", in.ID), zap.Error(err))
			continue
		}
		accepted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "accepted": accepted})
}
