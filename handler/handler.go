// Package handler exposes the assistant over HTTP: the web chat widget, the
// WhatsApp webhook and a health probe. The same router serves API Gateway
// events in Lambda.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type InboundHandler interface {
	HandleInbound(ctx context.Context, ev usecase.InboundEvent) (usecase.Receipt, error)
}

type TranscriptReader interface {
	// Transcript returns visible messages after afterID in creation order.
	Transcript(ctx context.Context, conversationID, afterID string, limit int) ([]domain.Message, error)
}

// MediaResolver turns a WhatsApp media id into a downloadable URL.
type MediaResolver interface {
	MediaURL(ctx context.Context, mediaID string) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type WhatsAppSettings struct {
	AppSecret   string
	VerifyToken string
	Media       MediaResolver
}

type Handler struct {
	router     chi.Router
	inbound    InboundHandler
	transcript TranscriptReader
	whatsapp   WhatsAppSettings
	health     Pinger
	log        *zap.Logger
}

func NewHandler(inbound InboundHandler, transcript TranscriptReader, wa WhatsAppSettings, health Pinger, log *zap.Logger) (*Handler, error) {
	if inbound == nil {
		return nil, errors.New("handler: inbound handler must not be nil")
	}
	if transcript == nil {
		return nil, errors.New("handler: transcript reader must not be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if wa.AppSecret == "" {
		log.Warn("whatsapp app secret not set, webhook signatures are not verified")
	}
	h := &Handler{
		router:     chi.NewRouter(),
		inbound:    inbound,
		transcript: transcript,
		whatsapp:   wa,
		health:     health,
		log:        log,
	}
	h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	h.router.Use(h.correlate)

	h.router.Get("/healthz", h.handleHealth)
	h.router.Post("/chat/messages", h.handlePostMessage)
	h.router.Get("/chat/messages", h.handleTranscript)
	h.router.Get("/whatsapp/webhook", h.handleWhatsAppVerify)
	h.router.Post("/whatsapp/webhook", h.handleWhatsAppWebhook)
}

type ctxKey struct{}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// correlate tags each request with the caller's correlation id or a new one
// and logs it on completion.
func (h *Handler) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := strings.TrimSpace(r.Header.Get(correlationHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
		h.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", id),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.writeError(w, r, http.StatusServiceUnavailable, usecase.ErrorInternal, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code usecase.ErrorCode, err error) {
	log := h.log.With(zap.Int("status", status), zap.String("correlation_id", correlationID(r.Context())), zap.Error(err))
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Warn("request failed")
	}
	resp := errorResponse{Error: string(code), CorrelationID: correlationID(r.Context())}
	var ue *usecase.Error
	if errors.As(err, &ue) {
		resp.Reason = ue.Reason
	}
	writeJSON(w, status, resp)
}

// writeUsecaseError maps the usecase taxonomy onto HTTP statuses.
func (h *Handler) writeUsecaseError(w http.ResponseWriter, r *http.Request, err error) {
	code, ok := usecase.CodeOf(err)
	if !ok {
		h.writeError(w, r, http.StatusInternalServerError, usecase.ErrorInternal, err)
		return
	}
	status := http.StatusInternalServerError
	switch code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorDuplicate:
		status = http.StatusConflict
	case usecase.ErrorNoAgent:
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, r, status, code, err)
}
