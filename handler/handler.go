package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerUserID        = "X-User-Id"
	maxBodyBytes        = 64 << 10
)

type ChatUseCase interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	uc ChatUseCase
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID *int64 `json:"conversationId,omitempty"`
}

type chatResponse struct {
	ConversationID int64                     `json:"conversationId"`
	Response       string                    `json:"response"`
	Status         domain.ConversationStatus `json:"status"`
	State          *domain.ConversationState `json:"state,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHandler(uc ChatUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	return &Handler{uc: uc}, nil
}

// Handle serves the chat endpoint behind API Gateway. The user id comes from
// the X-User-Id header or the authorizer context.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	userID := headerValue(event.Headers, headerUserID)
	if userID == "" {
		userID = authorizerUserID(event.RequestContext.Authorizer)
	}

	status, payload := h.chat(ctx, correlationID, userID, []byte(event.Body))
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("handler: encode response: %w", err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}, nil
}

// Routes exposes the same endpoint over plain HTTP for the long-running
// server.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/chat", h.serveChat)
	return r
}

func (h *Handler) serveChat(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, correlationID)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "unreadable body"})
		return
	}
	status, payload := h.chat(r.Context(), correlationID, strings.TrimSpace(r.Header.Get(headerUserID)), body)
	writeJSON(w, status, payload)
}

func (h *Handler) chat(ctx context.Context, correlationID, rawUserID string, body []byte) (int, any) {
	logger := slog.With("correlation_id", correlationID)

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("invalid chat body", "err", err)
		return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid JSON body"}
	}

	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil || userID <= 0 {
		return http.StatusUnauthorized, errorResponse{Error: string(usecase.ErrorUnauthenticated), Message: "missing or invalid user id"}
	}

	out, err := h.uc.Chat(ctx, usecase.ChatInput{
		UserID:         userID,
		Message:        req.Message,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		status, code := mapError(err)
		logger.Error("chat failed", "user_id", userID, "status", status, "err", err)
		return status, errorResponse{Error: code, Message: http.StatusText(status)}
	}

	logger.Info("chat turn", "user_id", userID, "conversation_id", out.ConversationID, "status", out.Status)
	state := out.State
	return http.StatusOK, chatResponse{
		ConversationID: out.ConversationID,
		Response:       out.Response,
		Status:         out.Status,
		State:          &state,
	}
}

func mapError(err error) (int, string) {
	switch code := usecase.CodeOf(err); code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, string(code)
	case usecase.ErrorUnauthenticated:
		return http.StatusUnauthorized, string(code)
	default:
		return http.StatusInternalServerError, string(usecase.ErrorInternal)
	}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func authorizerUserID(auth map[string]interface{}) string {
	for _, key := range []string{"userId", "principalId"} {
		switch v := auth[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case json.Number:
			return v.String()
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("write response", "err", err)
	}
}
