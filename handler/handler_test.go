package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
	"github.com/emajidev/agent-transactional-chat/internal/usecase"
)

type stubUseCase struct {
	out   usecase.ChatOutput
	err   error
	in    usecase.ChatInput
	calls int
}

func (s *stubUseCase) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.calls++
	s.in = in
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/chat",
		Headers:    map[string]string{"Content-Type": "application/json", "X-User-Id": "7"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func okOutput() usecase.ChatOutput {
	return usecase.ChatOutput{
		ConversationID: 101,
		Response:       "¿A qué número deseas transferir?",
		Status:         domain.ConversationActive,
		State:          domain.ConversationState{ConversationID: 101, UserID: 7, Currency: "COP"},
	}
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: okOutput()}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"message":"hola","conversationId":101}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(7), uc.in.UserID)
	require.Equal(t, "hola", uc.in.Message)
	require.NotNil(t, uc.in.ConversationID)
	require.Equal(t, int64(101), *uc.in.ConversationID)

	out := parseBody[chatResponse](t, resp.Body)
	require.Equal(t, int64(101), out.ConversationID)
	require.Equal(t, "¿A qué número deseas transferir?", out.Response)
	require.Equal(t, domain.ConversationActive, out.Status)
	require.NotNil(t, out.State)
	require.Equal(t, "COP", out.State.Currency)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_UserFromAuthorizer(t *testing.T) {
	uc := &stubUseCase{out: okOutput()}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hola"}`)
	delete(event.Headers, "X-User-Id")
	event.RequestContext.Authorizer = map[string]interface{}{"principalId": "12"}

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(12), uc.in.UserID)
	require.Nil(t, uc.in.ConversationID)
}

func TestHandle_MissingUser(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hola"}`)
	event.Headers["X-User-Id"] = "abc"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, uc.calls)
	require.Equal(t, string(usecase.ErrorUnauthenticated), parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "unauthenticated", err: &usecase.Error{Code: usecase.ErrorUnauthenticated, Reason: "missing_user"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthenticated)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "dynamodb_write_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h, err := NewHandler(uc)
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"message":"hola"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: okOutput()}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"message":"hola"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestRoutes_Chat(t *testing.T) {
	uc := &stubUseCase{out: okOutput()}
	h, err := NewHandler(uc)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/chat", strings.NewReader(`{"message":"quiero transferir"}`))
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "7")
	req.Header.Set("X-Correlation-Id", "corr-http")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "corr-http", res.Header.Get("X-Correlation-Id"))
	var out chatResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	require.Equal(t, int64(101), out.ConversationID)
	require.Equal(t, "quiero transferir", uc.in.Message)
}

func TestRoutes_ChatWithoutUser(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hola"}`)))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestRoutes_HealthAndMethods(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)
	routes := h.Routes()

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
