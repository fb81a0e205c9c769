package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emajidev/agent-transactional-chat/internal/domain"
)

type fakeGetter struct {
	val   string
	err   error
	calls atomic.Int32
	names []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls.Add(1)
	f.names = append(f.names, name)
	return f.val, f.err
}

// stubServer answers every request with status and body and hands the
// decoded request body to inspect when set.
func stubServer(t *testing.T, status int, body string, inspect func(r *http.Request, payload map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			inspect(r, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithAPIKey("sk-test"), WithBaseURL(srv.URL)}, opts...)
	c, err := NewClient(nil, "", opts...)
	require.NoError(t, err)
	return c
}

var history = []domain.ChatMessage{
	{Role: "system", Content: "Eres un asistente de transferencias."},
	{Role: "user", Content: "quiero enviar 50000 al 3001234567"},
}

func TestEndpoint(t *testing.T) {
	cases := []struct {
		base string
		path string
		want string
	}{
		{"https://api.openai.com/v1", "/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "/moderations", "https://api.openai.com/v1/moderations"},
		{"http://localhost:8080", "/chat/completions", "http://localhost:8080/v1/chat/completions"},
		{"", "/moderations", "https://api.openai.com/v1/moderations"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, endpoint(tc.base, tc.path), "base=%q", tc.base)
	}
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(nil, "/transferbot")
	require.ErrorContains(t, err, "getter must not be nil")

	_, err = NewClient(&fakeGetter{}, " / ")
	require.ErrorContains(t, err, "prefix")

	c, err := NewClient(&fakeGetter{}, "/transferbot/")
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, "/transferbot/open-ai-token", c.tokenParameterName())

	c, err = NewClient(nil, "", WithAPIKey(" sk-static "))
	require.NoError(t, err)
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-static", key)
}

func TestResolveAPIKey_LoadsOnce(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	c, err := NewClient(g, "/transferbot")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := c.resolveAPIKey(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-from-ssm", key)
	}
	require.Equal(t, int32(1), g.calls.Load())
	require.Equal(t, []string{"/transferbot/open-ai-token"}, g.names)
}

func TestResolveAPIKey_CachesFailure(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	c, err := NewClient(g, "/transferbot")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "ssm unavailable")
	_, err = c.resolveAPIKey(context.Background())
	require.Error(t, err)
	require.Equal(t, int32(1), g.calls.Load())
}

func TestFetchAPIKeyFromParamStore(t *testing.T) {
	cases := []struct {
		name    string
		getter  Getter
		param   string
		want    string
		wantErr string
	}{
		{name: "json token", getter: &fakeGetter{val: `{"token":"sk-abc"}`}, param: "/p/open-ai-token", want: "sk-abc"},
		{name: "missing field", getter: &fakeGetter{val: `{"other":"x"}`}, param: "/p/open-ai-token", wantErr: "API token is empty"},
		{name: "malformed", getter: &fakeGetter{val: `{"broken`}, param: "/p/open-ai-token", wantErr: "unmarshal"},
		{name: "getter error", getter: &fakeGetter{err: errors.New("throttled")}, param: "/p/open-ai-token", wantErr: "throttled"},
		{name: "nil getter", param: "/p/open-ai-token", wantErr: "nil"},
		{name: "blank name", getter: &fakeGetter{val: `{"token":"sk-abc"}`}, param: " ", wantErr: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := fetchAPIKeyFromParamStore(context.Background(), tc.getter, tc.param)
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, key)
		})
	}
}

func TestChat_SendsHistoryAndTrimsReply(t *testing.T) {
	srv := stubServer(t, http.StatusOK,
		`{"choices":[{"index":0,"message":{"role":"assistant","content":"  ¿Confirmas el envío de $50,000 COP?\n"}}]}`,
		func(r *http.Request, payload map[string]any) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/chat/completions", r.URL.Path)
			require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
			require.Equal(t, "gpt-4o-mini", payload["model"])
			require.Len(t, payload["messages"], 2)
			require.Equal(t, 0.2, payload["temperature"])
		})

	c := testClient(t, srv, WithTemperature(0.2))
	reply, err := c.Chat(context.Background(), "gpt-4o-mini", history)
	require.NoError(t, err)
	require.Equal(t, "¿Confirmas el envío de $50,000 COP?", reply)
}

func TestChat_OmitsTemperatureByDefault(t *testing.T) {
	srv := stubServer(t, http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`,
		func(_ *http.Request, payload map[string]any) {
			require.NotContains(t, payload, "temperature")
		})
	_, err := testClient(t, srv).Chat(context.Background(), "gpt-4o-mini", history)
	require.NoError(t, err)
}

func TestChat_Failures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"bad request", http.StatusBadRequest, `{"error":"bad request"}`, "unexpected status 400"},
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, "429"},
		{"server error", http.StatusInternalServerError, `{}`, "500"},
		{"not json", http.StatusOK, `not-a-json`, "decode chat response"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "no choices"},
		{"blank completion", http.StatusOK, `{"choices":[{"message":{"role":"assistant","content":"   "}}]}`, "empty completion"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := stubServer(t, tc.status, tc.body, nil)
			_, err := testClient(t, srv).Chat(context.Background(), "gpt-4o-mini", history)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestChat_EmptyModel(t *testing.T) {
	c, err := NewClient(nil, "", WithAPIKey("sk-test"))
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "", history)
	require.ErrorContains(t, err, "model")
}

func TestChat_KeyErrorStopsRequest(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { hits.Add(1) }))
	defer srv.Close()

	c, err := NewClient(&fakeGetter{err: errors.New("denied")}, "/transferbot", WithBaseURL(srv.URL))
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "gpt-4o-mini", history)
	require.ErrorContains(t, err, "denied")
	require.Zero(t, hits.Load())
}

func TestChat_StatusErrorIsUnwrappable(t *testing.T) {
	srv := stubServer(t, http.StatusTooManyRequests, ``, nil)
	_, err := testClient(t, srv).Chat(context.Background(), "gpt-4o-mini", history)

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.True(t, statusErr.RateLimited())
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
}

func TestModerate(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		flagged bool
		wantErr string
	}{
		{name: "clean", status: http.StatusOK, body: `{"results":[{"flagged":false}]}`},
		{name: "flagged", status: http.StatusOK, body: `{"results":[{"flagged":true}]}`, flagged: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantErr: "429"},
		{name: "server error", status: http.StatusInternalServerError, body: `{}`, wantErr: "500"},
		{name: "not json", status: http.StatusOK, body: `not-json`, wantErr: "decode moderation response"},
		{name: "no results", status: http.StatusOK, body: `{"results":[]}`, wantErr: "no results"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := stubServer(t, tc.status, tc.body, func(r *http.Request, payload map[string]any) {
				require.Equal(t, "/v1/moderations", r.URL.Path)
				require.Equal(t, "envía 1000 al 3001234567", payload["input"])
			})
			flagged, err := testClient(t, srv).Moderate(context.Background(), "envía 1000 al 3001234567")
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.flagged, flagged)
		})
	}
}

func TestPost_TransportErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"results":[{"flagged":false}]}`))
	}))
	defer slow.Close()

	c := testClient(t, slow, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := c.Moderate(context.Background(), "hola")
	require.ErrorContains(t, err, "moderation request failed")

	c.baseURL = "http://127.0.0.1:1"
	c.httpClient = nil
	_, err = c.Chat(context.Background(), "gpt-4o-mini", history)
	require.ErrorContains(t, err, "chat request failed")
}

func TestHTTPStatusError_Classification(t *testing.T) {
	cases := []struct {
		name        string
		err         *HTTPStatusError
		rateLimited bool
		denied      bool
	}{
		{name: "429", err: &HTTPStatusError{StatusCode: 429}, rateLimited: true},
		{name: "401", err: &HTTPStatusError{StatusCode: 401}, denied: true},
		{name: "403", err: &HTTPStatusError{StatusCode: 403}, denied: true},
		{name: "400 region", err: &HTTPStatusError{StatusCode: 400, Body: "unsupported_country_region_territory"}, denied: true},
		{name: "500", err: &HTTPStatusError{StatusCode: 500}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.rateLimited, tc.err.RateLimited())
			require.Equal(t, tc.denied, tc.err.AccessDenied())
		})
	}
}
