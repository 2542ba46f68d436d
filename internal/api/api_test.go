package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/streamchat/internal/api"
	"gwi.com/streamchat/internal/cache"
	"gwi.com/streamchat/internal/chat"
	"gwi.com/streamchat/internal/core"
	"gwi.com/streamchat/internal/ratelimit"
	"gwi.com/streamchat/internal/store"
	"gwi.com/streamchat/internal/stream"
	"gwi.com/streamchat/internal/stream/streamtest"
)

type harness struct {
	router http.Handler
	store  *cache.Layer
	source *streamtest.Source
	orch   *core.Orchestrator
}

func newHarness(t *testing.T, maxRequests int, opts ...core.Option) *harness {
	t.Helper()
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	layer := cache.NewLayer(db)
	source := &streamtest.Source{}
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(100), maxRequests, time.Minute)
	gate := core.NewGate(limiter, source)
	orch := core.NewOrchestrator(layer, gate, opts...)

	return &harness{
		router: api.NewRouter(api.NewAPIHandler(layer, orch, gate), []string{"*"}),
		store:  layer,
		source: source,
		orch:   orch,
	}
}

func (h *harness) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) conversation(t *testing.T) string {
	t.Helper()
	conv, err := h.store.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	return conv.ID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type sseEvent struct {
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	State      string         `json:"state"`
	Title      string         `json:"title"`
	Error      string         `json:"error"`
	Status     int            `json:"status"`
	RetryAfter int            `json:"retryAfter"`
	Message    *store.Message `json:"message"`
}

func events(t *testing.T, body string) []sseEvent {
	t.Helper()
	r := stream.NewReader(strings.NewReader(body))
	var out []sseEvent
	for {
		data, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		var e sseEvent
		require.NoError(t, json.Unmarshal(data, &e))
		out = append(out, e)
	}
}

func types(evs []sseEvent) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func reply(chunks ...string) func(context.Context, chat.Request) (stream.Stream, error) {
	return func(context.Context, chat.Request) (stream.Stream, error) {
		return streamtest.Script(nil, chunks...), nil
	}
}

func TestHealthAndModels(t *testing.T) {
	h := newHarness(t, 10)

	rec := h.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	models := decode[api.ModelsResponse](t, rec)
	assert.Equal(t, chat.AvailableModels, models.Models)
	assert.Equal(t, chat.DefaultModel, models.Default)
}

func TestSessionHeader(t *testing.T) {
	h := newHarness(t, 10)

	rec := h.do(t, http.MethodGet, "/api/health", "", stream.SessionHeader, "abc")
	assert.Equal(t, "abc", rec.Header().Get(stream.SessionHeader))

	rec = h.do(t, http.MethodGet, "/api/health", "")
	assert.NotEmpty(t, rec.Header().Get(stream.SessionHeader))
}

func TestConversationLifecycle(t *testing.T) {
	h := newHarness(t, 10)

	rec := h.do(t, http.MethodPost, "/api/conversations", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	conv := decode[store.Conversation](t, rec)
	assert.Equal(t, store.DefaultConversationTitle, conv.Title)

	rec = h.do(t, http.MethodPost, "/api/conversations", `{"title":"Trip planning"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	named := decode[store.Conversation](t, rec)
	assert.Equal(t, "Trip planning", named.Title)

	rec = h.do(t, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Conversation](t, rec), 2)

	rec = h.do(t, http.MethodPatch, "/api/conversations/"+conv.ID, `{"title":"Renamed","model":"gemini-2.5-pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[store.Conversation](t, rec)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "gemini-2.5-pro", updated.Model)

	rec = h.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	details := decode[store.ConversationWithMessages](t, rec)
	assert.Equal(t, "Renamed", details.Conversation.Title)
	assert.Empty(t, details.Messages)

	rec = h.do(t, http.MethodDelete, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/conversations/"+conv.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/conversations", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/conversations", "")
	assert.Empty(t, decode[[]store.Conversation](t, rec))
}

func TestUpdateConversation_Errors(t *testing.T) {
	h := newHarness(t, 10)
	id := h.conversation(t)

	rec := h.do(t, http.MethodPatch, "/api/conversations/"+id, `{"model":"gpt-4","title":"  "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Validation error", body.Error)
	assert.Len(t, body.Details, 2)

	rec = h.do(t, http.MethodPatch, "/api/conversations/missing", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPatch, "/api/conversations/"+id, `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMessages(t *testing.T) {
	h := newHarness(t, 10)
	id := h.conversation(t)
	for _, c := range []string{"one", "two", "three"} {
		_, err := h.store.AddMessage(context.Background(), id, store.RoleUser, c)
		require.NoError(t, err)
	}

	rec := h.do(t, http.MethodGet, "/api/conversations/"+id+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Message](t, rec), 3)

	rec = h.do(t, http.MethodGet, "/api/conversations/"+id+"/messages?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	last := decode[[]store.Message](t, rec)
	require.Len(t, last, 2)
	assert.Equal(t, "two", last[0].Content)
	assert.Equal(t, "three", last[1].Content)

	rec = h.do(t, http.MethodGet, "/api/conversations/"+id+"/messages?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEndpoint_Streams(t *testing.T) {
	h := newHarness(t, 10)
	h.source.Open = reply("Hel", "lo!")

	rec := h.do(t, http.MethodPost, "/api/chat",
		`{"conversationId":"c1","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	evs := events(t, rec.Body.String())
	assert.Equal(t, []string{"text", "text", "done"}, types(evs))
	assert.Equal(t, "Hel", evs[0].Content)
	assert.Equal(t, "lo!", evs[1].Content)
}

func TestChatEndpoint_UpstreamErrorEvent(t *testing.T) {
	h := newHarness(t, 10)
	h.source.Open = func(context.Context, chat.Request) (stream.Stream, error) {
		return streamtest.Script(errors.New("model overloaded"), "Par"), nil
	}

	rec := h.do(t, http.MethodPost, "/api/chat",
		`{"conversationId":"c1","messages":[{"role":"user","content":"Hi"}]}`)
	evs := events(t, rec.Body.String())
	assert.Equal(t, []string{"text", "error"}, types(evs))
	assert.Equal(t, "model overloaded", evs[1].Error)
}

func TestChatEndpoint_Validation(t *testing.T) {
	h := newHarness(t, 10)

	rec := h.do(t, http.MethodPost, "/api/chat", `{"model":"gpt-4","messages":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Validation error", body.Error)

	var fields []string
	for _, d := range body.Details {
		fields = append(fields, d.Field)
	}
	assert.Equal(t, []string{"conversationId", "model", "messages"}, fields)
	assert.Empty(t, h.source.Requests())
}

func TestChatEndpoint_RateLimited(t *testing.T) {
	h := newHarness(t, 2)
	body := `{"conversationId":"c1","messages":[{"role":"user","content":"Hi"}]}`

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/chat", body, stream.SessionHeader, "s1").Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/chat", `not json`, stream.SessionHeader, "s1").Code)

	rec := h.do(t, http.MethodPost, "/api/chat", body, stream.SessionHeader, "s1")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	resp := decode[api.ErrorResponse](t, rec)
	assert.Equal(t, "Rate limit exceeded", resp.Error)
	assert.Equal(t, "Too many requests. Please try again in 60 seconds.", resp.Message)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/chat", body, stream.SessionHeader, "s2").Code)
}

func TestSendMessage_StreamsExchange(t *testing.T) {
	h := newHarness(t, 10)
	h.source.Open = reply("Hel", "lo!")
	id := h.conversation(t)

	// Prime the messages view so the write goes through the optimistic path.
	_, err := h.store.GetMessages(context.Background(), id)
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", `{"content":"Hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	evs := events(t, rec.Body.String())
	assert.Equal(t, []string{
		"message", "state", "state", "text", "text", "message", "title", "state", "done",
	}, types(evs))
	assert.Equal(t, "Hi", evs[0].Message.Content)
	assert.Equal(t, "dispatching", evs[1].State)
	assert.Equal(t, "streaming", evs[2].State)
	assert.Equal(t, "Hello!", evs[5].Message.Content)
	assert.Equal(t, "Hello!", evs[6].Title)
	assert.Equal(t, "completed", evs[8].State)

	rec = h.do(t, http.MethodGet, "/api/conversations/"+id, "")
	details := decode[store.ConversationWithMessages](t, rec)
	assert.Equal(t, "Hello!", details.Conversation.Title)
	require.Len(t, details.Messages, 2)
	assert.False(t, cache.IsProvisional(details.Messages[0]))
}

func TestSendMessage_PreStreamErrors(t *testing.T) {
	h := newHarness(t, 10)

	rec := h.do(t, http.MethodPost, "/api/conversations/missing/messages", `{"content":"Hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	id := h.conversation(t)
	rec = h.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	offline := newHarness(t, 10, core.WithConnectivity(down{}))
	id = offline.conversation(t)
	rec = offline.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", `{"content":"Hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type down struct{}

func (down) Online() bool { return false }

func TestSendMessage_RateLimitedAfterUserMessage(t *testing.T) {
	h := newHarness(t, 1)
	id := h.conversation(t)

	rec := h.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", `{"content":"one"}`, stream.SessionHeader, "s")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", `{"content":"two"}`, stream.SessionHeader, "s")
	evs := events(t, rec.Body.String())
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, http.StatusTooManyRequests, last.Status)
	assert.Equal(t, 60, last.RetryAfter)

	msgs, err := h.store.GetMessages(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "both user messages are kept")
}

func TestSendMessage_BusyAndCancel(t *testing.T) {
	h := newHarness(t, 10)
	id := h.conversation(t)

	opened := make(chan struct{})
	h.source.Open = func(ctx context.Context, _ chat.Request) (stream.Stream, error) {
		p := streamtest.NewPipe(ctx)
		close(opened)
		return p, nil
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/"+id+"/messages", strings.NewReader(`{"content":"Hi"}`))
		rec := httptest.NewRecorder()
		h.router.ServeHTTP(rec, req)
		done <- rec
	}()

	select {
	case <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange never dispatched")
	}

	rec := h.do(t, http.MethodGet, "/api/conversations/"+id+"/stream", "")
	status := decode[api.StreamStatusResponse](t, rec)
	assert.True(t, status.Active)

	rec = h.do(t, http.MethodPost, "/api/conversations/"+id+"/messages", `{"content":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/conversations/"+id+"/stream", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var first *httptest.ResponseRecorder
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled exchange never finished")
	}
	evs := events(t, first.Body.String())
	require.NotEmpty(t, evs)
	assert.Equal(t, "done", evs[len(evs)-1].Type)
	assert.Equal(t, "cancelled", evs[len(evs)-1].State)

	rec = h.do(t, http.MethodDelete, "/api/conversations/"+id+"/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
