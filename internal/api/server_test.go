package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/jovia/internal/metrics"
	"github.com/samcharles93/jovia/internal/model"
)

func newTestEcho(t *testing.T) (*echo.Echo, *Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	provider := NewCachedEngineProvider(EngineProviderConfig{
		Models: map[string]ModelConfig{
			"toy": {Backend: model.Spec{Kind: model.KindToy}},
		},
		Metrics: metrics.New(reg),
	})
	server := NewServer(provider, WithGatherer(reg))
	t.Cleanup(server.Close)
	e := echo.New()
	server.Register(e)
	return e, server
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v body=%s", out, err, rec.Body.String())
	}
	return out
}

// sseEvents returns the payload of every data: line.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if payload, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			events = append(events, payload)
		}
	}
	return events
}

func TestCompletionsBasic(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"hello","max_tokens":6}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[CompletionResponse](t, rec)
	if !strings.HasPrefix(resp.ID, "cmpl-") {
		t.Fatalf("unexpected id: %q", resp.ID)
	}
	if resp.Model != "toy" || resp.Object != "text_completion" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage.CompletionTokens < 1 || resp.Usage.CompletionTokens > 6 {
		t.Fatalf("completion tokens out of range: %d", resp.Usage.CompletionTokens)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Fatalf("inconsistent usage: %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" && resp.FinishReason != "length" {
		t.Fatalf("unexpected finish reason %q", resp.FinishReason)
	}
}

func TestCompletionsStreamMatchesSync(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	body := `{"prompt":"abc","max_tokens":10,"seed":7}`
	sync := decodeBody[CompletionResponse](t, doJSON(t, e, http.MethodPost, "/v1/completions", body))

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"abc","max_tokens":10,"seed":7,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := sseEvents(t, rec.Body.String())
	if len(events) < 2 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("expected events ending in [DONE], got %v", events)
	}

	var text strings.Builder
	var final CompletionChunk
	for _, ev := range events[:len(events)-1] {
		var ch CompletionChunk
		if err := json.Unmarshal([]byte(ev), &ch); err != nil {
			t.Fatalf("decode chunk %q: %v", ev, err)
		}
		if ch.Error != nil {
			t.Fatalf("unexpected error chunk: %+v", ch.Error)
		}
		text.WriteString(ch.Delta)
		final = ch
	}
	if final.FinishReason == "" || final.Usage == nil {
		t.Fatalf("last chunk should carry finish reason and usage: %+v", final)
	}
	if text.String() != sync.Text {
		t.Fatalf("streamed text %q != sync text %q", text.String(), sync.Text)
	}
}

func TestCompletionsValidation(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing prompt", `{"max_tokens":3}`, http.StatusBadRequest},
		{"unknown model", `{"model":"nope","prompt":"x"}`, http.StatusNotFound},
		{"bad temperature", `{"prompt":"x","temperature":-1}`, http.StatusBadRequest},
		{"bad eos", `{"prompt":"x","eos_token":"<|eot_id|>"}`, http.StatusBadRequest},
		{"zero max tokens", `{"prompt":"x","max_tokens":0}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, "/v1/completions", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d body=%s", tc.status, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), `"error"`) {
				t.Fatalf("expected error body: %s", rec.Body.String())
			}
		})
	}
}

func TestChatCompletions(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	body := `{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}],"max_tokens":4}`
	rec := doJSON(t, e, http.MethodPost, "/v1/chat/completions", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[ChatCompletionResponse](t, rec)
	if resp.Object != "chat.completion" || !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message == nil || resp.Choices[0].Message.Role != "assistant" {
		t.Fatalf("unexpected choices: %+v", resp.Choices)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}],"max_tokens":4,"stream":true}`)
	events := sseEvents(t, rec.Body.String())
	if len(events) < 3 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("unexpected stream: %v", events)
	}
	if !strings.Contains(events[0], `"role":"assistant"`) {
		t.Fatalf("first chunk should announce the role: %s", events[0])
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", rec.Code)
	}
}

func TestChatMessagesToOptions(t *testing.T) {
	t.Parallel()

	opts, err := chatMessagesToOptions([]ChatMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: []any{
			map[string]any{"type": "text", "text": "hello"},
			map[string]any{"type": "text", "text": "world"},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if opts.System == nil || *opts.System != "sys" {
		t.Fatalf("unexpected system: %v", opts.System)
	}
	if len(opts.History) != 1 || opts.History[0].User != "q1" || opts.History[0].Assistant != "a1" {
		t.Fatalf("unexpected history: %+v", opts.History)
	}
	if opts.Prompt != "hello\nworld" {
		t.Fatalf("unexpected prompt: %q", opts.Prompt)
	}

	if _, err := chatMessagesToOptions([]ChatMessage{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}}); err == nil {
		t.Fatal("expected error when the last message is not from the user")
	}
	if _, err := chatMessagesToOptions([]ChatMessage{{Role: "tool", Content: "x"}}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	e, server := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/sessions", `{"prompt":"poll me","max_tokens":5,"raw_tokens":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[SessionResponse](t, rec)
	if created.ID == "" || created.Object != "session" {
		t.Fatalf("unexpected session: %+v", created)
	}

	var (
		fragments int
		finished  SessionEvent
	)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID+"/events?wait=200ms", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("poll: got %d body=%s", rec.Code, rec.Body.String())
		}
		ev := decodeBody[SessionEvent](t, rec)
		if ev.Type == "fragment" {
			if ev.Token == nil {
				t.Fatal("raw session fragments should carry the token id")
			}
			fragments++
			continue
		}
		if ev.Type == "finished" || ev.Type == "error" {
			finished = ev
			break
		}
	}
	if finished.Type != "finished" {
		t.Fatalf("session did not finish cleanly: %+v", finished)
	}
	if finished.Stats == nil || finished.Stats.Reason == "" {
		t.Fatalf("finished event should carry stats: %+v", finished)
	}
	// Raw mode emits every token except EOS.
	if want := finished.Stats.TokensGenerated; fragments != want && fragments != want-1 {
		t.Fatalf("got %d fragments for %d tokens", fragments, want)
	}

	got := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID, ""))
	if got.Status != "finished" {
		t.Fatalf("expected finished status, got %q", got.Status)
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/sessions/"+created.ID, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: got %d body=%s", rec.Code, rec.Body.String())
	}
	if server.sessions.Len() != 0 {
		t.Fatal("registry should be empty after delete")
	}
	rec = doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID+"/events", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFinishedSessionsExpire(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	provider := NewCachedEngineProvider(EngineProviderConfig{Models: map[string]ModelConfig{
		"toy": {Backend: model.Spec{Kind: model.KindToy}},
	}})
	registry := NewSessionRegistry(WithSessionRetention(time.Minute), withRegistryClock(clock.Now))
	server := NewServer(provider, WithSessionRegistry(registry))
	t.Cleanup(server.Close)
	e := echo.New()
	server.Register(e)

	create := func() string {
		rec := doJSON(t, e, http.MethodPost, "/v1/sessions", `{"prompt":"expire","max_tokens":3}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create: got %d body=%s", rec.Code, rec.Body.String())
		}
		return decodeBody[SessionResponse](t, rec).ID
	}

	first := create()
	rec, ok := registry.Get(first)
	if !ok {
		t.Fatal("session should be registered")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := rec.Handle.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	clock.Advance(30 * time.Second)
	create()
	if _, ok := registry.Get(first); !ok {
		t.Fatal("finished session read recently should be kept")
	}

	clock.Advance(2 * time.Minute)
	third := create()
	if rec := doJSON(t, e, http.MethodGet, "/v1/sessions/"+first, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected expired session to be gone, got %d", rec.Code)
	}
	if _, ok := registry.Get(third); !ok {
		t.Fatal("new session should be registered")
	}
}

func TestSessionStop(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	created := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodPost, "/v1/sessions", `{"prompt":"long","max_tokens":4000}`))

	rec := doJSON(t, e, http.MethodPost, "/v1/sessions/"+created.ID+"/stop", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("stop: got %d body=%s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		ev := decodeBody[SessionEvent](t, doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID+"/events?wait=200ms", ""))
		if ev.Type == "finished" {
			if ev.Stats.Reason != "stopped" && ev.Stats.Reason != "eos" {
				t.Fatalf("unexpected stop reason %q", ev.Stats.Reason)
			}
			return
		}
		if ev.Type == "error" {
			t.Fatalf("unexpected error event: %+v", ev.Error)
		}
	}
	t.Fatal("session did not finish after stop")
}

func TestSessionEventsValidation(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	if rec := doJSON(t, e, http.MethodGet, "/v1/sessions/missing/events", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/sessions/missing/stop", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodDelete, "/v1/sessions/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	created := decodeBody[SessionResponse](t, doJSON(t, e, http.MethodPost, "/v1/sessions", `{"prompt":"x","max_tokens":2}`))
	rec := doJSON(t, e, http.MethodGet, "/v1/sessions/"+created.ID+"/events?wait=soon", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad wait, got %d", rec.Code)
	}
}

func TestModelsHealthAndMetrics(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t)
	models := decodeBody[ModelList](t, doJSON(t, e, http.MethodGet, "/v1/models", ""))
	if models.Object != "list" || len(models.Data) != 1 || models.Data[0].ID != "toy" {
		t.Fatalf("unexpected models: %+v", models)
	}

	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health: got %d body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"m","max_tokens":2}`); rec.Code != http.StatusOK {
		t.Fatalf("completion: got %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jovia_sessions_total") {
		t.Fatalf("metrics output missing session counter:\n%s", rec.Body.String())
	}
}

func TestAssistantMessageSplitsReasoning(t *testing.T) {
	m := assistantMessage("<think>plan</think>answer")
	if m.Content != "answer" || m.ReasoningContent != "plan" {
		t.Fatalf("got content=%v reasoning=%q", m.Content, m.ReasoningContent)
	}
	if d := deltaMessage("", "more"); d.Content != nil || d.ReasoningContent != "more" {
		t.Fatalf("reasoning-only delta got %+v", d)
	}
}
