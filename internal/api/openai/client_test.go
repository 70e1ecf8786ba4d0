package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/assistd/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{
		WithBaseURL(srv.URL + "/"),
		WithHTTPClient(srv.Client()),
		WithRetryInterval(time.Millisecond),
	}, opts...)
	return NewClient("sk-test", opts...)
}

func TestClient_CreateChatCompletion(t *testing.T) {
	var gotBody ChatCompletionRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != "editor/2.0" {
			t.Errorf("User-Agent = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	})

	resp, err := c.CreateChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []ChatCompletionMessage{{Role: "user", Content: "hello"}},
		Stream:   true,
	}, &RequestOptions{UserAgent: "editor/2.0"})
	if err != nil {
		t.Fatalf("CreateChatCompletion() error = %v", err)
	}
	if gotBody.Stream {
		t.Error("unary request sent stream=true")
	}
	if resp.Choices[0].Message.Content != "hi" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}
	if u := resp.Usage.ToDomain(); u.TotalTokens != 4 {
		t.Errorf("usage = %+v", u)
	}
}

func TestClient_StreamChatCompletion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("request = %+v, want stream with include_usage", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"reasoning_content\":\"think\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":2,\"completion_tokens\":2,\"total_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := c.StreamChatCompletion(context.Background(), &ChatCompletionRequest{
		Model:         "gpt-3.5-turbo",
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}, nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}

	var content, reasoning string
	var usage *Usage
	for res := range ch {
		if res.Err != nil {
			t.Fatalf("stream error = %v", res.Err)
		}
		for _, choice := range res.Chunk.Choices {
			content += choice.Delta.Content
			reasoning += choice.Delta.ReasoningContent
		}
		if res.Chunk.Usage != nil {
			usage = res.Chunk.Usage
		}
	}
	if content != "Hello" || reasoning != "think" {
		t.Errorf("content = %q, reasoning = %q", content, reasoning)
	}
	if usage == nil || usage.TotalTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestClient_StreamResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: response.output_text.delta\ndata: {\"type\":\"response.output_text.delta\",\"delta\":\"Hi\"}\n\n")
		fmt.Fprint(w, "event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"status\":\"completed\",\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n")
	})

	ch, err := c.StreamResponse(context.Background(), &ResponsesRequest{Model: "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("StreamResponse() error = %v", err)
	}

	var events []*ResponseStreamEvent
	for res := range ch {
		if res.Err != nil {
			t.Fatalf("stream error = %v", res.Err)
		}
		events = append(events, res.Event)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventOutputTextDelta || events[0].Delta != "Hi" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if len(events[0].Raw) == 0 {
		t.Error("raw payload not kept")
	}
	u := events[1].Response.Usage.ToDomain()
	if u.PromptTokens != 5 || u.CompletionTokens != 1 || u.TotalTokens != 6 {
		t.Errorf("usage = %+v", u)
	}
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"busy","type":"service_unavailable"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"r1","status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"ok"}]}]}`)
	})

	resp, err := c.CreateResponse(context.Background(), &ResponsesRequest{Model: "o3-mini"}, nil)
	if err != nil {
		t.Fatalf("CreateResponse() error = %v", err)
	}
	if resp.OutputText() != "ok" {
		t.Errorf("OutputText() = %q", resp.OutputText())
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
	}, WithMaxRetries(2))

	_, err := c.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "gpt-3.5"}, nil)
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *domain.APIError", err)
	}
	if apiErr.Type != domain.ErrorTypeRateLimit || apiErr.HTTPStatusCode() != http.StatusTooManyRequests {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})

	_, err := c.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "gpt-3.5"}, nil)
	apiErr := domain.AsAPIError(err)
	if apiErr == nil || apiErr.Type != domain.ErrorTypeAuthentication {
		t.Fatalf("error = %v, want authentication error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_UnparseableErrorBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "no such route")
	})

	_, err := c.CreateChatCompletion(context.Background(), &ChatCompletionRequest{Model: "gpt-3.5"}, nil)
	apiErr := domain.AsAPIError(err)
	if apiErr.Type != domain.ErrorTypeNotFound || apiErr.Message != "no such route" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_StreamCancellation(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 100; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"%d\"}}]}\n\n", i)
			w.(http.Flusher).Flush()
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.StreamChatCompletion(ctx, &ChatCompletionRequest{Model: "gpt-3.5"}, nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}

	<-ch
	cancel()

	done := make(chan struct{})
	go func() {
		for res := range ch {
			if res.Err != nil {
				t.Errorf("cancelled stream reported error: %v", res.Err)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestReadSSE_MalformedChunk(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {not json}\n\n"))
	var calls int
	err := readSSE(body, func(data []byte) error {
		calls++
		var v map[string]any
		return json.Unmarshal(data, &v)
	})
	if err == nil || calls != 1 {
		t.Errorf("readSSE() = %v after %d calls", err, calls)
	}
}

func TestResponse_Text(t *testing.T) {
	var r Response
	raw := `{"output":[{"type":"reasoning","summary":[{"type":"summary_text","text":"why"}]},{"type":"message","content":[{"type":"output_text","text":"a"},{"type":"output_text","text":"b"}]}]}`
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatal(err)
	}
	if r.OutputText() != "ab" || r.ReasoningText() != "why" {
		t.Errorf("OutputText() = %q, ReasoningText() = %q", r.OutputText(), r.ReasoningText())
	}
}

func TestClient_StreamUndecodableChunk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: plain legacy text\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"after\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	ch, err := c.StreamChatCompletion(context.Background(), &ChatCompletionRequest{Model: "gpt-3.5"}, nil)
	if err != nil {
		t.Fatalf("StreamChatCompletion() error = %v", err)
	}

	var results []StreamResult
	for res := range ch {
		results = append(results, res)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if string(results[0].Raw) != "plain legacy text" || results[0].Chunk != nil {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Chunk == nil || results[1].Chunk.Choices[0].Delta.Content != "after" {
		t.Errorf("stream did not continue after undecodable chunk: %+v", results[1])
	}
}
