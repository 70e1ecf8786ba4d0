package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/assistd/internal/config"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/provider"
	"github.com/tjfontaine/assistd/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func collect(t *testing.T, ch <-chan domain.Delta) []domain.Delta {
	t.Helper()
	var out []domain.Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("timed out waiting for deltas")
		}
	}
}

func kinds(deltas []domain.Delta) string {
	parts := make([]string, len(deltas))
	for i, d := range deltas {
		if d.Err != nil {
			parts[i] = "err"
			continue
		}
		parts[i] = string(d.Kind)
	}
	return strings.Join(parts, ",")
}

func TestProvider_StreamChatCompletions(t *testing.T) {
	p := New(testutil.APIKey(t), WithHTTPClient(testutil.VCRHTTPClient(t, "openai_chat_stream")))

	params := provider.NewBuilder(nil).Build(provider.RequestConfig{
		Model:       "gpt-3.5-turbo",
		Temperature: ptr(0.2),
		Streaming:   true,
	})
	req := &domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "Count to 3"}}, Stream: true}

	ch, err := p.Stream(context.Background(), req, params)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	deltas := collect(t, ch)

	if got, want := kinds(deltas), "content,content,content,usage"; got != want {
		t.Fatalf("kinds = %s, want %s", got, want)
	}
	var text string
	for _, d := range deltas {
		text += d.Text
	}
	if text != "1, 2, 3" {
		t.Errorf("text = %q", text)
	}
	if u := deltas[3].Usage; u.TotalTokens != 16 || u.Estimated {
		t.Errorf("usage = %+v", u)
	}
}

func TestProvider_StreamResponses(t *testing.T) {
	p := New(testutil.APIKey(t), WithHTTPClient(testutil.VCRHTTPClient(t, "openai_responses_stream")))

	params := provider.NewBuilder(nil).Build(provider.RequestConfig{Model: "o3-mini", Streaming: true})
	req := &domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "What is 17 * 3?"}}, Stream: true}

	ch, err := p.Stream(context.Background(), req, params)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	deltas := collect(t, ch)

	want := "reasoning,reasoning,reasoning_end,marker,content,content,usage"
	if got := kinds(deltas); got != want {
		t.Fatalf("kinds = %s, want %s", got, want)
	}
	if deltas[0].Text != "Multiplying 17 by 3..." || deltas[1].Text != " gives 51." {
		t.Errorf("reasoning = %q, %q", deltas[0].Text, deltas[1].Text)
	}
	if m := deltas[3].Marker; m.Type != MarkerToolCall || m.TaskType != "calculator" {
		t.Errorf("marker = %+v", m)
	}
	if u := deltas[6].Usage; u.PromptTokens != 14 || u.CompletionTokens != 42 || u.TotalTokens != 56 {
		t.Errorf("usage = %+v", u)
	}
}

func TestProvider_CompleteResponses(t *testing.T) {
	p := New(testutil.APIKey(t), WithHTTPClient(testutil.VCRHTTPClient(t, "openai_responses_complete")))

	params := provider.NewBuilder(nil).Build(provider.RequestConfig{Model: "gpt-4o", MaxTokens: ptr(32)})
	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "Say hello"}},
	}, params)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "Hello! How can I help you today?" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Metadata["family"] != string(provider.FamilyResponses) {
		t.Errorf("metadata = %v", resp.Metadata)
	}
}

// upstream records the last request body and serves a canned reply.
type upstream struct {
	path string
	body map[string]any
}

func newUpstream(t *testing.T, reply string) (*upstream, *Provider) {
	t.Helper()
	u := &upstream{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&u.body)
		if strings.HasPrefix(reply, "{") {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "text/event-stream")
		}
		fmt.Fprint(w, reply)
	}))
	t.Cleanup(srv.Close)

	p := New("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithMaxRetries(0))
	return u, p
}

func TestProvider_ChatRequestShape(t *testing.T) {
	u, p := newUpstream(t, `{"model":"gpt-3.5-turbo","choices":[{"index":0,"message":{"role":"assistant","content":"ok","reasoning_content":"hmm"},"finish_reason":"stop"}]}`)

	params := provider.NewBuilder(nil).Build(provider.RequestConfig{Model: "gpt-3.5-turbo", Temperature: ptr(0.7), MaxTokens: ptr(64)})
	req := &domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "what does this do?"}},
		Context:  &domain.ChatContext{CurrentFile: &domain.FileContext{Path: "a.py", Language: "python", Content: "print(1)"}},
	}

	resp, err := p.Complete(context.Background(), req, params)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "ok" || resp.Metadata["reasoning"] != "hmm" {
		t.Errorf("resp = %+v", resp)
	}

	if u.path != "/chat/completions" {
		t.Errorf("path = %s", u.path)
	}
	if u.body["temperature"] != 0.7 || u.body["max_tokens"] != float64(64) {
		t.Errorf("body = %v", u.body)
	}
	msgs := u.body["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
		t.Errorf("messages = %v, want system context first", msgs)
	}
}

func TestProvider_ResponsesRequestShape(t *testing.T) {
	u, p := newUpstream(t, "data: {\"type\":\"response.completed\",\"response\":{\"status\":\"completed\"}}\n\n")

	params := provider.NewBuilder(nil).Build(provider.RequestConfig{Model: "gpt-4o", Temperature: ptr(0.7), MaxTokens: ptr(100), Streaming: true})
	ch, err := p.Stream(context.Background(), &domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}}, params)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if deltas := collect(t, ch); len(deltas) != 0 {
		t.Errorf("deltas = %+v, want none without usage", deltas)
	}

	if u.path != "/responses" {
		t.Errorf("path = %s", u.path)
	}
	if _, ok := u.body["temperature"]; ok {
		t.Errorf("temperature sent to responses family: %v", u.body)
	}
	if u.body["max_output_tokens"] != float64(100) || u.body["stream"] != true {
		t.Errorf("body = %v", u.body)
	}
}

func TestProvider_StreamFailures(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		reply   string
		want    string
		message string
	}{
		{
			name:    "response failed",
			model:   "o1",
			reply:   "data: {\"type\":\"response.output_text.delta\",\"delta\":\"par\"}\n\ndata: {\"type\":\"response.failed\",\"response\":{\"status\":\"failed\",\"error\":{\"code\":\"server_error\",\"message\":\"model crashed\"}}}\n\n",
			want:    "content,err",
			message: "model crashed",
		},
		{
			name:    "error event",
			model:   "gpt-5",
			reply:   "data: {\"type\":\"error\",\"code\":\"rate_limit_exceeded\",\"message\":\"too fast\"}\n\n",
			want:    "err",
			message: "too fast",
		},
		{
			name:  "raw chunk",
			model: "gpt-3.5-turbo",
			reply: "data: legacy text\n\ndata: [DONE]\n\n",
			want:  "raw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p := newUpstream(t, tt.reply)
			params := provider.NewBuilder(nil).Build(provider.RequestConfig{Model: tt.model, Streaming: true})

			ch, err := p.Stream(context.Background(), &domain.ChatRequest{}, params)
			if err != nil {
				t.Fatalf("Stream() error = %v", err)
			}
			deltas := collect(t, ch)
			if got := kinds(deltas); got != tt.want {
				t.Fatalf("kinds = %s, want %s", got, tt.want)
			}
			last := deltas[len(deltas)-1]
			if tt.message != "" && !strings.Contains(last.Err.Error(), tt.message) {
				t.Errorf("error = %v, want %q", last.Err, tt.message)
			}
			if tt.message == "" && string(last.Raw) != "legacy text" {
				t.Errorf("raw = %q", last.Raw)
			}
		})
	}
}

func TestProvider_StreamStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"%d \"}}]}\n\n", i); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	p := New("sk-test", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	params := provider.NewBuilder(nil).Build(provider.RequestConfig{Model: "gpt-3.5-turbo", Streaming: true})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Stream(ctx, &domain.ChatRequest{}, params)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	<-ch
	cancel()

	// collect fails the test if the channel is not closed promptly.
	collect(t, ch)
}

func TestFactory(t *testing.T) {
	reg := provider.NewRegistry()
	Register(reg)

	if err := reg.Err(); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := reg.Types(); len(got) != 2 || got[0] != ProviderType || got[1] != ProviderTypeCompatible {
		t.Errorf("Types() = %v", got)
	}

	p, err := reg.Create(config.ProviderConfig{Type: ProviderType, APIKey: "sk"}, nil)
	if err != nil {
		t.Fatalf("Create(openai) error = %v", err)
	}
	if p.Name() != ProviderType {
		t.Errorf("Name() = %q", p.Name())
	}

	if _, err := reg.Create(config.ProviderConfig{Type: ProviderTypeCompatible, APIKey: "sk"}, nil); err == nil {
		t.Error("Create(openai-compatible) without base_url should fail")
	}
	if _, err := reg.Create(config.ProviderConfig{Type: ProviderType, BaseURL: "ftp://x"}, nil); err == nil {
		t.Error("Create() with a non-http base_url should fail")
	}

	p, err = reg.Create(config.ProviderConfig{Type: ProviderTypeCompatible, BaseURL: "http://localhost:11434/v1"}, nil)
	if err != nil {
		t.Fatalf("Create(openai-compatible) error = %v", err)
	}
	if p.Name() != ProviderTypeCompatible {
		t.Errorf("Name() = %q", p.Name())
	}
}
