package openai

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	openaiapi "github.com/tjfontaine/assistd/internal/api/openai"
	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/provider"
)

// MarkerToolCall is the marker type emitted when the model starts a tool call.
const MarkerToolCall = "tool_call"

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithBaseURL(baseURL))
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithHTTPClient(httpClient))
	}
}

// WithMaxRetries sets the retry budget for connection and 5xx failures.
func WithMaxRetries(n int) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithMaxRetries(n))
	}
}

// WithRetryInterval sets the initial retry backoff.
func WithRetryInterval(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.clientOpts = append(p.clientOpts, openaiapi.WithRetryInterval(d))
	}
}

// WithResolver sets the family resolver used to pick the endpoint.
func WithResolver(r *provider.Resolver) ProviderOption {
	return func(p *Provider) {
		p.resolver = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
		p.clientOpts = append(p.clientOpts, openaiapi.WithLogger(logger))
	}
}

// WithName overrides the provider name reported by Name.
func WithName(name string) ProviderOption {
	return func(p *Provider) {
		p.name = name
	}
}

// Provider implements domain.Provider against OpenAI and compatible APIs.
// The model's family decides whether the Responses or the Chat Completions
// endpoint is used.
type Provider struct {
	client     *openaiapi.Client
	clientOpts []openaiapi.ClientOption
	resolver   *provider.Resolver
	logger     *slog.Logger
	name       string
}

// New creates a new OpenAI provider.
func New(apiKey string, opts ...ProviderOption) *Provider {
	p := &Provider{
		name:     ProviderType,
		resolver: provider.NewResolver(),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.client = openaiapi.NewClient(apiKey, p.clientOpts...)
	p.clientOpts = nil
	return p
}

func (p *Provider) Name() string {
	return p.name
}

// Complete handles a unary request.
func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest, params domain.OutboundParams) (*domain.ChatResponse, error) {
	model := provider.ParamString(params, provider.KeyModel)
	profile := p.resolver.Classify(model)
	opts := &openaiapi.RequestOptions{UserAgent: req.UserAgent}

	if profile.Family == provider.FamilyResponses {
		resp, err := p.client.CreateResponse(ctx, toResponsesRequest(req, params), opts)
		if err != nil {
			return nil, err
		}
		return responseToChat(resp, profile.Family), nil
	}

	resp, err := p.client.CreateChatCompletion(ctx, toChatRequest(req, params), opts)
	if err != nil {
		return nil, err
	}
	return chatToChat(resp, profile.Family), nil
}

// Stream returns ordered deltas for a streaming request. The returned
// channel is closed when the upstream ends, fails, or ctx is done.
func (p *Provider) Stream(ctx context.Context, req *domain.ChatRequest, params domain.OutboundParams) (<-chan domain.Delta, error) {
	model := provider.ParamString(params, provider.KeyModel)
	profile := p.resolver.Classify(model)
	opts := &openaiapi.RequestOptions{UserAgent: req.UserAgent}

	p.logger.Debug("opening upstream stream",
		slog.String("model", model),
		slog.String("family", string(profile.Family)),
	)

	out := make(chan domain.Delta)

	if profile.Family == provider.FamilyResponses {
		stream, err := p.client.StreamResponse(ctx, toResponsesRequest(req, params), opts)
		if err != nil {
			return nil, err
		}
		go func() {
			defer close(out)
			for result := range stream {
				if !forwardResponseEvent(ctx, out, result) {
					return
				}
			}
		}()
		return out, nil
	}

	stream, err := p.client.StreamChatCompletion(ctx, toChatRequest(req, params), opts)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(out)
		for result := range stream {
			if !forwardChatChunk(ctx, out, result) {
				return
			}
		}
	}()
	return out, nil
}

// send delivers d unless ctx is done first.
func send(ctx context.Context, out chan<- domain.Delta, d domain.Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// forwardChatChunk maps one chat-completions chunk to deltas. It returns
// false when the stream must stop.
func forwardChatChunk(ctx context.Context, out chan<- domain.Delta, result openaiapi.StreamResult) bool {
	if result.Err != nil {
		send(ctx, out, domain.Delta{Err: result.Err})
		return false
	}
	if result.Chunk == nil {
		return send(ctx, out, domain.Delta{Kind: domain.DeltaRaw, Raw: result.Raw})
	}

	chunk := result.Chunk
	if len(chunk.Choices) > 0 {
		delta := chunk.Choices[0].Delta

		if delta.ReasoningContent != "" {
			if !send(ctx, out, domain.Delta{Kind: domain.DeltaReasoning, Text: delta.ReasoningContent}) {
				return false
			}
		}
		for _, tc := range delta.ToolCalls {
			// Only the first fragment of a call carries the function name.
			if tc.Function == nil || tc.Function.Name == "" {
				continue
			}
			marker := &domain.Marker{Type: MarkerToolCall, TaskType: tc.Function.Name}
			if !send(ctx, out, domain.Delta{Kind: domain.DeltaMarker, Marker: marker}) {
				return false
			}
		}
		if delta.Content != "" {
			if !send(ctx, out, domain.Delta{Kind: domain.DeltaContent, Text: delta.Content}) {
				return false
			}
		}
	}

	if chunk.Usage != nil {
		return send(ctx, out, domain.Delta{Kind: domain.DeltaUsage, Usage: chunk.Usage.ToDomain()})
	}
	return true
}

// forwardResponseEvent maps one Responses stream event to deltas. It
// returns false when the stream must stop.
func forwardResponseEvent(ctx context.Context, out chan<- domain.Delta, result openaiapi.ResponseStreamResult) bool {
	if result.Err != nil {
		send(ctx, out, domain.Delta{Err: result.Err})
		return false
	}
	if result.Event == nil {
		return send(ctx, out, domain.Delta{Kind: domain.DeltaRaw, Raw: result.Raw})
	}

	ev := result.Event
	switch ev.Type {
	case openaiapi.EventOutputTextDelta:
		if ev.Delta == "" {
			return true
		}
		return send(ctx, out, domain.Delta{Kind: domain.DeltaContent, Text: ev.Delta})

	case openaiapi.EventReasoningSummaryDelta, openaiapi.EventReasoningTextDelta:
		if ev.Delta == "" {
			return true
		}
		return send(ctx, out, domain.Delta{Kind: domain.DeltaReasoning, Text: ev.Delta})

	case openaiapi.EventReasoningSummaryDone, openaiapi.EventReasoningTextDone:
		return send(ctx, out, domain.Delta{Kind: domain.DeltaReasoningEnd})

	case openaiapi.EventOutputItemAdded:
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return true
		}
		marker := &domain.Marker{Type: MarkerToolCall, TaskType: ev.Item.Name}
		return send(ctx, out, domain.Delta{Kind: domain.DeltaMarker, Marker: marker})

	case openaiapi.EventCompleted, openaiapi.EventIncomplete:
		if ev.Response == nil || ev.Response.Usage == nil {
			return true
		}
		return send(ctx, out, domain.Delta{Kind: domain.DeltaUsage, Usage: ev.Response.Usage.ToDomain()})

	case openaiapi.EventFailed:
		apiErr := domain.ErrServer("response failed")
		if ev.Response != nil && ev.Response.Error != nil {
			apiErr = ev.Response.Error.ToCanonical()
		}
		send(ctx, out, domain.Delta{Err: apiErr})
		return false

	case openaiapi.EventError:
		e := &openaiapi.APIError{Code: ev.Code, Message: ev.Message, Type: "server_error"}
		send(ctx, out, domain.Delta{Err: e.ToCanonical()})
		return false
	}

	// Lifecycle events (created, in_progress, content_part.*) carry nothing
	// for the client.
	return true
}

func toChatRequest(req *domain.ChatRequest, params domain.OutboundParams) *openaiapi.ChatCompletionRequest {
	msgs := req.Conversation()
	messages := make([]openaiapi.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		messages[i] = openaiapi.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:    provider.ParamString(params, provider.KeyModel),
		Messages: messages,
		Stream:   provider.ParamBool(params, provider.KeyStream),
	}
	if t, ok := provider.ParamFloat(params, provider.KeyTemperature); ok {
		apiReq.Temperature = &t
	}
	if n, ok := provider.ParamInt(params, provider.KeyMaxTokens); ok {
		apiReq.MaxTokens = n
	}
	if provider.ParamBool(params, provider.KeyUsageInStream) {
		apiReq.StreamOptions = &openaiapi.StreamOptions{IncludeUsage: true}
	}
	return apiReq
}

func toResponsesRequest(req *domain.ChatRequest, params domain.OutboundParams) *openaiapi.ResponsesRequest {
	msgs := req.Conversation()
	input := make([]openaiapi.ResponseInput, len(msgs))
	for i, m := range msgs {
		input[i] = openaiapi.ResponseInput{Role: m.Role, Content: m.Content}
	}

	apiReq := &openaiapi.ResponsesRequest{
		Model:  provider.ParamString(params, provider.KeyModel),
		Input:  input,
		Stream: provider.ParamBool(params, provider.KeyStream),
	}
	// Temperature is absent for this family unless the builder was given a
	// custom profile that allows it.
	if t, ok := provider.ParamFloat(params, provider.KeyTemperature); ok {
		apiReq.Temperature = &t
	}
	if n, ok := provider.ParamInt(params, provider.KeyMaxTokens); ok {
		apiReq.MaxOutputTokens = n
	}
	return apiReq
}

func chatToChat(resp *openaiapi.ChatCompletionResponse, family provider.Family) *domain.ChatResponse {
	out := &domain.ChatResponse{Metadata: map[string]any{
		"model":  resp.Model,
		"family": string(family),
	}}
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		out.Content = msg.Content
		if msg.ReasoningContent != "" {
			out.Metadata["reasoning"] = msg.ReasoningContent
		}
		out.Metadata["finish_reason"] = resp.Choices[0].FinishReason
	}
	if u := resp.Usage.ToDomain(); u != nil {
		out.Metadata["usage"] = u
	}
	return out
}

func responseToChat(resp *openaiapi.Response, family provider.Family) *domain.ChatResponse {
	out := &domain.ChatResponse{
		Content: resp.OutputText(),
		Metadata: map[string]any{
			"model":  resp.Model,
			"family": string(family),
		},
	}
	if r := resp.ReasoningText(); r != "" {
		out.Metadata["reasoning"] = r
	}
	if u := resp.Usage.ToDomain(); u != nil {
		out.Metadata["usage"] = u
	}
	return out
}
