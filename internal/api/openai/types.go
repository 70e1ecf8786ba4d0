// Package openai provides wire types and an HTTP client for the two OpenAI
// API surfaces assistd talks to: Chat Completions and Responses.
package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/assistd/internal/domain"
)

// ChatCompletionRequest represents an OpenAI chat completion request.
type ChatCompletionRequest struct {
	Model         string                  `json:"model"`
	Messages      []ChatCompletionMessage `json:"messages"`
	MaxTokens     int                     `json:"max_tokens,omitempty"`
	Temperature   *float64                `json:"temperature,omitempty"`
	Stream        bool                    `json:"stream,omitempty"`
	StreamOptions *StreamOptions          `json:"stream_options,omitempty"`
	User          string                  `json:"user,omitempty"`
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatCompletionMessage represents a message in the chat completion request/response.
type ChatCompletionMessage struct {
	Role             string     `json:"role"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a tool call made by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall represents a function call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse represents an OpenAI chat completion response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToDomain converts chat usage to the shared usage type.
func (u *Usage) ToDomain() *domain.Usage {
	if u == nil {
		return nil
	}
	return &domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// ChatCompletionChunk represents a streaming chunk.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice represents a choice in a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta represents the delta content in a streaming chunk.
// ReasoningContent is sent by reasoning models served through
// chat-completions compatible APIs.
type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallChunk `json:"tool_calls,omitempty"`
}

// ToolCallChunk represents a partial tool call in streaming.
type ToolCallChunk struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallChunk `json:"function,omitempty"`
}

// FunctionCallChunk represents a partial function call.
type FunctionCallChunk struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponsesRequest is a request to the Responses API.
type ResponsesRequest struct {
	Model           string          `json:"model"`
	Input           []ResponseInput `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Reasoning       *ReasoningParam `json:"reasoning,omitempty"`
	User            string          `json:"user,omitempty"`
}

// ResponseInput is one input message.
type ResponseInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ReasoningParam asks reasoning models for a summary of their reasoning.
type ReasoningParam struct {
	Summary string `json:"summary,omitempty"`
}

// Response is a Responses API response object.
type Response struct {
	ID     string          `json:"id"`
	Object string          `json:"object"`
	Status string          `json:"status"`
	Model  string          `json:"model"`
	Output []OutputItem    `json:"output"`
	Usage  *ResponsesUsage `json:"usage,omitempty"`
	Error  *APIError       `json:"error,omitempty"`
}

// OutputText concatenates all output_text parts of message items.
func (r *Response) OutputText() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				b.WriteString(part.Text)
			}
		}
	}
	return b.String()
}

// ReasoningText concatenates all reasoning summaries.
func (r *Response) ReasoningText() string {
	var b strings.Builder
	for _, item := range r.Output {
		if item.Type != "reasoning" {
			continue
		}
		for _, part := range item.Summary {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// OutputItem is one entry of a response's output list.
type OutputItem struct {
	ID      string        `json:"id,omitempty"`
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Name    string        `json:"name,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
	Summary []ContentPart `json:"summary,omitempty"`
}

// ContentPart is a text fragment within an output item.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponsesUsage is usage as reported by the Responses API.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToDomain converts responses usage to the shared usage type.
func (u *ResponsesUsage) ToDomain() *domain.Usage {
	if u == nil {
		return nil
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return &domain.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      total,
	}
}

// Responses stream event types handled by assistd.
const (
	EventOutputTextDelta       = "response.output_text.delta"
	EventReasoningSummaryDelta = "response.reasoning_summary_text.delta"
	EventReasoningSummaryDone  = "response.reasoning_summary_text.done"
	EventReasoningTextDelta    = "response.reasoning_text.delta"
	EventReasoningTextDone     = "response.reasoning_text.done"
	EventOutputItemAdded       = "response.output_item.added"
	EventCompleted             = "response.completed"
	EventIncomplete            = "response.incomplete"
	EventFailed                = "response.failed"
	EventError                 = "error"
)

// ResponseStreamEvent is one server-sent event from a streaming Responses
// call. Raw keeps the original payload for event types assistd does not
// interpret.
type ResponseStreamEvent struct {
	Type     string      `json:"type"`
	Delta    string      `json:"delta,omitempty"`
	Text     string      `json:"text,omitempty"`
	Item     *OutputItem `json:"item,omitempty"`
	Response *Response   `json:"response,omitempty"`
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ErrorResponse represents an OpenAI API error response.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ToCanonical converts the OpenAI API error to a canonical domain error.
func (e *APIError) ToCanonical() *domain.APIError {
	errType, code := mapOpenAIErrorType(e.Type, e.Code, e.Message)
	return &domain.APIError{
		Type:    errType,
		Code:    code,
		Message: e.Message,
		Param:   e.Param,
	}
}

// mapOpenAIErrorType maps OpenAI error types/codes to domain error types.
func mapOpenAIErrorType(errType, errCode, message string) (domain.ErrorType, domain.ErrorCode) {
	switch errCode {
	case "context_length_exceeded":
		return domain.ErrorTypeContextLength, domain.ErrorCodeContextLengthExceeded
	case "rate_limit_exceeded":
		return domain.ErrorTypeRateLimit, domain.ErrorCodeRateLimitExceeded
	case "invalid_api_key":
		return domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidAPIKey
	case "model_not_found":
		return domain.ErrorTypeNotFound, domain.ErrorCodeModelNotFound
	}

	msgLower := strings.ToLower(message)
	if strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "context window") {
		return domain.ErrorTypeContextLength, domain.ErrorCodeContextLengthExceeded
	}

	switch errType {
	case "invalid_request_error":
		return domain.ErrorTypeInvalidRequest, ""
	case "authentication_error":
		return domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidAPIKey
	case "permission_denied":
		return domain.ErrorTypePermission, ""
	case "not_found":
		return domain.ErrorTypeNotFound, domain.ErrorCodeModelNotFound
	case "rate_limit_error", "rate_limit_exceeded":
		return domain.ErrorTypeRateLimit, domain.ErrorCodeRateLimitExceeded
	case "service_unavailable":
		return domain.ErrorTypeOverloaded, ""
	default:
		return domain.ErrorTypeServer, ""
	}
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}

// errorFromStatus builds a canonical error for a non-200 response whose
// body could not be parsed as an OpenAI error.
func errorFromStatus(status int, body []byte) *domain.APIError {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}

	var errType domain.ErrorType
	switch {
	case status == http.StatusUnauthorized:
		errType = domain.ErrorTypeAuthentication
	case status == http.StatusForbidden:
		errType = domain.ErrorTypePermission
	case status == http.StatusNotFound:
		errType = domain.ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		errType = domain.ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		errType = domain.ErrorTypeOverloaded
	case status >= 400 && status < 500:
		errType = domain.ErrorTypeInvalidRequest
	default:
		errType = domain.ErrorTypeServer
	}
	return domain.NewAPIError(errType, msg).WithStatusCode(status)
}
