package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FileContext describes the file open in the user's editor.
type FileContext struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// ChatContext carries optional editor state alongside a chat request.
type ChatContext struct {
	CurrentFile *FileContext `json:"current_file,omitempty"`
}

// ChatRequest is the body accepted by the chat endpoint.
type ChatRequest struct {
	Messages []Message   `json:"messages"`
	Context  *ChatContext `json:"context,omitempty"`
	Stream   bool         `json:"stream"`
	// Model overrides the configured default model when set.
	Model string `json:"model,omitempty"`
	// UserAgent is the User-Agent header from the incoming request.
	// Providers forward it upstream for traceability.
	UserAgent string `json:"-"`
}

// Conversation returns the messages to send upstream. When the request
// carries an open file, a system message describing it is placed first.
func (r *ChatRequest) Conversation() []Message {
	if r.Context == nil || r.Context.CurrentFile == nil {
		return r.Messages
	}

	out := make([]Message, 0, len(r.Messages)+1)
	out = append(out, Message{Role: "system", Content: r.Context.CurrentFile.Prompt()})
	return append(out, r.Messages...)
}

// Prompt renders the file as context for the model.
func (f *FileContext) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user is working on the file %s", f.Path)
	if f.Language != "" {
		fmt.Fprintf(&b, " (%s)", f.Language)
	}
	b.WriteString(". Its current contents:\n```")
	b.WriteString(f.Language)
	b.WriteString("\n")
	b.WriteString(f.Content)
	if !strings.HasSuffix(f.Content, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```")
	return b.String()
}

// ChatResponse is the non-streaming response body.
type ChatResponse struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// Estimated is set when the numbers were computed locally because the
	// upstream did not report usage.
	Estimated bool `json:"estimated,omitempty"`
}

// DeltaKind tags an upstream delta. The tag comes from the upstream wire
// format; the assembler never infers it from the text.
type DeltaKind string

const (
	DeltaContent      DeltaKind = "content"
	DeltaReasoning    DeltaKind = "reasoning"
	DeltaReasoningEnd DeltaKind = "reasoning_end"
	DeltaMarker       DeltaKind = "marker"
	DeltaUsage        DeltaKind = "usage"
	// DeltaRaw carries a payload the provider could not classify.
	DeltaRaw DeltaKind = "raw"
)

// Marker is an out-of-band signal inside a stream, such as the start of a
// tool call.
type Marker struct {
	Type     string `json:"marker_type"`
	TaskType string `json:"task_type,omitempty"`
}

// Delta is one ordered unit produced by an upstream provider.
// A delta with a non-nil Err terminates the stream.
type Delta struct {
	Kind   DeltaKind
	Text   string
	Marker *Marker
	Usage  *Usage
	Raw    json.RawMessage
	Err    error
}

// EventType identifies the shape of a StreamEvent.
type EventType string

const (
	EventContent   EventType = "content"
	EventReasoning EventType = "reasoning"
	EventMarker    EventType = "marker"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// StreamEvent is one typed event sent to the client.
type StreamEvent struct {
	Type       EventType `json:"type"`
	Content    string    `json:"content,omitempty"`
	MarkerType string    `json:"marker_type,omitempty"`
	TaskType   string    `json:"task_type,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
	Message    string    `json:"message,omitempty"`
}

func ContentEvent(text string) StreamEvent {
	return StreamEvent{Type: EventContent, Content: text}
}

func ReasoningEvent(text string) StreamEvent {
	return StreamEvent{Type: EventReasoning, Content: text}
}

func MarkerEvent(m Marker) StreamEvent {
	return StreamEvent{Type: EventMarker, MarkerType: m.Type, TaskType: m.TaskType}
}

func DoneEvent(usage *Usage) StreamEvent {
	return StreamEvent{Type: EventDone, Usage: usage}
}

func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}

// Terminal reports whether the event ends a stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Text returns the human-readable payload of the event, if any.
func (e StreamEvent) Text() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Message
}

// OutboundParams are the provider call parameters produced by the request
// builder. Base carries transport-level parameters, Extra carries
// family-specific options.
type OutboundParams struct {
	Base  map[string]any
	Extra map[string]any
}
