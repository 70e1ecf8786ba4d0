package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/provider"
	"github.com/tjfontaine/assistd/internal/storage"
	"github.com/tjfontaine/assistd/internal/stream"
	"github.com/tjfontaine/assistd/internal/telemetry"
	"github.com/tjfontaine/assistd/internal/wire"
)

const maxRequestBody = 10 << 20

// exchange is one chat request after model selection and parameter
// building.
type exchange struct {
	req     *domain.ChatRequest
	model   string
	family  provider.Family
	params  domain.OutboundParams
	started time.Time
}

func (s *Server) newExchange(req *domain.ChatRequest) *exchange {
	model := req.Model
	if model == "" {
		model = s.model.ID
	}
	return &exchange{
		req:    req,
		model:  model,
		family: s.builder.Resolver().Classify(model).Family,
		params: s.builder.Build(provider.RequestConfig{
			Model:       model,
			Temperature: s.model.Temperature,
			MaxTokens:   s.model.MaxTokens,
			Streaming:   req.Stream,
		}),
		started: time.Now(),
	}
}

func decodeChatRequest(data []byte) (*domain.ChatRequest, error) {
	var req domain.ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if len(req.Messages) == 0 {
		return nil, domain.ErrInvalidRequest("messages must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("messages[%d].role is required", i))
		}
	}
	return &req, nil
}

// handleChat serves POST /v1/chat. With "stream": true the response is an
// SSE stream ending in exactly one done or error frame; otherwise a single
// JSON body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, r, domain.ErrInvalidRequest(fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	req, err := decodeChatRequest(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.UserAgent = r.UserAgent()

	ex := s.newExchange(req)
	AddLogField(r.Context(), "model", ex.model)
	AddLogField(r.Context(), "family", string(ex.family))

	if !req.Stream {
		s.complete(w, r, ex)
		return
	}

	emitter, err := wire.NewSSEEmitter(w)
	if err != nil {
		// Headers are already sent; nothing more can be reported.
		AddError(r.Context(), err)
		return
	}
	s.runStream(r.Context(), ex, emitter)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, ex *exchange) {
	ctx, span := telemetry.StartStream(r.Context(), ex.model, string(ex.family), false)
	ctx, cancel := withRequestTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.provider.Complete(ctx, ex.req, ex.params)

	it := s.interaction(r.Context(), ex)
	if err != nil {
		it.Status = storage.StatusFailed
		if errors.Is(err, context.Canceled) {
			it.Status = storage.StatusCancelled
		}
		it.Error = err.Error()
		span.End(string(it.Status), 0, 0, err)
		s.record(r.Context(), it)
		writeError(w, r, err)
		return
	}

	it.Status = storage.StatusCompleted
	it.ContentChars = len(resp.Content)
	if u, ok := resp.Metadata["usage"].(*domain.Usage); ok {
		it.Usage = u
	} else if s.estimator != nil {
		it.Usage = s.estimator.Usage(ex.model, ex.req.Conversation(), resp.Content)
	}
	if _, ok := resp.Metadata["reasoning"]; ok {
		it.ReasoningBlocks = 1
	}
	span.End(string(it.Status), 1, it.ReasoningBlocks, nil)
	s.record(r.Context(), it)

	writeJSON(w, http.StatusOK, resp)
}

// runStream drives one upstream stream through an assembler into emitter.
// A provider that fails before producing a stream still yields exactly one
// error event.
func (s *Server) runStream(ctx context.Context, ex *exchange, emitter wire.Emitter) {
	ctx, span := telemetry.StartStream(ctx, ex.model, string(ex.family), true)

	var opts []stream.Option
	if s.estimator != nil {
		opts = append(opts, stream.WithUsageEstimate(s.estimator, ex.model, ex.req.Conversation()))
	}
	asm := stream.NewAssembler(opts...)

	events := 0
	emit := func(ev domain.StreamEvent) error {
		events++
		return emitter.Emit(ev)
	}

	var err error
	deltas, streamErr := s.provider.Stream(ctx, ex.req, ex.params)
	switch {
	case streamErr != nil && ctx.Err() != nil:
		asm.Abandon()
		err = fmt.Errorf("%w: %w", stream.ErrStreamAbandoned, ctx.Err())
	case streamErr != nil:
		err = streamErr
		for _, ev := range asm.Fail(streamErr) {
			if emitErr := emit(ev); emitErr != nil {
				asm.Abandon()
				err = fmt.Errorf("%w: %w", stream.ErrStreamAbandoned, emitErr)
				break
			}
		}
	default:
		err = asm.Run(ctx, deltas, emit)
	}

	it := s.interaction(ctx, ex)
	stats := asm.Stats()
	it.ContentChars = stats.ContentChars
	it.ReasoningBlocks = stats.ReasoningBlocks
	it.Usage = stats.Usage

	switch {
	case errors.Is(err, stream.ErrStreamAbandoned):
		it.Status = storage.StatusCancelled
		s.logger.Debug("stream abandoned",
			slog.String("request_id", it.RequestID),
			slog.String("reason", err.Error()),
		)
		// A disconnect is not an error for the span.
		err = nil
	case err != nil:
		it.Status = storage.StatusFailed
		it.Error = err.Error()
		AddError(ctx, err)
	default:
		it.Status = storage.StatusCompleted
	}

	span.End(string(it.Status), events, stats.ReasoningBlocks, err)
	s.record(ctx, it)
}

func (s *Server) interaction(ctx context.Context, ex *exchange) *storage.Interaction {
	return &storage.Interaction{
		RequestID: GetRequestID(ctx),
		Model:     ex.model,
		Family:    string(ex.family),
		Streaming: ex.req.Stream,
		Duration:  time.Since(ex.started),
	}
}

// record stores the interaction. Failures are logged and never reach the
// client; the request context may already be cancelled.
func (s *Server) record(ctx context.Context, it *storage.Interaction) {
	if err := s.store.Record(context.WithoutCancel(ctx), it); err != nil {
		s.logger.Warn("failed to record interaction",
			slog.String("request_id", it.RequestID),
			slog.String("error", err.Error()),
		)
		return
	}
	AddLogField(ctx, "interaction_id", it.ID)
}

// handleChatWebSocket serves GET /v1/chat/ws. The first client message is
// the chat request; each event is sent as one message and the connection
// is closed after the terminal event.
func (s *Server) handleChatWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		AddError(r.Context(), err)
		return
	}
	emitter := wire.NewWebSocketEmitter(conn)
	defer emitter.Close()

	conn.SetReadLimit(maxRequestBody)
	_, data, err := conn.ReadMessage()
	if err != nil {
		AddError(r.Context(), err)
		return
	}

	req, err := decodeChatRequest(data)
	if err != nil {
		_ = emitter.Emit(domain.ErrorEvent(err.Error()))
		return
	}
	req.Stream = true
	req.UserAgent = r.UserAgent()

	// A hijacked connection does not cancel the request context, so watch
	// for the client closing the socket.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ex := s.newExchange(req)
	AddLogField(r.Context(), "model", ex.model)
	AddLogField(r.Context(), "family", string(ex.family))
	s.runStream(ctx, ex, emitter)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, r, domain.NewAPIError(domain.ErrorTypeNotFound, "lifecycle status is not available"))
		return
	}
	st, err := s.status.Read()
	if err != nil {
		writeError(w, r, domain.ErrServer(err.Error()))
		return
	}
	if st == nil {
		writeError(w, r, domain.NewAPIError(domain.ErrorTypeNotFound, "no status has been written"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type interactionList struct {
	Object string                 `json:"object"`
	Data   []*storage.Interaction `json:"data"`
}

func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	var opts storage.ListOptions
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, domain.ErrInvalidRequest("limit must be a non-negative integer"))
			return
		}
		opts.Limit = n
	}

	items, err := s.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, r, domain.ErrServer(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, interactionList{Object: "list", Data: items})
}

func (s *Server) handleGetInteraction(w http.ResponseWriter, r *http.Request) {
	it, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, domain.NewAPIError(domain.ErrorTypeNotFound, err.Error()))
		return
	}
	if err != nil {
		writeError(w, r, domain.ErrServer(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, it)
}
