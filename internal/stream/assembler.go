// Package stream turns the ordered deltas of one upstream response into the
// typed events sent to a client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tjfontaine/assistd/internal/domain"
)

// ErrStreamAbandoned is returned by Run when the client went away before
// the stream finished. No terminal event is emitted in that case.
var ErrStreamAbandoned = errors.New("stream abandoned")

// State is the lifecycle state of one stream.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDone
	StateFailed
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further events can be produced.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAbandoned
}

// UsageEstimator computes usage locally when the upstream reports none.
type UsageEstimator interface {
	Usage(model string, prompt []domain.Message, completion string) *domain.Usage
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithUsageEstimate makes Done carry an estimated usage when the upstream
// sent none.
func WithUsageEstimate(est UsageEstimator, model string, prompt []domain.Message) Option {
	return func(a *Assembler) {
		a.estimator = est
		a.model = model
		a.prompt = prompt
	}
}

// Stats summarises what a stream produced.
type Stats struct {
	ContentChars    int
	ReasoningBlocks int
	Markers         int
	Usage           *domain.Usage
}

// Assembler is the per-stream state machine. Content passes through in
// order; reasoning fragments are held until the block ends and are then
// emitted as a single Reasoning event. A block ends when the upstream
// switches to any other delta kind, sends an explicit reasoning end, or the
// stream finishes.
//
// An Assembler belongs to one stream and is not safe for concurrent use.
type Assembler struct {
	state  State
	buffer []string

	usage      *domain.Usage
	completion strings.Builder
	stats      Stats

	estimator UsageEstimator
	model     string
	prompt    []domain.Message
}

// NewAssembler creates an idle assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current state.
func (a *Assembler) State() State {
	return a.state
}

// BufferLen returns the number of reasoning fragments waiting for a flush.
func (a *Assembler) BufferLen() int {
	return len(a.buffer)
}

// Stats returns counters for the events produced so far.
func (a *Assembler) Stats() Stats {
	s := a.stats
	s.Usage = a.usage
	return s
}

// Push consumes one delta and returns the events it produces, in order.
// A delta carrying an error fails the stream.
func (a *Assembler) Push(d domain.Delta) []domain.StreamEvent {
	if a.state.Terminal() {
		return nil
	}
	a.state = StateStreaming

	if d.Err != nil {
		return a.Fail(d.Err)
	}

	switch d.Kind {
	case domain.DeltaReasoning:
		if d.Text != "" {
			a.buffer = append(a.buffer, d.Text)
		}
		return nil

	case domain.DeltaReasoningEnd:
		return a.flush(nil)

	case domain.DeltaContent:
		return a.flush(a.content(d.Text))

	case domain.DeltaMarker:
		events := a.flush(nil)
		if d.Marker != nil {
			a.stats.Markers++
			events = append(events, domain.MarkerEvent(*d.Marker))
		}
		return events

	case domain.DeltaUsage:
		if d.Usage != nil {
			u := *d.Usage
			a.usage = &u
		}
		return a.flush(nil)

	default:
		// Raw or unknown deltas are passed on as text so nothing is lost.
		text := d.Text
		if len(d.Raw) > 0 {
			text = string(d.Raw)
		}
		return a.flush(a.content(text))
	}
}

// Complete ends the stream normally: any pending reasoning is flushed and
// exactly one Done event follows.
func (a *Assembler) Complete() []domain.StreamEvent {
	if a.state.Terminal() {
		return nil
	}

	events := a.flush(nil)
	a.state = StateDone

	usage := a.usage
	if usage == nil && a.estimator != nil {
		usage = a.estimator.Usage(a.model, a.prompt, a.completion.String())
		a.usage = usage
	}
	return append(events, domain.DoneEvent(usage))
}

// Fail ends the stream with an upstream error: pending reasoning is
// flushed and exactly one Error event follows.
func (a *Assembler) Fail(err error) []domain.StreamEvent {
	if a.state.Terminal() {
		return nil
	}

	events := a.flush(nil)
	a.state = StateFailed

	msg := "upstream stream failed"
	if err != nil {
		msg = err.Error()
	}
	return append(events, domain.ErrorEvent(msg))
}

// Abandon drops the stream without emitting anything. Pending reasoning is
// released.
func (a *Assembler) Abandon() {
	if a.state.Terminal() {
		return
	}
	a.buffer = nil
	a.state = StateAbandoned
}

// Run drives the assembler from deltas until the channel closes, a delta
// carries an error, or ctx is done. Each event is passed to emit as soon as
// it is produced. An emit failure is treated as a client disconnect.
//
// Run returns nil after Done, the upstream error after Error, and an error
// wrapping ErrStreamAbandoned when the stream was abandoned.
func (a *Assembler) Run(ctx context.Context, deltas <-chan domain.Delta, emit func(domain.StreamEvent) error) error {
	for {
		select {
		case <-ctx.Done():
			return a.abandon(ctx.Err())

		case d, ok := <-deltas:
			// Providers close their channel on cancellation, so a closed or
			// buffered channel can win the select after the client left.
			if err := ctx.Err(); err != nil {
				return a.abandon(err)
			}

			var events []domain.StreamEvent
			if ok {
				events = a.Push(d)
			} else {
				events = a.Complete()
			}

			for _, ev := range events {
				if err := emit(ev); err != nil {
					return a.abandon(err)
				}
			}

			switch {
			case !ok || a.state == StateDone:
				return nil
			case a.state == StateFailed:
				return d.Err
			}
		}
	}
}

func (a *Assembler) abandon(cause error) error {
	a.Abandon()
	return fmt.Errorf("%w: %w", ErrStreamAbandoned, cause)
}

func (a *Assembler) content(text string) []domain.StreamEvent {
	if text == "" {
		return nil
	}
	a.stats.ContentChars += len(text)
	a.completion.WriteString(text)
	return []domain.StreamEvent{domain.ContentEvent(text)}
}

// flush emits the buffered reasoning block, if any, ahead of next.
func (a *Assembler) flush(next []domain.StreamEvent) []domain.StreamEvent {
	if len(a.buffer) == 0 {
		return next
	}

	text := strings.Join(a.buffer, "")
	a.buffer = a.buffer[:0]
	a.stats.ReasoningBlocks++

	return append([]domain.StreamEvent{domain.ReasoningEvent(text)}, next...)
}
