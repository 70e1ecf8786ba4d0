package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/tjfontaine/assistd/internal/domain"
	"github.com/tjfontaine/assistd/internal/lifecycle"
)

// errReported is returned after a failure has already been printed.
var errReported = errors.New("failed")

// renderer prints stream events and status records for a terminal.
type renderer struct {
	out  io.Writer
	err  io.Writer
	json bool

	dim    *color.Color
	tool   *color.Color
	bad    *color.Color
	good   *color.Color
	notice *color.Color

	midLine bool
}

func newRenderer(out, errOut io.Writer, noColor, asJSON bool) *renderer {
	if noColor {
		color.NoColor = true
	}
	return &renderer{
		out:    out,
		err:    errOut,
		json:   asJSON,
		dim:    color.New(color.FgHiBlack),
		tool:   color.New(color.FgYellow),
		bad:    color.New(color.FgRed, color.Bold),
		good:   color.New(color.FgGreen, color.Bold),
		notice: color.New(color.FgYellow, color.Bold),
	}
}

// Event prints one stream event. An error event is printed and returned.
func (r *renderer) Event(ev domain.StreamEvent) error {
	if r.json {
		b, _ := json.Marshal(ev)
		fmt.Fprintln(r.out, string(b))
		if ev.Type == domain.EventError {
			return errReported
		}
		return nil
	}

	switch ev.Type {
	case domain.EventContent:
		fmt.Fprint(r.out, ev.Content)
		r.midLine = true
	case domain.EventReasoning:
		r.newline()
		fmt.Fprintln(r.out, r.dim.Sprint(ev.Content))
	case domain.EventMarker:
		r.newline()
		label := "→ " + ev.MarkerType
		if ev.TaskType != "" {
			label += " " + ev.TaskType
		}
		fmt.Fprintln(r.out, r.tool.Sprint(label))
	case domain.EventDone:
		r.newline()
		if u := ev.Usage; u != nil {
			note := fmt.Sprintf("%d prompt + %d completion = %d tokens", u.PromptTokens, u.CompletionTokens, u.TotalTokens)
			if u.Estimated {
				note += " (estimated)"
			}
			fmt.Fprintln(r.err, r.dim.Sprint(note))
		}
	case domain.EventError:
		r.newline()
		fmt.Fprintln(r.err, r.bad.Sprint("error: ")+ev.Message)
		return errReported
	}
	return nil
}

func (r *renderer) newline() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

// Status prints a lifecycle record.
func (r *renderer) Status(st *lifecycle.Status) {
	if r.json {
		b, _ := json.Marshal(st)
		fmt.Fprintln(r.out, string(b))
		return
	}

	var label string
	switch st.State {
	case lifecycle.StateReady:
		label = r.good.Sprint(st.State)
	case lifecycle.StateError:
		label = r.bad.Sprint(st.State)
	default:
		label = r.notice.Sprint(st.State)
	}

	fmt.Fprintf(r.out, "%s", label)
	if st.Port != 0 {
		fmt.Fprintf(r.out, "  port=%d", st.Port)
	}
	if st.PID != 0 {
		fmt.Fprintf(r.out, "  pid=%d", st.PID)
	}
	fmt.Fprintln(r.out, r.dim.Sprintf("  (%s)", st.UpdatedAt.Format("2006-01-02 15:04:05")))
	if st.Error != "" {
		fmt.Fprintln(r.out, "  "+st.Error)
	}
}
