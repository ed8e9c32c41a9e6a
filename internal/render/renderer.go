// Package render drives the typing effect: it pulls fragments from a
// completion stream, redraws a display after each one with a transient
// cursor marker, and ends with one clean final frame.
package render

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/stupiduntilnot/sia/internal/model"
)

const (
	DefaultCursor = "▌"
	DefaultDelay  = 20 * time.Millisecond
)

// Frame is one redraw of the reply being typed. Cursor is the in-progress
// marker shown after Content; it is empty on the final frame and is never
// part of the reply text.
type Frame struct {
	Content string
	Cursor  string
	Final   bool
}

// Display shows frames.
type Display interface {
	Update(Frame) error
}

// DisplayFunc adapts a function to Display.
type DisplayFunc func(Frame) error

func (f DisplayFunc) Update(frame Frame) error {
	return f(frame)
}

// RenderError reports a display failure. The reply text is unaffected.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string {
	return "render failed: " + e.Err.Error()
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// Options configures a Renderer.
type Options struct {
	Cursor string
	Delay  time.Duration
	// Sleep pauses between fragments; time.Sleep when nil.
	Sleep func(time.Duration)
}

// Renderer renders one stream. It is not reusable across replies.
type Renderer struct {
	opts      Options
	display   Display
	buf       strings.Builder
	fragments []string
	renderErr error
	done      bool
}

// New returns a renderer for display. A nil display renders nothing but
// still accumulates the reply.
func New(display Display, opts Options) *Renderer {
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	return &Renderer{opts: opts, display: display}
}

// RenderStream consumes stream to exhaustion and returns the accumulated
// text. A stream error is returned with the text received before it. A
// display failure detaches the display, the stream is still drained, and a
// *RenderError is returned with the full text. Once the stream is done,
// further calls return the same text without reading.
func (r *Renderer) RenderStream(stream model.FragmentStream) (string, error) {
	if r.done {
		return r.Text(), r.renderErr
	}

	var streamErr error
	for {
		fragment, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}
		r.buf.WriteString(fragment)
		r.fragments = append(r.fragments, fragment)
		r.show(Frame{Content: r.buf.String(), Cursor: r.opts.Cursor})
		if r.opts.Delay > 0 {
			r.opts.Sleep(r.opts.Delay)
		}
	}

	text, renderErr := r.Finish()
	if streamErr != nil {
		return text, streamErr
	}
	return text, renderErr
}

// Finish draws the final frame without the cursor. Repeated calls redraw
// the same frame and return the same text.
func (r *Renderer) Finish() (string, error) {
	r.done = true
	r.show(Frame{Content: r.buf.String(), Final: true})
	return r.buf.String(), r.renderErr
}

// Text returns the reply accumulated so far.
func (r *Renderer) Text() string {
	return r.buf.String()
}

// Fragments returns the fragments consumed so far, in arrival order.
func (r *Renderer) Fragments() []string {
	out := make([]string, len(r.fragments))
	copy(out, r.fragments)
	return out
}

func (r *Renderer) show(frame Frame) {
	if r.display == nil || r.renderErr != nil {
		return
	}
	if err := r.display.Update(frame); err != nil {
		r.renderErr = &RenderError{Err: err}
	}
}
