package render

import (
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// TerminalDisplay types the reply in place on a terminal. It writes only the
// newly arrived suffix and redraws the cursor marker with ANSI sequences.
type TerminalDisplay struct {
	w           io.Writer
	written     string
	cursorWidth int
}

func NewTerminalDisplay(w io.Writer) *TerminalDisplay {
	return &TerminalDisplay{w: w}
}

func (d *TerminalDisplay) Update(frame Frame) error {
	var b strings.Builder
	if d.cursorWidth > 0 {
		b.WriteString(ansi.CursorBackward(d.cursorWidth))
		b.WriteString(ansi.EraseLineRight)
		d.cursorWidth = 0
	}
	if strings.HasPrefix(frame.Content, d.written) {
		b.WriteString(frame.Content[len(d.written):])
	} else {
		b.WriteString("\n")
		b.WriteString(frame.Content)
	}
	d.written = frame.Content
	if frame.Cursor != "" && !frame.Final {
		b.WriteString(frame.Cursor)
		d.cursorWidth = ansi.StringWidth(frame.Cursor)
	}
	_, err := io.WriteString(d.w, b.String())
	return err
}

// PlainDisplay writes the final frame and ignores the rest, for output that
// is not a terminal.
type PlainDisplay struct {
	w    io.Writer
	done bool
}

func NewPlainDisplay(w io.Writer) *PlainDisplay {
	return &PlainDisplay{w: w}
}

func (d *PlainDisplay) Update(frame Frame) error {
	if !frame.Final || d.done {
		return nil
	}
	d.done = true
	_, err := io.WriteString(d.w, frame.Content)
	return err
}
