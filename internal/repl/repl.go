// Package repl runs the chat in a terminal: one line in, one reply out.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/stupiduntilnot/sia/internal/render"
	"github.com/stupiduntilnot/sia/internal/summary"
	"github.com/stupiduntilnot/sia/internal/turn"
)

// SessionID is the transcript key used for terminal conversations.
const SessionID = "repl"

const summaryCommand = "/summary"

// Options configure a REPL.
type Options struct {
	// ShowPrompt echoes the assembled prompt after each reply.
	ShowPrompt bool
	// Summarizer backs the /summary command; nil disables it.
	Summarizer *summary.Summarizer
	// Animate forces the in-place typing display. When nil it is chosen by
	// whether the output is a terminal.
	Animate *bool
	Logger  *slog.Logger
}

// REPL reads utterances from in and writes replies to out.
type REPL struct {
	ctrl    *turn.Controller
	in      *bufio.Scanner
	out     io.Writer
	opts    Options
	animate bool
	styles  styles
	logger  *slog.Logger
}

type styles struct {
	title     lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	failure   lipgloss.Style
	dim       lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		failure:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:       lipgloss.NewStyle().Faint(true),
	}
}

func New(ctrl *turn.Controller, in io.Reader, out io.Writer, opts Options) *REPL {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	animate := isTerminal(out)
	if opts.Animate != nil {
		animate = *opts.Animate
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &REPL{
		ctrl:    ctrl,
		in:      scanner,
		out:     out,
		opts:    opts,
		animate: animate,
		styles:  newStyles(),
		logger:  logger,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Run loops until quit, end of input or ctx cancellation. Cancellation is
// noticed while waiting for input; a turn already running finishes first.
// Failed turns are reported and the loop continues.
func (r *REPL) Run(ctx context.Context) error {
	p := r.ctrl.Persona()
	fmt.Fprintln(r.out, r.styles.title.Render("Meet "+p.DisplayName()+", My Friend!"))
	fmt.Fprintln(r.out, r.styles.dim.Render(`Type "quit" to leave.`))

	done := make(chan struct{})
	defer close(done)
	lines, readErr := r.readLines(done)

	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(r.out, r.styles.user.Render("You:")+" ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(r.out)
			if err := <-readErr; err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}
		// A line and the cancellation may arrive together.
		if ctx.Err() != nil {
			fmt.Fprintln(r.out)
			return nil
		}

		command := strings.TrimSpace(line)
		switch {
		case strings.EqualFold(command, "quit"):
			return nil
		case command == "":
			continue
		case command == summaryCommand:
			r.summarize(ctx)
			continue
		}
		r.turn(ctx, line)
	}
}

// readLines scans input on its own goroutine so a blocked read never holds
// up cancellation. The goroutine stops at end of input or once done is
// closed and a pending read returns.
func (r *REPL) readLines(done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for r.in.Scan() {
			select {
			case lines <- r.in.Text():
			case <-done:
				return
			}
		}
		readErr <- r.in.Err()
	}()
	return lines, readErr
}

func (r *REPL) turn(ctx context.Context, utterance string) {
	fmt.Fprint(r.out, r.styles.assistant.Render(r.ctrl.Persona().DisplayName()+":")+" ")

	var display render.Display = render.NewPlainDisplay(r.out)
	if r.animate {
		display = render.NewTerminalDisplay(r.out)
	}
	res, err := r.ctrl.Run(ctx, SessionID, utterance, display)
	if err != nil {
		// The display already holds any partial reply.
		fmt.Fprintln(r.out)
		fmt.Fprintln(r.out, r.styles.failure.Render("! "+failureText(err)))
		return
	}
	fmt.Fprintln(r.out)
	if res.RenderErr != nil {
		r.logger.Warn("display failed", "err", res.RenderErr)
	}
	if r.opts.ShowPrompt {
		fmt.Fprintln(r.out, r.styles.dim.Render("--- prompt ---"))
		fmt.Fprintln(r.out, res.Prompt)
		fmt.Fprintln(r.out, r.styles.dim.Render("--------------"))
	}
}

func (r *REPL) summarize(ctx context.Context) {
	if r.opts.Summarizer == nil {
		fmt.Fprintln(r.out, r.styles.failure.Render("! summaries are disabled"))
		return
	}
	text, err := r.opts.Summarizer.Summarize(ctx, r.ctrl.Store().Messages(SessionID))
	if err != nil {
		fmt.Fprintln(r.out, r.styles.failure.Render("! "+failureText(err)))
		return
	}
	if text == "" {
		text = "(nothing to summarize yet)"
	}
	fmt.Fprintln(r.out, r.styles.dim.Render("Summary:")+" "+text)
}

func failureText(err error) string {
	var turnErr *turn.Error
	if errors.As(err, &turnErr) {
		return turnErr.Err.Error()
	}
	return err.Error()
}
