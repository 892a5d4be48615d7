// Package termui is a line-oriented terminal front-end for elicitation
// requests, tool confirmations and trust prompts.
package termui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/vikashloomba/mcp-toolhost-go/pkg/elicitation"
)

var (
	serverStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#2980b9", Dark: "#3498db"})
	fieldStyle   = lipgloss.NewStyle().Bold(true)
	hintStyle    = lipgloss.NewStyle().Faint(true)
	problemStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#c0392b", Dark: "#e74c3c"})
	urlStyle     = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.AdaptiveColor{Light: "#16a085", Dark: "#1abc9c"})
)

// ErrClosed is returned when the input ends.
var ErrClosed = errors.New("termui: input closed")

const (
	cmdBack   = ":back"
	cmdNone   = ":none"
	cmdCancel = ":cancel"
)

type line struct {
	text string
	err  error
}

// Terminal reads answers line by line. One prompt is shown at a time.
type Terminal struct {
	out    io.Writer
	styled bool

	lines chan line
	once  sync.Once
	in    io.Reader

	// mu serialises prompts from concurrent elicitations.
	mu sync.Mutex
}

var (
	_ elicitation.Surface  = (*Terminal)(nil)
	_ elicitation.Prompter = (*Terminal)(nil)
)

// New returns a Terminal reading from in and writing to out. Styling is
// applied only when out is a terminal.
func New(in io.Reader, out io.Writer) *Terminal {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = term.IsTerminal(int(f.Fd()))
	}
	return &Terminal{in: in, out: out, styled: styled}
}

// Stdio returns a Terminal on the process's standard streams.
func Stdio() *Terminal { return New(os.Stdin, os.Stderr) }

func (t *Terminal) render(s lipgloss.Style, text string) string {
	if !t.styled {
		return text
	}
	return s.Render(text)
}

func (t *Terminal) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(t.out, format, args...)
}

// readLine waits for the next line or for ctx to end. The reader goroutine
// outlives a cancelled prompt and hands its line to the next one.
func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.once.Do(func() {
		t.lines = make(chan line)
		go func() {
			sc := bufio.NewScanner(t.in)
			for sc.Scan() {
				t.lines <- line{text: sc.Text()}
			}
			err := sc.Err()
			if err == nil {
				err = ErrClosed
			}
			for {
				t.lines <- line{err: err}
			}
		}()
	})
	select {
	case <-ctx.Done():
		t.printf("\n")
		return "", ctx.Err()
	case l := <-t.lines:
		return strings.TrimSpace(l.text), l.err
	}
}

// Show prints the prompt and reads an accept or decline answer. Anything else
// dismisses the prompt.
func (t *Terminal) Show(ctx context.Context, p elicitation.Prompt) (elicitation.Choice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.printf("%s %s\n", t.render(serverStyle, "["+p.Server+"]"), p.Message)
	if p.URL != "" {
		t.printf("  %s\n", t.render(urlStyle, p.URL))
	}
	accept, decline := p.AcceptLabel, p.DeclineLabel
	if accept == "" {
		accept = "Accept"
	}
	if decline == "" {
		decline = "Decline"
	}
	t.printf("%s ", t.render(hintStyle, fmt.Sprintf("y = %s, n = %s, enter = dismiss:", accept, decline)))

	text, err := t.readLine(ctx)
	if err != nil {
		return elicitation.ChoiceDismissed, err
	}
	switch strings.ToLower(text) {
	case "y", "yes":
		return elicitation.ChoiceAccept, nil
	case "n", "no":
		return elicitation.ChoiceDecline, nil
	default:
		return elicitation.ChoiceDismissed, nil
	}
}

func (t *Terminal) header(q elicitation.Question) {
	f := q.Field
	title := f.Label()
	if f.Required {
		title += " *"
	}
	t.printf("%s %s %s\n",
		t.render(serverStyle, "["+q.Server+"]"),
		t.render(fieldStyle, title),
		t.render(hintStyle, fmt.Sprintf("(%d/%d)", q.Index+1, q.Total)))
	if f.Description != "" {
		t.printf("  %s\n", f.Description)
	}
	if q.Problem != "" {
		t.printf("  %s\n", t.render(problemStyle, q.Problem))
	}
	hints := []string{cmdCancel}
	if q.CanGoBack {
		hints = append([]string{cmdBack}, hints...)
	}
	if q.Optional {
		hints = append(hints, cmdNone)
	}
	t.printf("  %s\n", t.render(hintStyle, strings.Join(hints, " ")))
}

// command maps a navigation command to its step.
func command(q elicitation.Question, text string) (elicitation.Step, bool) {
	switch text {
	case cmdCancel:
		return elicitation.Step{Kind: elicitation.StepCancel}, true
	case cmdBack:
		if q.CanGoBack {
			return elicitation.Step{Kind: elicitation.StepBack}, true
		}
	case cmdNone:
		if q.Optional {
			return elicitation.Step{Kind: elicitation.StepNone}, true
		}
	}
	return elicitation.Step{}, false
}

// Input reads a free-form value. An empty line keeps the previous value.
func (t *Terminal) Input(ctx context.Context, q elicitation.Question) (elicitation.Step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.header(q)
	for {
		if q.Initial != "" {
			t.printf("> %s ", t.render(hintStyle, "["+q.Initial+"]"))
		} else {
			t.printf("> ")
		}
		text, err := t.readLine(ctx)
		if err != nil {
			return elicitation.Step{}, err
		}
		if step, ok := command(q, text); ok {
			return step, nil
		}
		if text == "" {
			text = q.Initial
		}
		if q.Validate != nil && text != "" {
			if err := q.Validate(text); err != nil {
				t.printf("  %s\n", t.render(problemStyle, err.Error()))
				continue
			}
		}
		return elicitation.Step{Kind: elicitation.StepValue, Text: text}, nil
	}
}

// Pick lists the options and reads one or more 1-based option numbers.
func (t *Terminal) Pick(ctx context.Context, q elicitation.Question) (elicitation.Step, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.header(q)
	selected := make(map[int]bool, len(q.Selected))
	for _, i := range q.Selected {
		selected[i] = true
	}
	for i, opt := range q.Field.Options {
		mark := " "
		if selected[i] {
			mark = "*"
		}
		t.printf("  %s %d) %s\n", mark, i+1, opt.Label)
	}
	multi := q.Field.Kind == elicitation.KindMultiEnum
	for {
		if multi {
			t.printf("> %s ", t.render(hintStyle, "numbers separated by spaces:"))
		} else {
			t.printf("> ")
		}
		text, err := t.readLine(ctx)
		if err != nil {
			return elicitation.Step{}, err
		}
		if step, ok := command(q, text); ok {
			return step, nil
		}
		if text == "" && len(q.Selected) > 0 {
			return elicitation.Step{Kind: elicitation.StepValue, Picked: q.Selected}, nil
		}
		picked, err := parsePicks(text, len(q.Field.Options), multi)
		if err != nil {
			t.printf("  %s\n", t.render(problemStyle, err.Error()))
			continue
		}
		return elicitation.Step{Kind: elicitation.StepValue, Picked: picked}, nil
	}
}

func parsePicks(text string, n int, multi bool) ([]int, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' })
	if !multi && len(fields) != 1 {
		return nil, fmt.Errorf("pick one option between 1 and %d", n)
	}
	picked := make([]int, 0, len(fields))
	seen := make(map[int]bool, len(fields))
	for _, f := range fields {
		i, err := strconv.Atoi(f)
		if err != nil || i < 1 || i > n {
			return nil, fmt.Errorf("%q is not an option between 1 and %d", f, n)
		}
		if !seen[i-1] {
			seen[i-1] = true
			picked = append(picked, i-1)
		}
	}
	return picked, nil
}
