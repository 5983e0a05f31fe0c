package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// TerminalSurface renders pending confirmations as line prompts and feeds
// the typed answer back into the gate.
type TerminalSurface struct {
	In  io.Reader
	Out io.Writer
}

// Serve prompts for every request the gate publishes until ctx is done or
// In reaches EOF. A request visible at EOF is declined. When the visible
// request changes while waiting for an answer, the new one is prompted and
// the answer applies to it.
func (s TerminalSurface) Serve(ctx context.Context, gate *Gate) error {
	changed := make(chan struct{}, 1)
	unsubscribe := gate.Subscribe(func(Pending, bool) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var (
		shown   Pending
		showing bool
	)
	for {
		current, ok := gate.Pending()
		if showing && (!ok || current.ID != shown.ID) {
			fmt.Fprintf(s.Out, "\n%s: withdrawn\n", shown.Request.Title)
			showing = false
		}
		if ok && !showing {
			s.prompt(current)
			shown, showing = current, true
		}

		// Input is only consumed while a prompt is on screen.
		answers, closed := lines, readErr
		if !showing {
			answers, closed = nil, nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case err := <-closed:
			_ = gate.ResolveID(shown.ID, false)
			return err
		case line := <-answers:
			showing = false
			if err := gate.ResolveID(shown.ID, accepts(line, shown.Request)); err != nil {
				fmt.Fprintf(s.Out, "decision discarded: %v\n", err)
			}
		}
	}
}

func (s TerminalSurface) prompt(p Pending) {
	req := p.Request
	if req.Title != "" {
		fmt.Fprintln(s.Out, req.Title)
	}
	if req.Message != "" {
		fmt.Fprintln(s.Out, req.Message)
	}
	if req.Details != "" {
		fmt.Fprintln(s.Out, "  "+req.Details)
	}
	fmt.Fprintf(s.Out, "%s? [y/N] ", req.ConfirmLabel)
}

func accepts(line string, req Request) bool {
	answer := strings.ToLower(strings.TrimSpace(line))
	switch answer {
	case "y", "yes":
		return true
	case "":
		return false
	}
	return answer == strings.ToLower(strings.TrimSpace(req.ConfirmLabel))
}
