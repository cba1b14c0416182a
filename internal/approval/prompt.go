package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/ulfschnabel/slka/internal/domain"
)

// TerminalPrompter asks on stderr and reads y/N from stdin. Prompts from
// concurrent dispatches are serialised. A prompt gives up when ctx is done,
// leaving the request queued for a later cycle or another decider.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
	// IsTerminal reports whether In is interactive; nil checks os.Stdin.
	IsTerminal func() bool

	once    sync.Once
	turn    chan struct{}
	lines   chan string
	readErr error
}

func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

func (p *TerminalPrompter) interactive() bool {
	if p.IsTerminal != nil {
		return p.IsTerminal()
	}
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// start launches the single reader of In. Lines are handed over unbuffered,
// so an answer typed after a prompt gave up goes to the next prompt.
func (p *TerminalPrompter) start() {
	p.once.Do(func() {
		p.turn = make(chan struct{}, 1)
		p.lines = make(chan string)
		go func() {
			defer close(p.lines)
			scanner := bufio.NewScanner(p.In)
			for scanner.Scan() {
				p.lines <- scanner.Text()
			}
			p.readErr = scanner.Err()
		}()
	})
}

func (p *TerminalPrompter) Confirm(ctx context.Context, a domain.Approval) (bool, error) {
	if !p.interactive() {
		return false, ErrNotInteractive
	}
	p.start()
	select {
	case p.turn <- struct{}{}:
	case <-ctx.Done():
		return false, fmt.Errorf("%w: %v", ErrNotInteractive, ctx.Err())
	}
	defer func() { <-p.turn }()

	fmt.Fprintf(p.Out, "\n%s\n", a.Description)
	if a.Content != "" {
		fmt.Fprintf(p.Out, "\nContent:\n%s\n", a.Content)
	}
	fmt.Fprintf(p.Out, "\nExecute this action? [y/N]: ")
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(p.Out, "\n(no answer, left pending)")
			return false, fmt.Errorf("%w: %v", ErrNotInteractive, ctx.Err())
		case line, ok := <-p.lines:
			if !ok {
				if p.readErr != nil {
					return false, fmt.Errorf("read answer: %w", p.readErr)
				}
				return false, ErrNotInteractive
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			case "n", "no", "":
				return false, nil
			}
			fmt.Fprintf(p.Out, "Please enter 'y' or 'n': ")
		}
	}
}
