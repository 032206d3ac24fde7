package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// prompter reads operator input line by line. One goroutine owns the reader
// so a capture loop and the menu can share stdin without racing.
type prompter struct {
	lines <-chan string
	out   io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &prompter{lines: lines, out: out}
}

// ask prints prompt and waits for the next line. ok is false once input is
// exhausted or ctx is done.
func (p *prompter) ask(ctx context.Context, prompt string) (line string, ok bool) {
	fmt.Fprint(p.out, prompt)
	select {
	case <-ctx.Done():
		return "", false
	case line, ok = <-p.lines:
		return strings.TrimSpace(line), ok
	}
}

func confirm(ctx context.Context, p *prompter, prompt string) bool {
	res, _ := p.ask(ctx, prompt+" [y/N]: ")
	res = strings.ToLower(res)
	return res == "y" || res == "yes"
}
