package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// ErrInterrupted is returned when the operator interrupts the prompt
var ErrInterrupted = errors.New("acknowledgement interrupted")

// Terminal prints the notice and reads the reply from the controlling
// terminal. Non-interactive input is read line by line.
type Terminal struct {
	in  io.Reader
	out io.Writer
}

// NewTerminal creates a terminal channel
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: in, out: out}
}

func (t *Terminal) Name() string { return string(KindTerminal) }

// Send prints the notice
func (t *Terminal) Send(_ context.Context, text string) error {
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()
	_, err := fmt.Fprintf(t.out, "\n%s\n%s\n", yellow("⚠ Action required"), text)
	return err
}

// WaitForReply blocks until a non-empty line is entered
func (t *Terminal) WaitForReply(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := t.readReply()
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func (t *Terminal) readReply() (string, error) {
	if f, ok := t.in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return t.readInteractive(f)
	}
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return "", io.EOF
}

func (t *Terminal) readInteractive(in *os.File) (string, error) {
	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cyan("merged? press enter after merging, or type a note> "),
		Stdin:           in,
		Stdout:          t.out,
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err == readline.ErrInterrupt {
		return "", ErrInterrupted
	}
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		line = "ok"
	}
	return line, nil
}

func (t *Terminal) Close() error { return nil }
