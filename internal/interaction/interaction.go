// Package interaction asks the user to confirm a plan before it runs.
package interaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"

	"github.com/atomikpanda/nix-installer/internal/color"
)

// Prompter asks a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Default returns an interactive form when stdin is a terminal and a plain
// line reader otherwise.
func Default() Prompter {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		return Form{Accessible: os.Getenv("ACCESSIBLE") != ""}
	}
	return Line{In: os.Stdin, Out: os.Stdout}
}

// Form asks with a huh confirm field. Aborting the form (ctrl-c, esc) counts
// as "no".
type Form struct {
	Accessible bool
}

func (f Form) Confirm(ctx context.Context, question string) (bool, error) {
	var ok bool
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(question).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	)).WithAccessible(f.Accessible).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("confirmation prompt: %w", err)
	}
	return ok, nil
}

// Line asks on Out and reads one answer line from In. Anything but y/yes is
// "no", including end of input.
type Line struct {
	In  io.Reader
	Out io.Writer
}

func (l Line) Confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(l.Out, "%s %s ", color.Bold(question), color.Dim("[y/N]"))
	answer, err := readLine(l.In)
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", nil
}

// Fixed always answers the same way. It backs --no-confirm and tests.
type Fixed bool

func (f Fixed) Confirm(context.Context, string) (bool, error) { return bool(f), nil }
