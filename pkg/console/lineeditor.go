package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const historySize = 500

// LineEditor reads console input. On a terminal it uses readline with
// history; otherwise it scans lines and prints the prompt itself.
type LineEditor struct {
	interactive bool
	rl          *readline.Instance
	scanner     *bufio.Scanner
	out         io.Writer
	closeOnce   sync.Once
}

// NewLineEditor picks the mode from in. historyFile may be empty.
func NewLineEditor(in io.Reader, out io.Writer, historyFile string) *LineEditor {
	f, isFile := in.(*os.File)
	interactive := isFile && term.IsTerminal(int(f.Fd())) && os.Getenv("INSIDE_EMACS") == ""
	if !interactive {
		return &LineEditor{scanner: bufio.NewScanner(in), out: out}
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            historyFile,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(out, "readline unavailable (%v), using basic input\n", err)
		return &LineEditor{scanner: bufio.NewScanner(in), out: out}
	}
	return &LineEditor{interactive: true, rl: rl, out: out}
}

// GetLine returns the next line without its terminator, or io.EOF on
// end of input or Ctrl-C.
func (le *LineEditor) GetLine(prompt string) (string, error) {
	if le.interactive {
		le.rl.SetPrompt(prompt)
		line, err := le.rl.Readline()
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			le.rl.SaveToHistory(trimmed)
		}
		return line, nil
	}

	fmt.Fprint(le.out, prompt)
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

// Close saves history and unblocks a pending GetLine. It is safe to call
// more than once and from another goroutine.
func (le *LineEditor) Close() {
	le.closeOnce.Do(func() {
		if le.rl != nil {
			le.rl.Close()
		}
	})
}

// IsInteractive reports whether readline is in use.
func (le *LineEditor) IsInteractive() bool {
	return le.interactive
}
