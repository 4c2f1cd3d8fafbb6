package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

type keyResult int

const (
	keyPending keyResult = iota
	keySubmit
	keyEOF
)

// lineEditor is a minimal emacs-style editor for the interactive prompt.
// Submitted non-blank lines go to history and are recalled with up/down.
type lineEditor struct {
	in  *bufio.Reader
	out io.Writer

	prompt string
	line   []byte
	cursor int

	history  []string
	histPos  int
	browsing bool
	draft    string

	esc    int
	escBuf strings.Builder
}

func newLineEditor(in io.Reader, out io.Writer) *lineEditor {
	return &lineEditor{in: bufio.NewReader(in), out: out}
}

// readPlain reads one line without terminal handling, for piped input.
func (e *lineEditor) readPlain() (string, error) {
	s, err := e.in.ReadString('\n')
	if errors.Is(err, io.EOF) && s == "" {
		return "", io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return trimTrailingNewline(s), nil
}

func (e *lineEditor) begin(prompt string) {
	e.prompt = prompt
	e.line = e.line[:0]
	e.cursor = 0
	e.histPos = len(e.history)
	e.browsing = false
	e.draft = ""
	e.esc = 0
	fmt.Fprint(e.out, prompt)
}

// feed handles one input byte. On keySubmit the finished line is returned.
func (e *lineEditor) feed(b byte) (string, keyResult) {
	if e.esc != 0 {
		e.feedEscape(b)
		return "", keyPending
	}

	switch b {
	case 27: // ESC
		e.esc = 1
	case '\r', '\n':
		fmt.Fprint(e.out, "\r\n")
		out := string(e.line)
		if strings.TrimSpace(out) != "" {
			e.history = append(e.history, out)
		}
		return out, keySubmit
	case 3: // Ctrl+C
		fmt.Fprint(e.out, "^C\r\n")
		return "", keyEOF
	case 4: // Ctrl+D
		if len(e.line) == 0 {
			fmt.Fprint(e.out, "\r\n")
			return "", keyEOF
		}
	case 127, 8: // backspace
		if e.cursor > 0 {
			e.line = append(e.line[:e.cursor-1], e.line[e.cursor:]...)
			e.cursor--
			e.redraw()
		}
	case 1: // Ctrl+A
		e.cursor = 0
		e.redraw()
	case 5: // Ctrl+E
		e.cursor = len(e.line)
		e.redraw()
	case 23: // Ctrl+W
		e.deleteWordBack()
	default:
		if b >= 32 {
			e.line = append(e.line, 0)
			copy(e.line[e.cursor+1:], e.line[e.cursor:])
			e.line[e.cursor] = b
			e.cursor++
			e.redraw()
		}
	}
	return "", keyPending
}

func (e *lineEditor) feedEscape(b byte) {
	if e.esc == 2 {
		e.escBuf.WriteByte(b)
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			e.handleCSI(e.escBuf.String())
			e.esc = 0
		}
		return
	}
	e.esc = 0
	switch b {
	case '[':
		e.esc = 2
		e.escBuf.Reset()
	case 'b', 'B': // Alt+b
		e.moveWordLeft()
	case 'f', 'F': // Alt+f
		e.moveWordRight()
	case 127: // Alt+Backspace
		e.deleteWordBack()
	}
}

func (e *lineEditor) handleCSI(seq string) {
	switch seq {
	case "A":
		e.historyUp()
	case "B":
		e.historyDown()
	case "D":
		if e.cursor > 0 {
			e.cursor--
			e.redraw()
		}
	case "C":
		if e.cursor < len(e.line) {
			e.cursor++
			e.redraw()
		}
	case "H":
		e.cursor = 0
		e.redraw()
	case "F":
		e.cursor = len(e.line)
		e.redraw()
	case "3~":
		if e.cursor < len(e.line) {
			e.line = append(e.line[:e.cursor], e.line[e.cursor+1:]...)
			e.redraw()
		}
	case "1;5D", "5D":
		e.moveWordLeft()
	case "1;5C", "5C":
		e.moveWordRight()
	case "3;5~":
		e.deleteWordForward()
	}
}

func (e *lineEditor) historyUp() {
	if len(e.history) == 0 {
		return
	}
	if !e.browsing {
		e.draft = string(e.line)
		e.browsing = true
		e.histPos = len(e.history)
	}
	if e.histPos > 0 {
		e.histPos--
		e.setLine(e.history[e.histPos])
	}
}

func (e *lineEditor) historyDown() {
	if !e.browsing {
		return
	}
	if e.histPos < len(e.history)-1 {
		e.histPos++
		e.setLine(e.history[e.histPos])
		return
	}
	e.histPos = len(e.history)
	e.browsing = false
	e.setLine(e.draft)
}

func (e *lineEditor) setLine(s string) {
	e.line = append(e.line[:0], s...)
	e.cursor = len(e.line)
	e.redraw()
}

func (e *lineEditor) redraw() {
	fmt.Fprintf(e.out, "\r%s%s\x1b[K", e.prompt, e.line)
	if e.cursor < len(e.line) {
		fmt.Fprintf(e.out, "\r%s%s", e.prompt, e.line[:e.cursor])
	}
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' }

func (e *lineEditor) wordStart() int {
	i := e.cursor
	for i > 0 && isSpace(e.line[i-1]) {
		i--
	}
	for i > 0 && !isSpace(e.line[i-1]) {
		i--
	}
	return i
}

func (e *lineEditor) wordEnd() int {
	i := e.cursor
	for i < len(e.line) && isSpace(e.line[i]) {
		i++
	}
	for i < len(e.line) && !isSpace(e.line[i]) {
		i++
	}
	return i
}

func (e *lineEditor) moveWordLeft() {
	if e.cursor == 0 {
		return
	}
	e.cursor = e.wordStart()
	e.redraw()
}

func (e *lineEditor) moveWordRight() {
	if e.cursor >= len(e.line) {
		return
	}
	e.cursor = e.wordEnd()
	e.redraw()
}

func (e *lineEditor) deleteWordBack() {
	if e.cursor == 0 {
		return
	}
	start := e.wordStart()
	e.line = append(e.line[:start], e.line[e.cursor:]...)
	e.cursor = start
	e.redraw()
}

func (e *lineEditor) deleteWordForward() {
	if e.cursor >= len(e.line) {
		return
	}
	end := e.wordEnd()
	e.line = append(e.line[:e.cursor], e.line[end:]...)
	e.redraw()
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
