package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant    StreamMode = "instant"
	StreamSmooth     StreamMode = "smooth"
	StreamTypewriter StreamMode = "typewriter"
	StreamQuiet      StreamMode = "quiet"
)

// ParseStreamMode accepts the --stream-mode values; empty means instant.
func ParseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamTypewriter, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (want instant, smooth, typewriter or quiet)", s)
	}
}

// StreamWriter prints generated fragments to a terminal in one of the
// stream modes. Write matches inference.StreamFunc.
type StreamWriter struct {
	mode   StreamMode
	output io.Writer
	buffer *bufio.Writer

	mu            sync.Mutex
	batch         strings.Builder
	lastFlush     time.Time
	flushInterval time.Duration
	batchSize     int // flush after N words

	accumulator strings.Builder

	// escape shows control characters as Go escapes.
	escape bool

	stop chan struct{}
	once sync.Once
}

func NewStreamWriter(out io.Writer, mode StreamMode, escape bool) *StreamWriter {
	w := &StreamWriter{
		mode:          mode,
		output:        out,
		buffer:        bufio.NewWriterSize(out, 4096),
		flushInterval: 50 * time.Millisecond,
		batchSize:     5,
		lastFlush:     time.Now(),
		escape:        escape,
		stop:          make(chan struct{}),
	}
	if mode == StreamSmooth {
		go w.backgroundFlusher()
	}
	return w
}

// Write handles a single fragment.
func (w *StreamWriter) Write(fragment string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.accumulator.WriteString(fragment)
	switch w.mode {
	case StreamSmooth:
		w.batch.WriteString(fragment)
		words := strings.Count(w.batch.String(), " ") + 1
		if words >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	case StreamTypewriter:
		for _, r := range fragment {
			if w.escape {
				_, _ = w.buffer.WriteString(escapeRawOutputRune(r))
			} else {
				_, _ = w.buffer.WriteRune(r)
			}
			_ = w.buffer.Flush()
		}
	case StreamQuiet:
	default:
		w.writeString(fragment)
		_ = w.buffer.Flush()
	}
}

// Flush writes whatever is still buffered and returns the text of the
// current turn. Quiet mode prints the whole turn here.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := w.accumulator.String()
	switch w.mode {
	case StreamQuiet:
		w.writeString(result)
	case StreamSmooth:
		w.flushBatch()
	}
	_ = w.buffer.Flush()
	return result
}

// Reset starts a new turn.
func (w *StreamWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accumulator.Reset()
	w.batch.Reset()
}

// Close stops the smooth mode flusher.
func (w *StreamWriter) Close() {
	w.once.Do(func() { close(w.stop) })
}

func (w *StreamWriter) writeString(s string) {
	if w.escape {
		s = escapeRawOutput(s)
	}
	_, _ = w.buffer.WriteString(s)
}

// flushBatch writes the pending batch (must hold lock).
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	w.writeString(w.batch.String())
	_ = w.buffer.Flush()
	w.batch.Reset()
	w.lastFlush = time.Now()
}

func (w *StreamWriter) backgroundFlusher() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.flushInterval {
				w.flushBatch()
			}
			w.mu.Unlock()
		}
	}
}

func escapeRawOutput(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}
