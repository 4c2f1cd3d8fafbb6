package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes `data:` events and flushes after each one.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	begun   bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
	}, nil
}

// Started reports whether any bytes went out; after that errors can only
// be reported in-band.
func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) Send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(fmt.Sprintf("data: %s\n\n", b))
}

// Done writes the terminal sentinel.
func (s *SSEStreamWriter) Done() error {
	return s.write("data: [DONE]\n\n")
}

func (s *SSEStreamWriter) write(frame string) error {
	s.begun = true
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
