package base

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrStreamDone signals the upstream's explicit end-of-stream marker.
var ErrStreamDone = errors.New("stream done")

// SSEScanner decodes a Server-Sent-Events body: the byte stream is split on
// newlines, lines beginning "data: " carry payloads, and the "[DONE]"
// payload terminates. A line crossing a read boundary is carried in the
// bufio buffer until its newline arrives.
type SSEScanner struct {
	scanner *bufio.Scanner
	logger  *logrus.Logger
	skipped int
}

// NewSSEScanner wraps an SSE response body.
func NewSSEScanner(r io.Reader, logger *logrus.Logger) *SSEScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &SSEScanner{scanner: scanner, logger: logger}
}

// Next returns the payload of the next data frame, ErrStreamDone on the
// [DONE] terminator, or io.EOF when the body ends without one.
func (s *SSEScanner) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSuffix(s.scanner.Bytes(), []byte("\r"))
		if len(line) == 0 {
			continue
		}
		payload, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			// Comment lines and event/id fields are not payloads.
			continue
		}
		if string(bytes.TrimSpace(payload)) == "[DONE]" {
			return nil, ErrStreamDone
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// NextJSON decodes the next data frame into out. Malformed JSON frames are
// skipped with a counted warning rather than failing the stream.
func (s *SSEScanner) NextJSON(out interface{}) error {
	for {
		payload, err := s.Next()
		if err != nil {
			return err
		}
		if err := json.Unmarshal(payload, out); err != nil {
			s.skipped++
			s.logger.WithFields(logrus.Fields{
				"skipped": s.skipped,
				"payload": truncate(string(payload), 128),
			}).Warn("Skipping malformed stream frame")
			continue
		}
		return nil
	}
}

// Skipped returns the number of malformed frames dropped so far.
func (s *SSEScanner) Skipped() int {
	return s.skipped
}

// NDJSONScanner decodes a newline-delimited JSON stream: each non-empty
// line is one JSON object.
type NDJSONScanner struct {
	scanner *bufio.Scanner
	logger  *logrus.Logger
	skipped int
}

// NewNDJSONScanner wraps an NDJSON response body.
func NewNDJSONScanner(r io.Reader, logger *logrus.Logger) *NDJSONScanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &NDJSONScanner{scanner: scanner, logger: logger}
}

// NextJSON decodes the next line into out; io.EOF ends the stream.
func (s *NDJSONScanner) NextJSON(out interface{}) error {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		if err := json.Unmarshal([]byte(line), out); err != nil {
			s.skipped++
			s.logger.WithFields(logrus.Fields{
				"skipped": s.skipped,
				"line":    truncate(line, 128),
			}).Warn("Skipping malformed stream line")
			continue
		}
		return nil
	}
	if err := s.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// Skipped returns the number of malformed lines dropped so far.
func (s *NDJSONScanner) Skipped() int {
	return s.skipped
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
