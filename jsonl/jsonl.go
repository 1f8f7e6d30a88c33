// Package jsonl reads and writes newline-delimited JSON.
//
// Each line holds exactly one JSON object. Readers are tolerant: blank lines,
// lines that are not valid JSON, and lines holding anything other than an
// object are skipped rather than failing the stream.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/zhubert/plural-appserver/logger"
)

// maxLoggedLine bounds how much of a dropped line ends up in the log.
const maxLoggedLine = 200

// Reader yields well-formed JSON object lines from a byte stream.
type Reader struct {
	r   *bufio.Reader
	log *slog.Logger
	eof bool
}

// NewReader wraps r. Lines may be of any length.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   bufio.NewReader(r),
		log: logger.WithComponent("jsonl"),
	}
}

// Next returns the next line that parses to a JSON object. The returned
// slice is owned by the caller. At end of stream Next returns io.EOF.
func (r *Reader) Next() (json.RawMessage, error) {
	for !r.eof {
		line, err := r.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			r.eof = true
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		obj, ok := ParseObject(line)
		if !ok {
			r.log.Debug("dropping malformed line", "line", clip(line))
			continue
		}
		return obj, nil
	}
	return nil, io.EOF
}

// ParseObject reports whether line is a single JSON object and returns a
// private copy of it.
func ParseObject(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' || !json.Valid(line) {
		return nil, false
	}
	out := make([]byte, len(line))
	copy(out, line)
	return out, true
}

// ReadAll collects every object line from r, skipping malformed ones.
func ReadAll(r io.Reader) ([]json.RawMessage, error) {
	reader := NewReader(r)
	var out []json.RawMessage
	for {
		obj, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}
}

// Writer emits one JSON value per line. Safe for concurrent use; each value
// is written with a single Write call so lines never interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals v and writes it followed by '\n'.
func (w *Writer) Write(v any) error {
	data, err := Marshal(v)
	if err != nil {
		return err
	}

	return w.WriteLine(data)
}

// WriteLine writes an already encoded line. line must end in '\n'.
func (w *Writer) WriteLine(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(line)
	return err
}

// Marshal encodes v as a single newline-terminated line.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func clip(line []byte) string {
	if len(line) > maxLoggedLine {
		return string(line[:maxLoggedLine]) + "..."
	}
	return string(line)
}
