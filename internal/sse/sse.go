// Package sse frames and parses the validation event stream.
package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const (
	EventModelComplete = "model_complete"
	EventEvaluating    = "evaluating"
	EventComplete      = "complete"
	EventError         = "error"

	// defaultEvent is the type of a data line with no preceding event line.
	defaultEvent = "message"
)

type ModelCompletePayload struct {
	Model    string          `json:"model"`
	Response json.RawMessage `json:"response"`
}

type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Retry bool   `json:"retry,omitempty"`
}

type flusher interface {
	Flush() error
}

// Writer encodes frames onto w, flushing after every frame when w supports it.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Event(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	var buf bytes.Buffer
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteByte('\n')
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")

	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s event: %w", event, err)
	}

	if f, ok := w.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush %s event: %w", event, err)
		}
	}
	return nil
}
