package sse

import (
	"bytes"
	"encoding/json"
	"strings"
)

type Frame struct {
	Event string
	Data  json.RawMessage
}

// StreamError is a frame whose payload carries an error field. It ends the
// stream.
type StreamError struct {
	Event   string
	Message string
}

func (e *StreamError) Error() string {
	return "stream error: " + e.Message
}

// Parser turns raw stream chunks into frames. It keeps the event type of the
// last event line and any partial line between Feed calls.
type Parser struct {
	currentEvent string
	lineBuffer   []byte
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes a chunk and returns every frame completed by it. Data lines
// with malformed JSON are skipped. A payload with an error field stops
// parsing and returns the frames parsed before it along with a StreamError.
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	p.lineBuffer = append(p.lineBuffer, chunk...)

	var frames []Frame
	for {
		i := bytes.IndexByte(p.lineBuffer, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(p.lineBuffer[:i], "\r"))
		p.lineBuffer = p.lineBuffer[i+1:]

		frame, ok, err := p.line(line)
		if err != nil {
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}

	if len(p.lineBuffer) == 0 {
		p.lineBuffer = nil
	}
	return frames, nil
}

// Flush parses a trailing line left without a newline at end of stream.
func (p *Parser) Flush() ([]Frame, error) {
	if len(p.lineBuffer) == 0 {
		return nil, nil
	}
	return p.Feed([]byte("\n"))
}

func (p *Parser) CurrentEvent() string {
	return p.currentEvent
}

func (p *Parser) Buffered() int {
	return len(p.lineBuffer)
}

func (p *Parser) Reset() {
	p.currentEvent = ""
	p.lineBuffer = nil
}

func (p *Parser) line(line string) (Frame, bool, error) {
	switch {
	case line == "", strings.HasPrefix(line, ":"):
		return Frame{}, false, nil

	case strings.HasPrefix(line, "event:"):
		p.currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return Frame{}, false, nil

	case strings.HasPrefix(line, "data:"):
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			return Frame{}, false, nil
		}
		if !json.Valid([]byte(data)) {
			return Frame{}, false, nil
		}

		event := p.currentEvent
		if event == "" {
			event = defaultEvent
		}

		if msg, ok := errorMessage([]byte(data)); ok {
			p.currentEvent = ""
			return Frame{}, false, &StreamError{Event: event, Message: msg}
		}

		p.currentEvent = ""
		return Frame{Event: event, Data: json.RawMessage(data)}, true, nil
	}

	return Frame{}, false, nil
}

func errorMessage(data []byte) (string, bool) {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", false
	}
	if len(probe.Error) == 0 || string(probe.Error) == "null" {
		return "", false
	}

	var msg string
	if err := json.Unmarshal(probe.Error, &msg); err == nil {
		return msg, true
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(probe.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message, true
	}
	return string(probe.Error), true
}
