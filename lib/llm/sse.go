// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is a single Server-Sent Event parsed from an SSE stream.
type SSEEvent struct {
	// Type is the "event:" field, or empty for the default "message"
	// type.
	Type string

	// Data is the event payload. Multiple "data:" lines are joined
	// with newlines.
	Data string
}

// Frames splits the payload into independent JSON frames. Most
// providers send one frame per event, but some OpenAI-compatible
// servers emit consecutive "data:" lines without the blank separator,
// which the SSE rules join into one event. Lines that are empty after
// trimming are dropped.
func (event SSEEvent) Frames() []string {
	if !strings.Contains(event.Data, "\n") {
		return []string{event.Data}
	}
	var frames []string
	for _, line := range strings.Split(event.Data, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	return frames
}

// SSEScanner splits a Server-Sent Events stream into events. A blank
// line ends an event; "data:" lines are joined with newlines; "event:"
// sets the type. Comments and other fields are skipped. A final event
// that is cut off by EOF without its blank line is still delivered.
//
//	scanner := NewSSEScanner(body)
//	for scanner.Next() {
//		handle(scanner.Event())
//	}
//	return scanner.Err()
type SSEScanner struct {
	reader  *bufio.Reader
	current SSEEvent
	err     error
	started bool
	done    bool
}

// NewSSEScanner creates a scanner reading from reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// Next advances to the next event, returning false at the end of the
// stream or on a read error.
func (scanner *SSEScanner) Next() bool {
	scanner.current = SSEEvent{}
	if scanner.done {
		return false
	}

	var pending sseBuilder
	for {
		line, err := scanner.reader.ReadString('\n')
		if err != nil && line == "" {
			scanner.done = true
			if err != io.EOF {
				scanner.err = err
				return false
			}
			return scanner.finish(&pending)
		}

		line = strings.TrimRight(line, "\r\n")
		if !scanner.started {
			scanner.started = true
			line = strings.TrimPrefix(line, "\ufeff")
		}

		if line == "" {
			if scanner.finish(&pending) {
				return true
			}
			pending = sseBuilder{}
			continue
		}
		pending.add(line)
	}
}

// finish publishes the pending event if it carried any data.
func (scanner *SSEScanner) finish(pending *sseBuilder) bool {
	if !pending.hasData {
		return false
	}
	scanner.current = SSEEvent{Type: pending.eventType, Data: strings.Join(pending.data, "\n")}
	return true
}

// Event returns the event found by the last successful [SSEScanner.Next].
func (scanner *SSEScanner) Event() SSEEvent {
	return scanner.current
}

// Err returns the read error that stopped the scanner, or nil after a
// clean end of stream.
func (scanner *SSEScanner) Err() error {
	return scanner.err
}

// sseBuilder accumulates the fields of one event.
type sseBuilder struct {
	eventType string
	data      []string
	hasData   bool
}

func (builder *sseBuilder) add(line string) {
	if strings.HasPrefix(line, ":") {
		return
	}
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "data":
		builder.data = append(builder.data, value)
		builder.hasData = true
	case "event":
		builder.eventType = value
	}
}
