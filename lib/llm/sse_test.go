// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"errors"
	"strings"
	"testing"
)

func scanAll(t *testing.T, input string) []SSEEvent {
	t.Helper()
	scanner := NewSSEScanner(strings.NewReader(input))
	var events []SSEEvent
	for scanner.Next() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if scanner.Next() {
		t.Error("Next returned true after the stream ended")
	}
	return events
}

func TestSSEScanner(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  []SSEEvent
	}{
		{
			name:  "typed events",
			input: "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: ping\ndata: {}\n\n",
			want:  []SSEEvent{{Type: "message_start", Data: `{"type":"message_start"}`}, {Type: "ping", Data: "{}"}},
		},
		{
			name:  "data lines join with newlines",
			input: "data: line one\ndata: line two\ndata: line three\n\n",
			want:  []SSEEvent{{Data: "line one\nline two\nline three"}},
		},
		{
			name:  "comments skipped",
			input: ": this is a comment\nevent: test\ndata: hello\n: another comment\n\n",
			want:  []SSEEvent{{Type: "test", Data: "hello"}},
		},
		{
			name:  "empty data field",
			input: "data:\n\n",
			want:  []SSEEvent{{Data: ""}},
		},
		{
			name:  "blank runs produce nothing",
			input: "\n\n\ndata: hello\n\n\n\n",
			want:  []SSEEvent{{Data: "hello"}},
		},
		{
			name:  "event cut off by EOF",
			input: "event: final\ndata: last event",
			want:  []SSEEvent{{Type: "final", Data: "last event"}},
		},
		{
			name:  "carriage returns",
			input: "event: test\r\ndata: hello\r\n\r\n",
			want:  []SSEEvent{{Type: "test", Data: "hello"}},
		},
		{
			name:  "byte order mark",
			input: "\ufeffdata: first\n\n",
			want:  []SSEEvent{{Data: "first"}},
		},
		{
			name:  "id, retry and unknown fields ignored",
			input: "id: 7\nretry: 1000\nflavor: x\ndata:no-space\n\n",
			want:  []SSEEvent{{Data: "no-space"}},
		},
		{
			name:  "type without data is dropped",
			input: "event: orphan\n\ndata: kept\n\n",
			want:  []SSEEvent{{Data: "kept"}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := scanAll(t, test.input)
			if len(got) != len(test.want) {
				t.Fatalf("got %d events %+v, want %d", len(got), got, len(test.want))
			}
			for index := range got {
				if got[index] != test.want[index] {
					t.Errorf("event %d = %+v, want %+v", index, got[index], test.want[index])
				}
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSSEScannerReadError(t *testing.T) {
	t.Parallel()

	scanner := NewSSEScanner(failingReader{})
	if scanner.Next() {
		t.Fatal("Next returned an event from a failing reader")
	}
	if err := scanner.Err(); err == nil || err.Error() != "connection reset" {
		t.Errorf("Err() = %v, want connection reset", err)
	}
}

func TestSSEEventFrames(t *testing.T) {
	t.Parallel()

	// Two data lines without a blank separator join into one event.
	scanner := NewSSEScanner(strings.NewReader("data: {\"a\":1}\ndata: {\"b\":2}\n\n"))
	if !scanner.Next() {
		t.Fatal("expected an event")
	}
	frames := scanner.Event().Frames()
	if len(frames) != 2 || frames[0] != `{"a":1}` || frames[1] != `{"b":2}` {
		t.Errorf("frames = %q, want two JSON frames", frames)
	}

	single := SSEEvent{Data: `{"c":3}`}.Frames()
	if len(single) != 1 || single[0] != `{"c":3}` {
		t.Errorf("single frame = %q", single)
	}
}
