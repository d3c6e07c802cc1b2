package sse

import (
	"io"
	"net/http"
	"strings"

	"github.com/eugener/gandalf/internal/upstream/sseutil"
)

// CompletedEvent is the event type the tap watches for; its data payload
// is the full response object, used for usage accounting once the stream
// finishes without ever buffering the events delivered to the client.
const CompletedEvent = "response.completed"

// CreatedEvent fires once near the start of a stream and carries the model
// the upstream actually selected to serve the request -- useful to compare
// against the model the client asked for, since a provider is free to
// silently substitute one (an alias, a fallback under load) without
// rejecting the request.
const CreatedEvent = "response.created"

// Tap relays an upstream SSE body to the client byte-for-byte while
// reassembling named events in the background, so it can hand the
// CreatedEvent and CompletedEvent payloads to onCreated/onCompleted the
// moment the stream sees them. Delivery to the client is never delayed
// waiting for that extraction.
type Tap struct {
	onCreated   func(data []byte)
	onCompleted func(data []byte)

	curEvent strings.Builder
	curData  strings.Builder
	haveData bool
}

// NewTap returns a Tap that calls onCompleted with the raw JSON data of the
// response.completed event, if and when one appears in the stream.
func NewTap(onCompleted func(data []byte)) *Tap {
	return &Tap{onCompleted: onCompleted}
}

// OnCreated registers a callback invoked with the raw JSON data of the
// response.created event, if and when one appears in the stream. It returns
// the Tap for chaining off NewTap.
func (t *Tap) OnCreated(fn func(data []byte)) *Tap {
	t.onCreated = fn
	return t
}

// Relay copies body to w as an SSE stream, flushing after every frame, and
// feeds each line to the tap's event reassembler. It returns the first
// read or write error encountered, or nil at a clean EOF.
func (t *Tap) Relay(w http.ResponseWriter, body io.Reader) error {
	flusher, _ := w.(http.Flusher)
	scanner := sseutil.NewScanner(body)

	for scanner.Scan() {
		line := scanner.Bytes()

		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write(newline); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}

		t.feed(string(line))
	}
	return scanner.Err()
}

// feed folds one raw SSE line into the current in-progress event. A blank
// line is the event boundary: if the event collected so far is
// response.completed, its data is handed to onCompleted and the builders
// reset either way.
func (t *Tap) feed(line string) {
	if line == "" {
		t.consumeEvent()
		return
	}

	event, data, ok := sseutil.ParseSSELine(line)
	switch {
	case ok && event != "":
		t.curEvent.Reset()
		t.curEvent.WriteString(event)
	case ok:
		if t.haveData {
			t.curData.WriteByte('\n')
		}
		t.curData.WriteString(data)
		t.haveData = true
	}
}

func (t *Tap) consumeEvent() {
	defer func() {
		t.curEvent.Reset()
		t.curData.Reset()
		t.haveData = false
	}()
	if !t.haveData {
		return
	}
	switch t.curEvent.String() {
	case CreatedEvent:
		if t.onCreated != nil {
			t.onCreated([]byte(t.curData.String()))
		}
	case CompletedEvent:
		if t.onCompleted != nil {
			t.onCompleted([]byte(t.curData.String()))
		}
	}
}
