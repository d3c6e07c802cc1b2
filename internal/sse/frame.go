// Package sse implements the streaming surface: low-level SSE frame
// writers, a passthrough tap that extracts the completed response for
// accounting without buffering delivery, and JSON->SSE synthesis for
// upstreams that only speak non-streaming JSON.
package sse

import (
	"net/http"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	eventPrefix  = []byte("event: ")
	dataPrefix   = []byte("data: ")
	newline      = []byte("\n")
	blankLine    = []byte("\n\n")
	doneFrame    = []byte("data: [DONE]\n\n")
	keepAlive    = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
var (
	contentType  = []string{"text/event-stream"}
	cacheControl = []string{"no-cache"}
	connection   = []string{"keep-alive"}
	noAccelBuf   = []string{"no"}
)

// WriteHeaders sets the response headers for an SSE stream and flushes the
// 200 status line so the client starts reading immediately.
func WriteHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = contentType
	h["Cache-Control"] = cacheControl
	h["Connection"] = connection
	h["X-Accel-Buffering"] = noAccelBuf
	w.WriteHeader(http.StatusOK)
}

// WriteEvent writes one named SSE event: "event: <name>\ndata: <data>\n\n".
// An empty name writes a bare "data:" frame, matching providers that don't
// set an event type on every line.
func WriteEvent(w http.ResponseWriter, name string, data []byte) {
	if name != "" {
		w.Write(eventPrefix)
		w.Write([]byte(name))
		w.Write(newline)
	}
	w.Write(dataPrefix)
	w.Write(data)
	w.Write(blankLine)
}

// WriteDone writes the legacy "[DONE]" sentinel some OpenAI-compatible
// clients still expect at stream end.
func WriteDone(w http.ResponseWriter) {
	w.Write(doneFrame)
}

// WriteError writes an SSE error event to signal a stream failure to the client.
func WriteError(w http.ResponseWriter, msg string) {
	w.Write([]byte("event: error\ndata: "))
	w.Write([]byte(`{"error":{"message":"`))
	w.Write([]byte(msg))
	w.Write([]byte(`","type":"stream_error"}}`))
	w.Write(blankLine)
}

// WriteKeepAlive writes an SSE comment to keep the connection alive.
func WriteKeepAlive(w http.ResponseWriter) {
	w.Write(keepAlive)
}
