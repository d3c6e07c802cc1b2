package sse

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/gjson"
)

// maxDeltaChunkBytes bounds how much text goes out in a single synthesized
// delta event, so a client watching for incremental output still sees
// progress even though the upstream only returned one JSON blob.
const maxDeltaChunkBytes = 64

// SynthesizeFromJSON turns a single non-streaming JSON response body into
// an SSE stream shaped like a real one: a sequence of response.output_text
// .delta events chunking the text in ≤64-byte pieces, followed by a single
// response.completed event carrying the original body verbatim (so
// downstream accounting sees exactly what a real completed event would
// contain), and the compatibility [DONE] sentinel.
//
// It's used only for providers whose base_url responds to non-streaming
// requests even when the caller asked for stream:true -- functionally
// correct either way, the client just doesn't see real-time token deltas.
func SynthesizeFromJSON(w http.ResponseWriter, body []byte) {
	WriteHeaders(w)
	flusher, _ := w.(http.Flusher)

	text := gjson.GetBytes(body, "output_text")
	if !text.Exists() {
		text = gjson.GetBytes(body, "output.0.content.0.text")
	}

	if text.Exists() {
		s := text.String()
		for i := 0; i < len(s); i += maxDeltaChunkBytes {
			end := min(i+maxDeltaChunkBytes, len(s))
			delta, _ := json.Marshal(map[string]string{"delta": s[i:end]})
			WriteEvent(w, "response.output_text.delta", delta)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	WriteEvent(w, CompletedEvent, body)
	WriteDone(w)
	if flusher != nil {
		flusher.Flush()
	}
}
