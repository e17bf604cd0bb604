package server

import (
	"encoding/json"
	"net/http"
)

// sseWriter drives one text/event-stream response, per spec.md §6's
// streaming endpoints: headers go out once as 200 + text/event-stream,
// and every subsequent signal (including failure) rides an in-stream
// event rather than a status change.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one `data: <json>\n\n` SSE frame.
func (s *sseWriter) send(v any) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(encoded)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}
