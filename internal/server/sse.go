package server

import (
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/hsn0918/edakb/internal/engine"
)

// sseWriter frames events as Server-Sent Events and flushes after every
// frame so the client sees tokens as they are generated.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// Send writes one event frame. Marshal failures surface as an error
// frame so the client stream is never silently truncated.
func (s *sseWriter) Send(ev engine.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		data, _ = sonic.Marshal(engine.Event{Type: "error", Content: err.Error()})
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
