// Package stream writes provider streams to the client as server-sent
// events. Headers are committed on the first write, so a failure before any
// output can still be reported with a real status code.
package stream

import (
	"encoding/json"
	"net/http"
)

// Writer is an SSE response writer with lazy header commit. It is not safe
// for concurrent use.
type Writer struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	headers   http.Header
	committed bool
}

// NewWriter wraps w. headers are applied when the first frame is written.
func NewWriter(w http.ResponseWriter, headers http.Header) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f, headers: headers}
}

// Committed reports whether the status line has been sent.
func (w *Writer) Committed() bool {
	return w.committed
}

// EnsureHeaders commits the stream headers and a 200 status if that has not
// happened yet.
func (w *Writer) EnsureHeaders() {
	if w.committed {
		return
	}
	h := w.w.Header()
	for k, vs := range w.headers {
		h[k] = vs
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/event-stream")
	}
	w.w.WriteHeader(http.StatusOK)
	w.committed = true
}

// Write sends one frame and flushes it. Empty frames are skipped and do not
// commit headers.
func (w *Writer) Write(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	w.EnsureHeaders()
	if _, err := w.w.Write(frame); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}

// WriteAll sends frames in order, stopping at the first write error.
func (w *Writer) WriteAll(frames [][]byte) error {
	for _, f := range frames {
		if err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// ErrorFrame renders the terminal error event sent after headers are
// committed.
func ErrorFrame(message string) []byte {
	data, _ := json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: "api_error", Message: message})

	frame := make([]byte, 0, len(data)+24)
	frame = append(frame, "event: error\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}

// WriteError sends the terminal error event.
func (w *Writer) WriteError(message string) error {
	return w.Write(ErrorFrame(message))
}
