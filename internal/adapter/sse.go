package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ReadSSE reads server-sent events from body and sends them on out until
// EOF, a read error, or ctx is done. It closes out and body when it returns.
// Multi-line data fields are joined with "\n".
func ReadSSE(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var (
		event string
		data  [][]byte
	)
	send := func(c StreamChunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	flush := func() bool {
		if len(data) == 0 {
			event = ""
			return true
		}
		c := Chunk{Event: event, Data: bytes.Join(data, []byte("\n"))}
		event, data = "", nil
		return send(StreamChunk{Chunk: c})
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			d := strings.TrimPrefix(line, "data:")
			d = strings.TrimPrefix(d, " ")
			data = append(data, []byte(d))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() == nil {
			send(StreamChunk{Err: fmt.Errorf("stream read error: %w", err)})
		}
		return
	}
	flush()
}

// FormatSSE renders one event frame. An empty event name omits the event
// line.
func FormatSSE(event string, data []byte) []byte {
	var b bytes.Buffer
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// DefaultSSEHeaders returns the response headers for an event stream.
func DefaultSSEHeaders() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return h
}
