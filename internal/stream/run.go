package stream

import (
	"context"
	"net/http"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/adapter"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

// Gate decides whether buffered tool calls may be revealed to the client.
// When it blocks, it returns the text to stream in their place.
type Gate func(ctx context.Context, calls []domain.ToolCall) (refusal string, blocked bool)

// Result is how a stream ended.
type Result struct {
	Status domain.InteractionStatus
	// Err is the error that ended the stream early. When the writer has not
	// committed, the caller still owns the status line and must report it.
	Err error
}

// Run forwards chunks to w until the upstream stream is final, fails, or ctx
// is done. Tool-call frames are held back by the stream adapter and only
// released after gate allows them. The caller should cancel ctx after Run
// returns so the upstream reader is released.
func Run(ctx context.Context, w *Writer, sa adapter.StreamAdapter, chunks <-chan adapter.StreamChunk, gate Gate) Result {
	for {
		select {
		case <-ctx.Done():
			return Result{Status: domain.InteractionAborted, Err: ctx.Err()}
		case item, ok := <-chunks:
			if !ok {
				return fail(w, domain.ErrUpstream(http.StatusBadGateway, "upstream stream ended unexpectedly"))
			}
			if item.Err != nil {
				return fail(w, item.Err)
			}
			res, err := sa.ProcessChunk(item.Chunk)
			if err != nil {
				return fail(w, err)
			}
			if err := w.Write(res.SSEData); err != nil {
				return Result{Status: domain.InteractionAborted, Err: err}
			}
			if res.IsFinal {
				return finish(ctx, w, sa, gate)
			}
		}
	}
}

func finish(ctx context.Context, w *Writer, sa adapter.StreamAdapter, gate Gate) Result {
	status := domain.InteractionSuccess
	if calls := sa.State().ToolCalls; len(calls) > 0 {
		frames := sa.RawToolCallEvents()
		if gate != nil {
			if refusal, blocked := gate(ctx, calls); blocked {
				frames = sa.FormatCompleteTextSSE(refusal)
				status = domain.InteractionRefused
			}
		}
		if err := w.WriteAll(frames); err != nil {
			return Result{Status: domain.InteractionAborted, Err: err}
		}
	}
	if err := w.Write(sa.FormatEndSSE()); err != nil {
		return Result{Status: domain.InteractionAborted, Err: err}
	}
	return Result{Status: status}
}

// fail reports err in-band once output has begun. Before that, the error is
// returned untouched so the caller can map it to a status code.
func fail(w *Writer, err error) Result {
	if !w.Committed() {
		return Result{Status: domain.InteractionError, Err: err}
	}
	w.WriteError(adapter.ErrorMessage(err))
	return Result{Status: domain.InteractionAborted, Err: err}
}
