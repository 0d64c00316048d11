// Package tokens counts tokens in text for compression accounting.
package tokens

import "log/slog"

// Counter counts tokens in a piece of text for a model.
type Counter interface {
	Count(model, text string) int
}

// Registry counts with tiktoken and falls back to the character estimator
// when no encoding can be loaded.
type Registry struct {
	tiktoken *TiktokenCounter
	fallback *Estimator
	logger   *slog.Logger
}

// NewRegistry creates a counter registry with default counters.
func NewRegistry() *Registry {
	return &Registry{
		tiktoken: NewTiktokenCounter(),
		fallback: NewEstimator(),
		logger:   slog.Default(),
	}
}

// Count implements Counter.
func (r *Registry) Count(model, text string) int {
	n, err := r.tiktoken.Count(model, text)
	if err == nil {
		return n
	}
	r.logger.Debug("tiktoken unavailable, estimating",
		slog.String("model", model),
		slog.String("error", err.Error()))
	return r.fallback.Count(model, text)
}

// Estimator approximates token counts from character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count implements Counter.
func (e *Estimator) Count(_ string, text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(len(text)) / e.CharsPerToken)
	if n == 0 {
		return 1
	}
	return n
}
