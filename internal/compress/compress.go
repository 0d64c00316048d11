package compress

import (
	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
	"github.com/tjfontaine/polyglot-llm-proxy/internal/tokens"
)

// SkipReason explains why compression did not change a request.
type SkipReason string

const (
	SkipNotEnabled    SkipReason = "not_enabled"
	SkipNoToolResults SkipReason = "no_tool_results"
	SkipNotEffective  SkipReason = "not_effective"
)

// Stats describes the outcome of compressing one request. When Applied is
// false, SkipReason says why.
type Stats struct {
	Applied      bool
	TokensBefore int
	TokensAfter  int
	SkipReason   SkipReason
}

// TokensSaved returns how many tokens compression removed.
func (s Stats) TokensSaved() int {
	if !s.Applied {
		return 0
	}
	return s.TokensBefore - s.TokensAfter
}

// ToolResultSource is the slice of a request adapter compression needs.
type ToolResultSource interface {
	ToolResults() []domain.ToolResult
	ApplyToolResultUpdates(updates map[string]string)
}

// Skipped returns stats for compression that was never attempted.
func Skipped(reason SkipReason) Stats {
	return Stats{SkipReason: reason}
}

// Apply rewrites every JSON tool result in src whose TOON form is smaller in
// tokens. Results that are not JSON, or that do not shrink, are left alone.
func Apply(src ToolResultSource, model string, counter tokens.Counter) Stats {
	results := src.ToolResults()
	if len(results) == 0 {
		return Skipped(SkipNoToolResults)
	}

	var stats Stats
	updates := make(map[string]string)
	for _, r := range results {
		before := counter.Count(model, r.Content)
		stats.TokensBefore += before

		encoded, ok := EncodeJSON(r.Content)
		if !ok {
			stats.TokensAfter += before
			continue
		}
		after := counter.Count(model, encoded)
		if after >= before {
			stats.TokensAfter += before
			continue
		}
		stats.TokensAfter += after
		updates[r.ToolCallID] = encoded
	}

	if len(updates) == 0 {
		stats.SkipReason = SkipNotEffective
		return stats
	}

	src.ApplyToolResultUpdates(updates)
	stats.Applied = true
	return stats
}
