package generate

import "time"

// FallbackPolicy decides which models a generation attempts, in order, when an
// attempt streams to completion but yields no usable HTML. Transport errors
// are not retried here; only empty results trigger fallback.
type FallbackPolicy struct {
	// Models are tried after the primary, in order.
	Models []string
	// Delay is a settle pause before each fallback attempt.
	Delay time.Duration
}

// DefaultFallbackPolicy retries once on a small, widely available model.
func DefaultFallbackPolicy() *FallbackPolicy {
	return &FallbackPolicy{
		Models: []string{"openai/gpt-4o-mini"},
		Delay:  150 * time.Millisecond,
	}
}

// Attempts returns the ordered model list for one generation: the primary
// first, then each configured fallback that differs from it.
func (p *FallbackPolicy) Attempts(primary string) []string {
	out := []string{primary}
	for _, m := range p.Models {
		if m != primary {
			out = append(out, m)
		}
	}
	return out
}
