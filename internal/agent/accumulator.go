package agent

import (
	"sort"
	"strconv"
	"time"

	"github.com/user/canvasforge/pkg/llm"
)

// Accumulator merges streamed tool-call fragments into complete requests.
// Providers fragment a call across many deltas sharing an index: the id and
// name usually arrive once, the argument string arrives as pieces to
// concatenate. One Accumulator serves one agent cycle.
type Accumulator struct {
	partial map[int]*llm.ToolCall
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{partial: make(map[int]*llm.ToolCall)}
}

// Add merges one fragment into the partial record for its index.
func (a *Accumulator) Add(d llm.ToolCallDelta) {
	p, ok := a.partial[d.Index]
	if !ok {
		p = &llm.ToolCall{Type: "function"}
		a.partial[d.Index] = p
	}
	if d.ID != "" && p.ID == "" {
		p.ID = d.ID
	}
	if d.Type != "" {
		p.Type = d.Type
	}
	if d.Function.Name != "" {
		p.Function.Name = d.Function.Name
	}
	// Arguments stream incrementally and are only ever appended.
	p.Function.Arguments += d.Function.Arguments
}

// Finalize returns the complete tool calls in ascending index order, which is
// the provider's intended call order. Records still missing an id get one
// synthesized from index and wall clock (unique within the batch because the
// index participates); records without a function name are dropped and never
// surfaced as callable.
func (a *Accumulator) Finalize() []llm.ToolCall {
	indices := make([]int, 0, len(a.partial))
	for idx := range a.partial {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	now := strconv.FormatInt(time.Now().UnixMilli(), 36)
	calls := make([]llm.ToolCall, 0, len(indices))
	for _, idx := range indices {
		p := a.partial[idx]
		if p.Function.Name == "" {
			continue
		}
		if p.ID == "" {
			p.ID = "call_" + strconv.Itoa(idx) + "_" + now
		}
		calls = append(calls, *p)
	}
	return calls
}
