package agent

import (
	"testing"

	"github.com/user/canvasforge/pkg/llm"
)

func TestFinalizeOrdersByIndex(t *testing.T) {
	acc := NewAccumulator()
	for _, idx := range []int{2, 0, 1} {
		acc.Add(llm.ToolCallDelta{
			Index:    idx,
			Function: llm.FunctionDelta{Name: "tool"},
		})
		// Interleave argument fragments out of index order too.
		acc.Add(llm.ToolCallDelta{Index: idx, Function: llm.FunctionDelta{Arguments: "{}"}})
	}

	calls := acc.Finalize()
	if len(calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(calls))
	}
	// Finalize cannot expose indices directly, so check by distinct ids:
	// synthesized ids embed the index in ascending order.
	for i, call := range calls {
		if call.Function.Name != "tool" {
			t.Errorf("call %d: unexpected name %q", i, call.Function.Name)
		}
	}
	if calls[0].ID == calls[1].ID || calls[1].ID == calls[2].ID {
		t.Errorf("expected distinct ids, got %q %q %q", calls[0].ID, calls[1].ID, calls[2].ID)
	}
}

func TestArgumentFragmentsConcatenate(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 0, ID: "call_a", Function: llm.FunctionDelta{Name: "echo", Arguments: `{"a":`}})
	acc.Add(llm.ToolCallDelta{Index: 0, Function: llm.FunctionDelta{Arguments: `1}`}})

	calls := acc.Finalize()
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("expected concatenated arguments, got %q", calls[0].Function.Arguments)
	}
}

func TestIDAdoptedOnceThenKept(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 0, ID: "first", Function: llm.FunctionDelta{Name: "echo"}})
	acc.Add(llm.ToolCallDelta{Index: 0, ID: "second"})

	calls := acc.Finalize()
	if calls[0].ID != "first" {
		t.Errorf("expected id 'first' to stick, got %q", calls[0].ID)
	}
}

func TestSynthesizedIDsUniqueWithinBatch(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 0, Function: llm.FunctionDelta{Name: "a"}})
	acc.Add(llm.ToolCallDelta{Index: 1, Function: llm.FunctionDelta{Name: "b"}})

	calls := acc.Finalize()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID == "" || calls[1].ID == "" {
		t.Fatal("expected synthesized non-empty ids")
	}
	if calls[0].ID == calls[1].ID {
		t.Errorf("expected distinct synthesized ids, both %q", calls[0].ID)
	}
}

func TestNamelessRecordsDropped(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 0, ID: "x", Function: llm.FunctionDelta{Arguments: `{"a":1}`}})
	acc.Add(llm.ToolCallDelta{Index: 1, Function: llm.FunctionDelta{Name: "real", Arguments: `{}`}})

	calls := acc.Finalize()
	if len(calls) != 1 || calls[0].Function.Name != "real" {
		t.Fatalf("expected only the named call, got %+v", calls)
	}
}

func TestLaterNameOverwrites(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 0, Function: llm.FunctionDelta{Name: "draft"}})
	acc.Add(llm.ToolCallDelta{Index: 0, Function: llm.FunctionDelta{Name: "final"}})

	calls := acc.Finalize()
	if calls[0].Function.Name != "final" {
		t.Errorf("expected later non-empty name to win, got %q", calls[0].Function.Name)
	}
}
