package generate

import (
	"strings"
	"testing"
)

func TestUserPayloadWithoutPageContext(t *testing.T) {
	e := NewPromptEngine("test-model", 100)
	payload := e.UserPayload("  draw a clock  ", "")
	if payload != "USER_PROMPT:\ndraw a clock" {
		t.Errorf("got %q", payload)
	}
	if strings.Contains(payload, "CURRENT_PAGE_HTML") {
		t.Error("empty page must not add a context section")
	}
}

func TestUserPayloadIncludesPageContext(t *testing.T) {
	e := NewPromptEngine("test-model", 100)
	payload := e.UserPayload("again", "<div>x</div>")
	if !strings.HasSuffix(payload, "CURRENT_PAGE_HTML:\n<div>x</div>") {
		t.Errorf("got %q", payload)
	}
}

func TestHTMLTrimmedToBudget(t *testing.T) {
	// Unknown model name selects the approximate chars/4 counter, so a
	// 10-token budget allows at most 40 characters of HTML.
	e := NewPromptEngine("test-model", 10)
	html := strings.Repeat("<p>", 100)

	trimmed := e.trimToBudget(html)
	if len(trimmed) > 40 {
		t.Errorf("trimmed HTML exceeds budget: %d chars", len(trimmed))
	}
	if len(trimmed) == 0 {
		t.Error("budgeted trim must keep a prefix")
	}
	if !strings.HasPrefix(html, trimmed) {
		t.Error("trim must be a prefix cut")
	}

	if got := e.trimToBudget("<p>small</p>"); got != "<p>small</p>" {
		t.Errorf("under-budget HTML must pass through, got %q", got)
	}
}
