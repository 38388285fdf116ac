package generate

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// SystemPrompt instructs the model to emit body-inner HTML that renders
// progressively from partial chunks.
const SystemPrompt = `You are an HTML-only generator. Output must be valid HTML, with no Markdown, no code fences, and no extra commentary.
Respond with BODY-INNER HTML only: do NOT include <!DOCTYPE>, <html>, <head>, or <body> tags.
Start with visible, minimal markup so partial chunks render immediately. Keep structure simple (e.g., a single root <div id="root">...).
Use minimal inline styles directly on elements (style attributes) for basic layout, spacing, and colors. Avoid external stylesheets, classes, and complex CSS.
Prefer minimal markup.

Image policy:
- Only use <img> tags for images if explicit image URLs are provided in the prompt (e.g., from a tool such as the Wikipedia image tool).
- If no image URLs are provided, do not use <img> tags.
- You may always use inline SVGs (<svg>...</svg>) for graphics and icons.
- If you need images, use the Wikipedia image tool to search for relevant image URLs and use only those.

If you wish to surgically replace a specific component, append a directive at the very end of your HTML on its own line:
::replace <component-id>
Otherwise omit the directive and the entire HTML will be used within the page body.`

// PromptEngine assembles the token-budgeted user payload for a generation:
// the user's prompt plus the current page HTML as context, with the HTML
// trimmed so long-lived pages cannot crowd out the prompt.
type PromptEngine struct {
	counter    func(string) int
	htmlBudget int
}

// NewPromptEngine creates an engine budgeting htmlBudget tokens for the page
// HTML context. The tokenizer is selected from the model name; unknown models
// fall back to an approximate chars/4 counter.
func NewPromptEngine(model string, htmlBudget int) *PromptEngine {
	counter := approxTokens
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		counter = func(s string) int { return len(enc.Encode(s, nil, nil)) }
	}
	return &PromptEngine{counter: counter, htmlBudget: htmlBudget}
}

func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// UserPayload builds the user turn sent to the agent loop.
func (e *PromptEngine) UserPayload(prompt, currentHTML string) string {
	var sb strings.Builder
	sb.WriteString("USER_PROMPT:\n")
	sb.WriteString(strings.TrimSpace(prompt))
	if currentHTML != "" {
		sb.WriteString("\n\nCURRENT_PAGE_HTML:\n")
		sb.WriteString(e.trimToBudget(currentHTML))
	}
	return sb.String()
}

// trimToBudget cuts text to the largest prefix within the HTML token budget.
func (e *PromptEngine) trimToBudget(text string) string {
	if e.counter(text) <= e.htmlBudget {
		return text
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if e.counter(string(runes[:mid])) <= e.htmlBudget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
