// Package generate orchestrates one prompt-to-revision run: build the
// token-budgeted payload from the prompt plus the current page HTML, run the
// agent loop while relaying text fragments onto the page's bus topic, and
// commit the finished HTML as a new revision. Each page has at most one
// active generation; starting a new one cancels its predecessor.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/canvasforge/internal/agent"
	"github.com/user/canvasforge/internal/bus"
	"github.com/user/canvasforge/internal/store"
	"github.com/user/canvasforge/internal/tools"
	"github.com/user/canvasforge/pkg/llm"
	"github.com/user/canvasforge/pkg/llm/openai"
)

// ErrEmptyGeneration means every attempted model streamed to completion
// without producing any HTML.
var ErrEmptyGeneration = errors.New("generation produced no html")

const (
	// historyWindow is how many stored conversation turns ride along as
	// context on each run.
	historyWindow = 8
	// htmlBudget caps the tokens spent on CURRENT_PAGE_HTML context.
	htmlBudget = 4000

	defaultCycles        = 2
	defaultMaxConcurrent = 4
)

// Topic returns the bus topic carrying a page's streamed fragments.
func Topic(pageID string) string { return "page:" + pageID }

// Result is one committed generation.
type Result struct {
	HTML string
	// ReplaceTarget is the component id named by a trailing ::replace
	// directive, or "" when the HTML replaces the whole page body.
	ReplaceTarget string
	// Model is the model that produced the committed HTML.
	Model string
}

type slot struct {
	cancel context.CancelFunc
	gen    uint64
}

// Generator runs generations against a store, a bus, and a tool registry.
// Safe for concurrent use.
type Generator struct {
	cfg      llm.Config
	registry *tools.Registry
	bus      *bus.Bus
	store    *store.Store
	policy   *FallbackPolicy
	cycles   int
	prompts  *PromptEngine
	sem      *semaphore.Weighted

	// newProvider builds the provider for one attempt's model.
	newProvider func(model string) llm.Provider

	mu      sync.Mutex
	slots   map[string]slot
	nextGen uint64
}

// New creates a Generator. A nil policy gets DefaultFallbackPolicy; cycles
// and maxConcurrent fall back to package defaults when not positive.
func New(cfg llm.Config, registry *tools.Registry, b *bus.Bus, s *store.Store, policy *FallbackPolicy, cycles int, maxConcurrent int64) *Generator {
	if policy == nil {
		policy = DefaultFallbackPolicy()
	}
	if cycles <= 0 {
		cycles = defaultCycles
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	g := &Generator{
		cfg:      cfg,
		registry: registry,
		bus:      b,
		store:    s,
		policy:   policy,
		cycles:   cycles,
		prompts:  NewPromptEngine(cfg.Model, htmlBudget),
		sem:      semaphore.NewWeighted(maxConcurrent),
		slots:    make(map[string]slot),
	}
	g.newProvider = func(model string) llm.Provider {
		c := cfg
		c.Model = model
		return openai.New(&c)
	}
	return g
}

// Generate runs one prompt against a page and blocks until the resulting HTML
// is committed or every model attempt came back empty. Starting a generation
// for a page that already has one running cancels the running one first; the
// superseded call returns its context error.
func (g *Generator) Generate(ctx context.Context, pageID, prompt string) (*Result, error) {
	runCtx, gen := g.claim(ctx, pageID)
	defer g.release(pageID, gen)

	if err := g.sem.Acquire(runCtx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	if err := g.store.Append(runCtx, store.InputTyped{Text: prompt}); err != nil {
		slog.Warn("record prompt", "page", pageID, "error", err)
	}

	currentHTML, err := g.store.LatestHTML(runCtx, pageID)
	if err != nil {
		return nil, err
	}
	history, err := g.loadHistory(runCtx, pageID)
	if err != nil {
		return nil, err
	}

	payload := g.prompts.UserPayload(prompt, currentHTML)
	topic := Topic(pageID)

	for i, model := range g.policy.Attempts(g.cfg.Model) {
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}
		if i > 0 {
			slog.Info("retrying with fallback model", "page", pageID, "model", model)
			select {
			case <-time.After(g.policy.Delay):
			case <-runCtx.Done():
				return nil, runCtx.Err()
			}
		}

		// Renderers discard any buffered fragments from a previous attempt.
		g.bus.Publish(topic, bus.Chunk{Text: bus.ResetToken})

		loop := agent.New(g.newProvider(model), g.registry)
		result, err := loop.Run(runCtx, payload, agent.Options{
			Cycles:       g.cycles,
			SystemPrompt: SystemPrompt,
			History:      history,
			OnText: func(s string) {
				g.bus.Publish(topic, bus.Chunk{Text: s})
			},
		})
		if err != nil {
			return nil, fmt.Errorf("generate %s: %w", pageID, err)
		}
		if runCtx.Err() != nil {
			return nil, runCtx.Err()
		}

		html, target := splitReplaceDirective(result.Text)
		if strings.TrimSpace(html) == "" {
			slog.Warn("empty generation", "page", pageID, "model", model)
			continue
		}

		if err := g.store.Append(runCtx, store.PageCommitted{
			PageID:    pageID,
			HTML:      html,
			UpdatedAt: time.Now().UnixMilli(),
		}); err != nil {
			return nil, err
		}
		if err := g.store.AppendHistory(runCtx, pageID, "user", payload); err != nil {
			return nil, err
		}
		if err := g.store.AppendHistory(runCtx, pageID, "assistant", html); err != nil {
			return nil, err
		}

		slog.Info("generation committed", "page", pageID, "model", model, "bytes", len(html))
		return &Result{HTML: html, ReplaceTarget: target, Model: model}, nil
	}

	return nil, ErrEmptyGeneration
}

// Cancel stops the active generation for pageID, if any.
func (g *Generator) Cancel(pageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.slots[pageID]; ok {
		s.cancel()
		delete(g.slots, pageID)
	}
}

func (g *Generator) loadHistory(ctx context.Context, pageID string) ([]llm.Message, error) {
	entries, err := g.store.History(ctx, pageID, historyWindow)
	if err != nil {
		return nil, err
	}
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case "user":
			msgs = append(msgs, llm.UserMessage(e.Content))
		case "assistant":
			msgs = append(msgs, llm.AssistantMessage(e.Content))
		}
	}
	return msgs, nil
}

// claim registers this run as the page's active generation, cancelling any
// predecessor. The returned generation number ties release to this claim so a
// finished run cannot tear down its successor's slot.
func (g *Generator) claim(ctx context.Context, pageID string) (context.Context, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.slots[pageID]; ok {
		prev.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.nextGen++
	g.slots[pageID] = slot{cancel: cancel, gen: g.nextGen}
	return runCtx, g.nextGen
}

func (g *Generator) release(pageID string, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.slots[pageID]; ok && s.gen == gen {
		s.cancel()
		delete(g.slots, pageID)
	}
}

var replaceDirective = regexp.MustCompile(`::replace\s+(\S+)\s*$`)

// splitReplaceDirective strips a trailing "::replace <component-id>" line and
// returns the remaining HTML and the named target ("" when absent).
func splitReplaceDirective(text string) (html, target string) {
	m := replaceDirective.FindStringSubmatchIndex(text)
	if m == nil {
		return text, ""
	}
	return strings.TrimRight(text[:m[0]], " \n"), text[m[2]:m[3]]
}
