package generate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/canvasforge/internal/bus"
	"github.com/user/canvasforge/internal/store"
	"github.com/user/canvasforge/internal/tools"
	"github.com/user/canvasforge/pkg/llm"
)

// providerScript hands out fake providers per requested model and records the
// order models were tried and every request each one received.
type providerScript struct {
	mu       sync.Mutex
	chunks   map[string][]llm.Chunk
	models   []string
	requests [][]llm.Message
}

func (s *providerScript) factory(model string) llm.Provider {
	s.mu.Lock()
	s.models = append(s.models, model)
	s.mu.Unlock()
	return &scriptedProvider{script: s, model: model}
}

type scriptedProvider struct {
	script *providerScript
	model  string
}

func (p *scriptedProvider) Complete(context.Context, []llm.Message, []llm.Tool) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) Stream(_ context.Context, messages []llm.Message, _ []llm.Tool) (<-chan llm.Chunk, error) {
	p.script.mu.Lock()
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	p.script.requests = append(p.script.requests, snapshot)
	chunks := p.script.chunks[p.model]
	p.script.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textChunks(parts ...string) []llm.Chunk {
	chunks := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, llm.TextChunk{Text: p})
	}
	return append(chunks, llm.DoneChunk{})
}

func newTestGenerator(t *testing.T, script *providerScript, policy *FallbackPolicy) (*Generator, *bus.Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "canvas.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	g := New(llm.Config{Model: "primary-model"}, tools.NewRegistry(), b, st, policy, 1, 2)
	g.newProvider = script.factory
	return g, b, st
}

func TestGenerateStreamsAndCommits(t *testing.T) {
	script := &providerScript{chunks: map[string][]llm.Chunk{
		"primary-model": textChunks("<div", "></div>"),
	}}
	g, b, st := newTestGenerator(t, script, &FallbackPolicy{})

	var published []string
	b.Subscribe(Topic("main"), func(c bus.Chunk) { published = append(published, c.Text) })

	result, err := g.Generate(context.Background(), "main", "draw a box")
	if err != nil {
		t.Fatal(err)
	}
	if result.HTML != "<div></div>" || result.Model != "primary-model" {
		t.Fatalf("unexpected result %+v", result)
	}

	want := []string{bus.ResetToken, "<div", "></div>"}
	if len(published) != len(want) {
		t.Fatalf("expected %v on the bus, got %v", want, published)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("bus chunk %d: got %q, want %q", i, published[i], want[i])
		}
	}

	rev, err := st.SelectedRevision(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if rev.HTML != "<div></div>" {
		t.Errorf("committed revision %q", rev.HTML)
	}

	history, err := st.History(context.Background(), "main", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Role != "user" || history[1].Role != "assistant" {
		t.Fatalf("expected user+assistant history, got %+v", history)
	}
	if history[1].Content != "<div></div>" {
		t.Errorf("assistant history %q", history[1].Content)
	}

	entries, err := st.Tail(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[0] != "textTyped" || names[1] != "htmlPageCommitted" {
		t.Errorf("journal %v", names)
	}
}

func TestGenerateFallsBackOnEmptyResult(t *testing.T) {
	script := &providerScript{chunks: map[string][]llm.Chunk{
		"primary-model": {}, // empty stream
		"backup-model":  textChunks("<p>hi</p>"),
	}}
	g, b, _ := newTestGenerator(t, script, &FallbackPolicy{Models: []string{"backup-model"}})

	var resets int
	b.Subscribe(Topic("main"), func(c bus.Chunk) {
		if c.Text == bus.ResetToken {
			resets++
		}
	})

	result, err := g.Generate(context.Background(), "main", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.Model != "backup-model" || result.HTML != "<p>hi</p>" {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(script.models) != 2 || script.models[0] != "primary-model" || script.models[1] != "backup-model" {
		t.Errorf("attempt order %v", script.models)
	}
	// Each attempt resets the renderers.
	if resets != 2 {
		t.Errorf("expected 2 resets, got %d", resets)
	}
}

func TestGenerateAllModelsEmpty(t *testing.T) {
	script := &providerScript{chunks: map[string][]llm.Chunk{}}
	g, _, st := newTestGenerator(t, script, &FallbackPolicy{Models: []string{"backup-model"}})

	_, err := g.Generate(context.Background(), "main", "hi")
	if !errors.Is(err, ErrEmptyGeneration) {
		t.Fatalf("expected ErrEmptyGeneration, got %v", err)
	}
	html, err := st.LatestHTML(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if html != "" {
		t.Errorf("nothing should be committed, got %q", html)
	}
}

func TestGenerateStripsReplaceDirective(t *testing.T) {
	script := &providerScript{chunks: map[string][]llm.Chunk{
		"primary-model": textChunks("<span>x</span>\n::replace hero"),
	}}
	g, _, st := newTestGenerator(t, script, &FallbackPolicy{})

	result, err := g.Generate(context.Background(), "main", "tweak the hero")
	if err != nil {
		t.Fatal(err)
	}
	if result.ReplaceTarget != "hero" {
		t.Errorf("expected replace target hero, got %q", result.ReplaceTarget)
	}
	if result.HTML != "<span>x</span>" {
		t.Errorf("directive must not reach the HTML, got %q", result.HTML)
	}
	rev, err := st.SelectedRevision(context.Background(), "main")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(rev.HTML, "::replace") {
		t.Errorf("directive leaked into the committed revision: %q", rev.HTML)
	}
}

func TestGenerateIncludesCurrentPageContext(t *testing.T) {
	script := &providerScript{chunks: map[string][]llm.Chunk{
		"primary-model": textChunks("<b>v2</b>"),
	}}
	g, _, st := newTestGenerator(t, script, &FallbackPolicy{})

	if err := st.Append(context.Background(), store.PageCommitted{
		PageID: "main", HTML: "<b>v1</b>", UpdatedAt: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := g.Generate(context.Background(), "main", "make it v2"); err != nil {
		t.Fatal(err)
	}

	sent := script.requests[0]
	user := sent[len(sent)-1]
	if user.Role != "user" {
		t.Fatalf("expected trailing user turn, got %+v", user)
	}
	if !strings.Contains(user.Text(), "USER_PROMPT:\nmake it v2") {
		t.Errorf("payload missing prompt: %q", user.Text())
	}
	if !strings.Contains(user.Text(), "CURRENT_PAGE_HTML:\n<b>v1</b>") {
		t.Errorf("payload missing current page context: %q", user.Text())
	}
	if sent[0].Role != "system" || !strings.Contains(sent[0].Text(), "HTML-only generator") {
		t.Errorf("unexpected system turn: %+v", sent[0])
	}
}

// blockingProvider never produces chunks; its stream closes when the run is
// cancelled.
type blockingProvider struct {
	started sync.Once
	ready   chan struct{}
}

func (p *blockingProvider) Complete(context.Context, []llm.Message, []llm.Tool) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (p *blockingProvider) Stream(ctx context.Context, _ []llm.Message, _ []llm.Tool) (<-chan llm.Chunk, error) {
	p.started.Do(func() { close(p.ready) })
	ch := make(chan llm.Chunk)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func TestNewGenerationCancelsPrevious(t *testing.T) {
	script := &providerScript{chunks: map[string][]llm.Chunk{
		"primary-model": textChunks("<i>second</i>"),
	}}
	g, _, _ := newTestGenerator(t, script, &FallbackPolicy{})

	blocking := &blockingProvider{ready: make(chan struct{})}
	scripted := script.factory
	first := true
	var mu sync.Mutex
	g.newProvider = func(model string) llm.Provider {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return blocking
		}
		return scripted(model)
	}

	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, firstErr = g.Generate(context.Background(), "main", "slow one")
	}()
	<-blocking.ready

	result, err := g.Generate(context.Background(), "main", "replacement")
	if err != nil {
		t.Fatal(err)
	}
	if result.HTML != "<i>second</i>" {
		t.Fatalf("unexpected result %+v", result)
	}

	<-done
	if !errors.Is(firstErr, context.Canceled) {
		t.Errorf("superseded run should report cancellation, got %v", firstErr)
	}
}

func TestSplitReplaceDirective(t *testing.T) {
	html, target := splitReplaceDirective("<div>a</div>\n::replace card-2")
	if html != "<div>a</div>" || target != "card-2" {
		t.Errorf("got %q %q", html, target)
	}

	// Only a trailing directive counts.
	html, target = splitReplaceDirective("::replace early\n<div>b</div>")
	if target != "" || html != "::replace early\n<div>b</div>" {
		t.Errorf("mid-text directive must be ignored, got %q %q", html, target)
	}

	html, target = splitReplaceDirective("<div>c</div>")
	if html != "<div>c</div>" || target != "" {
		t.Errorf("got %q %q", html, target)
	}
}
