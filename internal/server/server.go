// Package server exposes the HTTP API: generation, the per-page SSE fragment
// stream, revision inspection and selection, and canvas node edits.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/user/canvasforge/internal/bus"
	"github.com/user/canvasforge/internal/generate"
	"github.com/user/canvasforge/internal/store"
)

// Generator runs one prompt against a page. Satisfied by *generate.Generator.
type Generator interface {
	Generate(ctx context.Context, pageID, prompt string) (*generate.Result, error)
	Cancel(pageID string)
}

// Server is the HTTP handler for the canvas API.
type Server struct {
	store *store.Store
	bus   *bus.Bus
	gen   Generator
	mux   *http.ServeMux
}

// NewServer creates a Server over the given store, bus, and generator.
func NewServer(st *store.Store, b *bus.Bus, gen Generator) *Server {
	s := &Server{
		store: st,
		bus:   b,
		gen:   gen,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/generate", s.handleGenerate)
	s.mux.HandleFunc("GET /api/pages/{page}/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/pages/{page}/html", s.handleHTML)
	s.mux.HandleFunc("GET /api/pages/{page}/revisions", s.handleRevisions)
	s.mux.HandleFunc("POST /api/pages/{page}/select", s.handleSelect)
	s.mux.HandleFunc("POST /api/pages/{page}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	s.mux.HandleFunc("POST /api/nodes", s.handleCreateNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/remove", s.handleRemoveNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/readd", s.handleReaddNode)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// generateRequest is the JSON body for POST /api/generate.
type generateRequest struct {
	PageID string `json:"page_id"`
	Prompt string `json:"prompt"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}
	if req.PageID == "" {
		req.PageID = "main"
	}

	result, err := s.gen.Generate(r.Context(), req.PageID, req.Prompt)
	switch {
	case errors.Is(err, context.Canceled):
		// A newer generation for the same page took over.
		http.Error(w, `{"error":"superseded"}`, http.StatusConflict)
		return
	case errors.Is(err, generate.ErrEmptyGeneration):
		http.Error(w, `{"error":"empty generation"}`, http.StatusBadGateway)
		return
	case err != nil:
		slog.Error("generate failed", "page", req.PageID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"page_id":        req.PageID,
		"html":           result.HTML,
		"replace_target": result.ReplaceTarget,
		"model":          result.Model,
	})
}

// streamEvent is one SSE payload on the fragment stream.
type streamEvent struct {
	Text  string `json:"text,omitempty"`
	Reset bool   `json:"reset,omitempty"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	page := r.PathValue("page")

	// Publishers must never block on a slow client; drop on overflow.
	ch := make(chan bus.Chunk, 256)
	cancel := s.bus.Subscribe(generate.Topic(page), func(c bus.Chunk) {
		select {
		case ch <- c:
		default:
		}
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case c := <-ch:
			ev := streamEvent{Text: c.Text}
			if c.Text == bus.ResetToken {
				ev = streamEvent{Reset: true}
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleHTML(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page")
	rev, err := s.store.SelectedRevision(r.Context(), page)
	if errors.Is(err, store.ErrNoRevision) {
		http.Error(w, `{"error":"page has no revisions"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("selected revision failed", "page", page, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(rev.HTML))
}

func (s *Server) handleRevisions(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	revs, err := s.store.Revisions(r.Context(), page, limit)
	if err != nil {
		slog.Error("list revisions failed", "page", page, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if revs == nil {
		revs = []store.Revision{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(revs)
}

// selectRequest points a page at one of its committed revisions.
type selectRequest struct {
	UpdatedAt int64 `json:"updated_at"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page")
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UpdatedAt == 0 {
		http.Error(w, `{"error":"updated_at is required"}`, http.StatusBadRequest)
		return
	}
	err := s.store.Append(r.Context(), store.SelectionSet{
		PageID:            page,
		SelectedUpdatedAt: req.UpdatedAt,
		UpdatedAt:         time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("select revision failed", "page", page, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.gen.Cancel(r.PathValue("page"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("parent")
	nodes, err := s.store.VisibleNodes(r.Context(), parent)
	if err != nil {
		slog.Error("list nodes failed", "parent", parent, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []store.Node{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(nodes)
}

// createNodeRequest is the JSON body for POST /api/nodes.
type createNodeRequest struct {
	Tag        string  `json:"tag"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ParentID   string  `json:"parent_id"`
	OrderIndex int     `json:"order_index"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Tag == "" {
		http.Error(w, `{"error":"tag is required"}`, http.StatusBadRequest)
		return
	}
	id := uuid.New().String()
	err := s.store.Append(r.Context(), store.NodeCreated{
		ID:         id,
		Tag:        req.Tag,
		X:          req.X,
		Y:          req.Y,
		ParentID:   req.ParentID,
		OrderIndex: req.OrderIndex,
		CreatedAt:  time.Now().UnixMilli(),
	})
	if err != nil {
		slog.Error("create node failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id})
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	s.appendNodeLog(w, r, func(id string) store.Event {
		return store.NodeRemoved{NodeID: id, Timestamp: time.Now().UnixMilli()}
	})
}

func (s *Server) handleReaddNode(w http.ResponseWriter, r *http.Request) {
	s.appendNodeLog(w, r, func(id string) store.Event {
		return store.NodeReadded{NodeID: id, Timestamp: time.Now().UnixMilli()}
	})
}

func (s *Server) appendNodeLog(w http.ResponseWriter, r *http.Request, event func(id string) store.Event) {
	id := r.PathValue("id")
	if err := s.store.Append(r.Context(), event(id)); err != nil {
		slog.Error("node log append failed", "node", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.store.Tail(r.Context(), limit)
	if err != nil {
		slog.Error("tail events failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}
