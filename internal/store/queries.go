package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoRevision is returned when a page has no committed revision at all.
var ErrNoRevision = errors.New("no revision for page")

// Node is one materialized canvas node.
type Node struct {
	ID         string  `json:"id"`
	Tag        string  `json:"tag"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ParentID   string  `json:"parent_id"`
	OrderIndex int     `json:"order_index"`
	CreatedAt  int64   `json:"created_at"`
}

// Revision is one committed HTML snapshot.
type Revision struct {
	PageID    string `json:"page_id"`
	HTML      string `json:"html"`
	UpdatedAt int64  `json:"updated_at"`
}

// HistoryEntry is one stored conversation turn.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// JournalEntry is one raw row of the append-only event journal.
type JournalEntry struct {
	Seq     int64           `json:"seq"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
	At      int64           `json:"at"`
}

// VisibleNodes returns the nodes under parentID that are currently visible,
// ordered by orderIndex. A node is visible when it was created and its latest
// removal, if any, has been followed by a later re-add. "Later" is decided by
// journal append order, so replaying the log always reproduces the same set.
func (s *Store) VisibleNodes(ctx context.Context, parentID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.tag, n.x, n.y, n.parent_id, n.order_index, n.created_at
		FROM nodes n
		WHERE n.parent_id = ?
		  AND COALESCE((SELECT MAX(r.seq) FROM node_removal_log r WHERE r.node_id = n.id), 0)
		    <= COALESCE((SELECT MAX(a.seq) FROM node_readd_log a WHERE a.node_id = n.id), 0)
		ORDER BY n.order_index`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query visible nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Tag, &n.X, &n.Y, &n.ParentID, &n.OrderIndex, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Revisions returns the most recent limit revisions for a page, newest first.
func (s *Store) Revisions(ctx context.Context, pageID string, limit int) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, html, updated_at FROM html_pages
		WHERE page_id = ? ORDER BY updated_at DESC, seq DESC LIMIT ?`, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var revs []Revision
	for rows.Next() {
		var r Revision
		if err := rows.Scan(&r.PageID, &r.HTML, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		revs = append(revs, r)
	}
	return revs, rows.Err()
}

// SelectedRevision returns the currently active revision for a page: the one
// the latest selection pointer names, falling back to the most recent commit
// when no pointer exists or the pointer is dangling.
func (s *Store) SelectedRevision(ctx context.Context, pageID string) (*Revision, error) {
	var selected int64
	err := s.db.QueryRowContext(ctx, `
		SELECT selected_updated_at FROM html_selections
		WHERE page_id = ? ORDER BY seq DESC LIMIT 1`, pageID).Scan(&selected)
	switch {
	case err == nil:
		var r Revision
		err = s.db.QueryRowContext(ctx, `
			SELECT page_id, html, updated_at FROM html_pages
			WHERE page_id = ? AND updated_at = ? ORDER BY seq DESC LIMIT 1`, pageID, selected).
			Scan(&r.PageID, &r.HTML, &r.UpdatedAt)
		if err == nil {
			return &r, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("query selected revision: %w", err)
		}
		// Dangling pointer; fall through to the latest commit.
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("query selection: %w", err)
	}

	return s.latestRevision(ctx, pageID)
}

func (s *Store) latestRevision(ctx context.Context, pageID string) (*Revision, error) {
	var r Revision
	err := s.db.QueryRowContext(ctx, `
		SELECT page_id, html, updated_at FROM html_pages
		WHERE page_id = ? ORDER BY updated_at DESC, seq DESC LIMIT 1`, pageID).
		Scan(&r.PageID, &r.HTML, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRevision
	}
	if err != nil {
		return nil, fmt.Errorf("query latest revision: %w", err)
	}
	return &r, nil
}

// LatestHTML returns the most recently committed HTML for a page, or "" when
// the page has never been committed. Used as generation context.
func (s *Store) LatestHTML(ctx context.Context, pageID string) (string, error) {
	rev, err := s.latestRevision(ctx, pageID)
	if errors.Is(err, ErrNoRevision) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return rev.HTML, nil
}

// AppendHistory stores one conversation turn for a page.
func (s *Store) AppendHistory(ctx context.Context, pageID, role, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO convo_history (id, page_id, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), pageID, role, content, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// History returns up to limit most recent conversation turns for a page in
// chronological order.
func (s *Store) History(ctx context.Context, pageID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, ts FROM (
			SELECT role, content, ts, seq FROM convo_history
			WHERE page_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Role, &e.Content, &e.TS); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Tail returns the last limit journal entries in append order.
func (s *Store) Tail(ctx context.Context, limit int) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, name, payload, at FROM (
			SELECT seq, name, payload, at FROM events ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var payload string
		if err := rows.Scan(&e.Seq, &e.Name, &payload, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of journal entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
