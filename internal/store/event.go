package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one append-only state change. Events are immutable once written;
// each kind materializes into table rows as a pure function of its payload.
type Event interface {
	EventName() string
}

// NodeCreated records a UI node placed on the canvas.
type NodeCreated struct {
	ID         string  `json:"id"`
	Tag        string  `json:"tag"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	ParentID   string  `json:"parentId"`
	OrderIndex int     `json:"orderIndex"`
	CreatedAt  int64   `json:"createdAt"`
}

// NodeRemoved hides a node (undo). The node row stays; only a log entry is
// appended.
type NodeRemoved struct {
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}

// NodeReadded restores a previously removed node (redo).
type NodeReadded struct {
	NodeID    string `json:"nodeId"`
	Timestamp int64  `json:"timestamp"`
}

// PageCommitted records one finished HTML snapshot for a logical page. The
// new revision also becomes the selected one by default.
type PageCommitted struct {
	PageID    string `json:"pageId"`
	HTML      string `json:"html"`
	UpdatedAt int64  `json:"updatedAt"`
}

// SelectionSet points a page at one of its committed revisions, identified by
// that revision's updatedAt. Appending pointers instead of rewriting them is
// what makes revision undo/redo reversible.
type SelectionSet struct {
	PageID            string `json:"pageId"`
	SelectedUpdatedAt int64  `json:"selectedUpdatedAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// InputTyped records raw text typed into a canvas input.
type InputTyped struct {
	Text string `json:"text"`
}

func (NodeCreated) EventName() string   { return "uiNodeCreated" }
func (NodeRemoved) EventName() string   { return "uiNodeRemoved" }
func (NodeReadded) EventName() string   { return "uiNodeReadded" }
func (PageCommitted) EventName() string { return "htmlPageCommitted" }
func (SelectionSet) EventName() string  { return "htmlSelectionSet" }
func (InputTyped) EventName() string    { return "textTyped" }

// Append writes the event to the journal and materializes it into the derived
// tables in one transaction. Append is the only write primitive; concurrent
// appends are serialized by the database and both retained.
func (s *Store) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (name, payload, at) VALUES (?, ?, ?)`,
		event.EventName(), string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("journal seq: %w", err)
	}

	if err := materialize(ctx, tx, seq, event); err != nil {
		return fmt.Errorf("materialize %s: %w", event.EventName(), err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// materialize derives table rows from one journal entry. The journal seq is
// carried into the log tables so "later" is decided by append order, which
// stays deterministic when wall-clock timestamps collide.
func materialize(ctx context.Context, tx *sql.Tx, seq int64, event Event) error {
	switch e := event.(type) {
	case NodeCreated:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO nodes (id, tag, x, y, parent_id, order_index, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Tag, e.X, e.Y, e.ParentID, e.OrderIndex, e.CreatedAt)
		return err
	case NodeRemoved:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO node_removal_log (seq, id, node_id, timestamp) VALUES (?, ?, ?, ?)`,
			seq, uuid.New().String(), e.NodeID, e.Timestamp)
		return err
	case NodeReadded:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO node_readd_log (seq, id, node_id, timestamp) VALUES (?, ?, ?, ?)`,
			seq, uuid.New().String(), e.NodeID, e.Timestamp)
		return err
	case PageCommitted:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO html_pages (seq, id, page_id, html, updated_at) VALUES (?, ?, ?, ?, ?)`,
			seq, uuid.New().String(), e.PageID, e.HTML, e.UpdatedAt); err != nil {
			return err
		}
		// A freshly committed revision becomes the selected one.
		_, err := tx.ExecContext(ctx,
			`INSERT INTO html_selections (seq, id, page_id, selected_updated_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			seq, uuid.New().String(), e.PageID, e.UpdatedAt, time.Now().UnixMilli())
		return err
	case SelectionSet:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO html_selections (seq, id, page_id, selected_updated_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			seq, uuid.New().String(), e.PageID, e.SelectedUpdatedAt, e.UpdatedAt)
		return err
	case InputTyped:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO input_log (seq, id, content, timestamp) VALUES (?, ?, ?, ?)`,
			seq, uuid.New().String(), e.Text, time.Now().UnixMilli())
		return err
	default:
		return fmt.Errorf("unknown event type %T", event)
	}
}
