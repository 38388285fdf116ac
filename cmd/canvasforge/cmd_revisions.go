package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/canvasforge/internal/store"
)

var revisionsLimit int

func init() {
	revisionsListCmd.Flags().IntVar(&revisionsLimit, "limit", 20, "maximum revisions to show")
	revisionsCmd.AddCommand(revisionsListCmd, revisionsSelectCmd)
	rootCmd.AddCommand(revisionsCmd)
}

var revisionsCmd = &cobra.Command{
	Use:   "revisions",
	Short: "Inspect and select page revisions",
}

func openStoreOnly() (*store.Store, error) {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return store.Open(filepath.Join(cfg.DataDir, "canvas.db"))
}

var revisionsListCmd = &cobra.Command{
	Use:   "list [page]",
	Short: "List committed revisions for a page, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page := "main"
		if len(args) == 1 {
			page = args[0]
		}

		st, err := openStoreOnly()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		revs, err := st.Revisions(ctx, page, revisionsLimit)
		if err != nil {
			return err
		}
		if len(revs) == 0 {
			fmt.Printf("No revisions for page %q.\n", page)
			return nil
		}

		selected, err := st.SelectedRevision(ctx, page)
		if err != nil {
			return err
		}
		for _, r := range revs {
			marker := " "
			if r.UpdatedAt == selected.UpdatedAt {
				marker = "*"
			}
			ts := time.UnixMilli(r.UpdatedAt).Format("2006-01-02 15:04:05")
			fmt.Printf("%s %d  %s  %d bytes\n", marker, r.UpdatedAt, ts, len(r.HTML))
		}
		return nil
	},
}

var revisionsSelectCmd = &cobra.Command{
	Use:   "select <page> <updated_at>",
	Short: "Point a page at one of its committed revisions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		page := args[0]
		updatedAt, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid updated_at %q: %w", args[1], err)
		}

		st, err := openStoreOnly()
		if err != nil {
			return err
		}
		defer st.Close()

		err = st.Append(context.Background(), store.SelectionSet{
			PageID:            page,
			SelectedUpdatedAt: updatedAt,
			UpdatedAt:         time.Now().UnixMilli(),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Selected revision %d for page %q.\n", updatedAt, page)
		return nil
	},
}
