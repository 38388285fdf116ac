package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/canvasforge/internal/bus"
	"github.com/user/canvasforge/internal/generate"
)

var generatePage string

func init() {
	generateCmd.Flags().StringVar(&generatePage, "page", "main", "page to generate onto")
	rootCmd.AddCommand(generateCmd)
}

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Run one generation and print the streamed HTML",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	st, b, gen, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Mirror what a connected renderer sees: fragments as they stream, a
	// fresh start on reset.
	unsubscribe := b.Subscribe(generate.Topic(generatePage), func(c bus.Chunk) {
		if c.Text == bus.ResetToken {
			fmt.Fprintln(os.Stderr, "--- reset ---")
			return
		}
		fmt.Fprint(os.Stderr, c.Text)
	})
	defer unsubscribe()

	prompt := strings.Join(args, " ")
	result, err := gen.Generate(ctx, generatePage, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)

	fmt.Println(result.HTML)
	if result.ReplaceTarget != "" {
		fmt.Fprintf(os.Stderr, "replace target: %s\n", result.ReplaceTarget)
	}
	return nil
}
