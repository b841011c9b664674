// epubkit converts PDF documents into EPUB or markdown, with OCR for
// scanned pages and an external-converter fallback for documents the
// internal pipeline cannot handle confidently.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/wudi/epubkit/observability"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "epubkit",
	Short:         "Convert PDF documents to EPUB",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func newLogger() observability.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return observability.NewSlogLogger(slog.New(h))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "epubkit: %v\n", err)
		os.Exit(1)
	}
}
