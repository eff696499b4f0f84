package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fundlens-ai/knowledge-service/internal/ingest"
)

var (
	ingestFile      string
	ingestBatchSize int
	ingestWorkers   int
	ingestMock      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index a pre-chunked document",
	Long: `Ingest reads a JSON document (source metadata plus chunks), embeds the
chunk contents, and indexes everything for retrieval. Chunks outside the
token or quality bounds are skipped and reported.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "path to the document JSON (required)")
	ingestCmd.Flags().IntVar(&ingestBatchSize, "batch-size", 16, "chunks per embedding call")
	ingestCmd.Flags().IntVar(&ingestWorkers, "workers", 4, "concurrent embedding batches")
	ingestCmd.Flags().BoolVar(&ingestMock, "mock-embeddings", false, "embed with the deterministic local embedder")
	ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	color.NoColor = noColor

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	f, err := os.Open(ingestFile)
	if err != nil {
		return fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	doc, err := ingest.ParseDocument(f)
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	embedder, err := newEmbedder(cfg, logger, ingestMock)
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}

	fmt.Printf("Ingesting %s (%d chunks) as source %s\n",
		color.CyanString(doc.Source.Title), len(doc.Chunks), doc.Source.ID)

	bar := progressbar.NewOptions(len(doc.Chunks),
		progressbar.OptionSetDescription("embedding"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)

	pipeline := ingest.New(store, store, embedder, logger)
	result, err := pipeline.Ingest(ctx, doc, ingest.Options{
		BatchSize: ingestBatchSize,
		Workers:   ingestWorkers,
		OnBatch: func(indexed int) {
			_ = bar.Set(indexed)
		},
	})
	if err != nil {
		_ = bar.Finish()
		return fmt.Errorf("ingest: %w", err)
	}
	_ = bar.Finish()

	fmt.Printf("%s indexed %d chunks (%d skipped) in %s\n",
		color.GreenString("Done:"), result.Indexed, result.Skipped, result.Elapsed.Round(time.Millisecond))
	if result.Skipped > 0 {
		fmt.Println(color.YellowString("Some chunks were skipped; run with --verbose for details."))
	}
	return nil
}
