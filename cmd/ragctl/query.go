package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fundlens-ai/knowledge-service/internal/analyzer"
	"github.com/fundlens-ai/knowledge-service/internal/completion"
	"github.com/fundlens-ai/knowledge-service/internal/config"
	"github.com/fundlens-ai/knowledge-service/internal/prompt"
	"github.com/fundlens-ai/knowledge-service/internal/rag"
	"github.com/fundlens-ai/knowledge-service/internal/retrieval"
)

var (
	querySession    string
	queryMaxResults int
	queryModel      string
	queryNoKB       bool
	queryMock       bool
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Answer one question through the full pipeline",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&querySession, "session", "", "conversation session id")
	queryCmd.Flags().IntVar(&queryMaxResults, "max-results", 0, "override retrieved chunk count")
	queryCmd.Flags().StringVar(&queryModel, "model", "", "override the completion model")
	queryCmd.Flags().BoolVar(&queryNoKB, "no-kb", false, "skip knowledge-base retrieval")
	queryCmd.Flags().BoolVar(&queryMock, "mock-embeddings", false, "embed with the deterministic local embedder")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	color.NoColor = noColor

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	embedder, err := newEmbedder(cfg, logger, queryMock)
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}

	completer, err := completion.NewClient(completion.Config{
		BaseURL:     cfg.Completion.BaseURL,
		APIKey:      cfg.Completion.APIKey,
		Models:      cfg.Completion.Models,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
		Timeout:     cfg.Completion.Timeout,
		MaxRetries:  cfg.Completion.MaxRetries,
		MaxInFlight: cfg.Completion.MaxInFlight,
		QueueWait:   cfg.Completion.QueueWait,
	}, logger)
	if err != nil {
		return fmt.Errorf("completion client: %w", err)
	}

	gazetteer, _ := analyzer.LoadGazetteer(cfg.Analyzer.GazetteerPath)
	stopwords, _ := analyzer.LoadStopwords(cfg.Analyzer.StopwordsPath)

	orchestrator := rag.New(
		analyzer.New(gazetteer, stopwords),
		retrieval.New(store, embedder, nil, logger),
		prompt.New(),
		completer,
		store,
		config.NewStore(cfg),
		nil,
		logger,
	)

	useKB := !queryNoKB
	resp, err := orchestrator.Answer(ctx, &rag.Request{
		Message:          strings.Join(args, " "),
		SessionID:        querySession,
		UseKnowledgeBase: &useKB,
		Options:          rag.Options{MaxResults: queryMaxResults, Model: queryModel},
	})
	if err != nil {
		return fmt.Errorf("answer: %w", err)
	}

	fmt.Println(resp.Message)
	fmt.Println()
	fmt.Printf("%s %.2f (%s)", color.CyanString("confidence:"), resp.Confidence, resp.ConfidenceLevel)
	if resp.Metadata.FallbackApplied != "" {
		fmt.Printf("  %s", color.YellowString("fallback=%s", resp.Metadata.FallbackApplied))
	}
	fmt.Printf("  strategy=%s  session=%s  %dms\n",
		resp.Metadata.RetrievalStrategy, resp.SessionID, resp.ProcessingTimeMs)

	if len(resp.Sources) > 0 {
		fmt.Println(color.CyanString("sources:"))
		for _, src := range resp.Sources {
			if src.Page > 0 {
				fmt.Printf("  - %s, p.%d\n", src.Title, src.Page)
			} else {
				fmt.Printf("  - %s\n", src.Title)
			}
		}
	}
	if verbose {
		for _, c := range resp.RetrievedChunks {
			fmt.Printf("  chunk %s score=%.3f %s\n", c.ID, c.Score, c.Title)
		}
	}
	return nil
}
