// Command publink links clinical-trial registrations to the publications that
// report their results. The batch subcommand drives tens of thousands of
// trials through the staged, resumable batch pipeline; the live subcommand
// runs the same pipeline synchronously for a small table or an interactive
// prompt.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/clinetrics/publink/internal/batch"
	"github.com/clinetrics/publink/internal/cache"
	"github.com/clinetrics/publink/internal/classify"
	"github.com/clinetrics/publink/internal/config"
	"github.com/clinetrics/publink/internal/discovery"
	"github.com/clinetrics/publink/internal/input"
	"github.com/clinetrics/publink/internal/live"
	"github.com/clinetrics/publink/internal/llm"
	"github.com/clinetrics/publink/internal/progress"
	"github.com/clinetrics/publink/internal/pubmed"
	"github.com/clinetrics/publink/internal/registry"
	"github.com/clinetrics/publink/internal/report"
	"github.com/clinetrics/publink/internal/runlog"
	"github.com/clinetrics/publink/internal/types"
	"github.com/clinetrics/publink/internal/ui"
	"github.com/clinetrics/publink/internal/websearch"
)

// Default system prompts, overridable via the systemPrompts config paths.
const (
	defaultQueryV1Prompt = `You are a biomedical search specialist. Given a clinical trial
registration as JSON, write one PubMed search query likely to find journal
articles reporting this trial's results. Answer with JSON: {"query": "..."}.`

	defaultQueryV2Prompt = `You are a biomedical search specialist. Given a clinical trial
registration as JSON, propose PubMed search material for finding journal
articles reporting this trial's results. Answer with JSON holding "keywords"
(max 4), "investigators" (max 3), "search_strings" (max 6 full PubMed
queries), and "extra_queries" (max 3).`

	defaultResultsPrompt = `You decide whether a publication reports outcome results of a
specific registered clinical trial. Protocol papers, design papers, and
secondary analyses of other trials do not count. Answer with JSON:
{"hasResults": true|false, "reason": "one or two sentences"}.`
)

// Flags shared by both subcommands.
var (
	flagConfig    string
	flagOutputDir string
	flagNoColor   bool

	flagInput              string
	flagDelimiter          string
	flagValidationRun      bool
	flagLocalRegistrations string

	flagPollInterval int
	flagStepByStep   bool

	flagRetryErrors bool
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:           "publink",
		Short:         "Link clinical-trial registrations to result publications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&flagOutputDir, "output-dir", "output", "run output directory")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable ANSI colors")

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the staged, resumable batch pipeline",
		RunE:  runBatch,
	}
	batchCmd.Flags().StringVar(&flagInput, "input", "", "input table with a trial-id column (required)")
	batchCmd.Flags().StringVar(&flagDelimiter, "delimiter", "", "input field delimiter (default comma)")
	batchCmd.Flags().IntVar(&flagPollInterval, "poll-interval", 60, "batch poll interval in seconds")
	batchCmd.Flags().BoolVar(&flagValidationRun, "validation-run", false, "apply the dataset max-date cutoff")
	batchCmd.Flags().StringVar(&flagLocalRegistrations, "local-registrations", "", "directory of local CTGov JSON registrations")
	batchCmd.Flags().BoolVar(&flagStepByStep, "step-by-step", false, "confirm before each stage")
	_ = batchCmd.MarkFlagRequired("input")

	liveCmd := &cobra.Command{
		Use:   "live",
		Short: "Run the pipeline synchronously (table or interactive prompt)",
		RunE:  runLive,
	}
	liveCmd.Flags().StringVar(&flagInput, "input", "", "input table; omit for an interactive prompt")
	liveCmd.Flags().StringVar(&flagDelimiter, "delimiter", "", "input field delimiter (default comma)")
	liveCmd.Flags().BoolVar(&flagValidationRun, "validation-run", false, "apply the dataset max-date cutoff")
	liveCmd.Flags().StringVar(&flagLocalRegistrations, "local-registrations", "", "directory of local CTGov JSON registrations")
	liveCmd.Flags().BoolVar(&flagRetryErrors, "retry-errors", false, "reprocess trials that previously finished with errors")

	root.AddCommand(batchCmd, liveCmd)

	if err := root.Execute(); err != nil {
		var exhausted *batch.DailyBudgetExhaustedError
		if errors.As(err, &exhausted) {
			fmt.Fprintf(os.Stderr, "publink: daily token budget exhausted — progress is saved, rerun tomorrow\n%v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "publink: %v\n", err)
		}
		os.Exit(1)
	}
}

// app holds every shared component a subcommand wires together.
type app struct {
	cfg        *config.Config
	store      *cache.Store
	spend      *llm.SpendCounter
	llm        *llm.Client
	pm         *pubmed.Client
	ws         *websearch.Client
	registry   *registry.Registry
	poolV1     *cache.QueryPool
	poolV2     *cache.QueryPool
	variantV1  discovery.QueryVariant
	variantV2  discovery.QueryVariant
	classifier *classify.Classifier
	ui         *ui.Printer
}

func buildApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "publink")

	store, err := cache.Open(filepath.Join(cacheDir, "store"), cfg.Cache.TTLSeconds)
	if err != nil {
		return nil, err
	}
	poolV1, err := cache.NewQueryPool(filepath.Join(cacheDir, "queries"))
	if err != nil {
		return nil, err
	}
	poolV2, err := cache.NewQueryPool(filepath.Join(cacheDir, "queries_v2"))
	if err != nil {
		return nil, err
	}

	spend := &llm.SpendCounter{}
	sched := pubmed.NewScheduler(pubmed.SchedulerPolicy{})

	return &app{
		cfg:   cfg,
		store: store,
		spend: spend,
		llm:   llm.New(spend),
		pm:    pubmed.New("", os.Getenv("NCBI_API_KEY"), os.Getenv("NCBI_EMAIL"), sched),
		ws:    websearch.New(os.Getenv("WEBSEARCH_API_URL")),
		registry: registry.New(
			registry.NewCTGov("", flagLocalRegistrations),
			registry.NewEUCTR(""),
			registry.NewDRKS(""),
		),
		poolV1: poolV1,
		poolV2: poolV2,
		variantV1: discovery.QueryVariant{
			Name: "v1", Model: cfg.Models.QueryV1, Reasoning: cfg.Reasoning.QueryV1,
			MaxTokens: cfg.Batch.MaxTokensQueryV1,
			SystemPrompt: loadPrompt(cfg.SystemPrompts.QueryV1, defaultQueryV1Prompt),
		},
		variantV2: discovery.QueryVariant{
			Name: "v2", Model: cfg.Models.QueryV2, Reasoning: cfg.Reasoning.QueryV2,
			MaxTokens: cfg.Batch.MaxTokensQueryV2,
			SystemPrompt: loadPrompt(cfg.SystemPrompts.QueryV2, defaultQueryV2Prompt),
		},
		classifier: &classify.Classifier{
			Model: cfg.Models.Results, Reasoning: cfg.Reasoning.Results,
			MaxTokens:    cfg.Batch.MaxTokensResults,
			SystemPrompt: loadPrompt(cfg.SystemPrompts.Results, defaultResultsPrompt),
		},
		ui: ui.NewPrinter(os.Stdout, !flagNoColor),
	}, nil
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func loadPrompt(path, fallback string) string {
	if path == "" {
		return fallback
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "publink: prompt file %s unreadable, using built-in default: %v\n", path, err)
		return fallback
	}
	return strings.TrimSpace(string(raw))
}

// strategies builds the enabled discovery strategies. In batch mode the GPT
// strategies read only pooled query bundles (nil client); in live mode they
// generate missing bundles synchronously.
func (a *app) strategies(liveMode bool) []discovery.Strategy {
	var client *llm.Client
	if liveMode {
		client = a.llm
	}
	var out []discovery.Strategy
	for _, id := range a.cfg.EnabledStrategies() {
		switch id {
		case types.StrategyLinkedAtRegistration:
			out = append(out, discovery.NewLinkedAtRegistration())
		case types.StrategyPubmedNaive:
			out = append(out, discovery.NewPubmedNaive(a.pm, a.store))
		case types.StrategyGoogleScholar:
			out = append(out, discovery.NewGoogleScholar(a.ws, a.pm, a.store))
		case types.StrategyPubmedGPTV1:
			out = append(out, discovery.NewPubmedGPTV1(a.poolV1, client, a.variantV1, a.pm, a.store))
		case types.StrategyPubmedGPTV2:
			out = append(out, discovery.NewPubmedGPTV2(a.poolV2, client, a.variantV2, a.pm, a.store))
		}
	}
	return out
}

// signalContext cancels on SIGINT/SIGTERM so progress saves cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\npublink: shutting down")
		cancel()
	}()
	return ctx, cancel
}

func runBatch(_ *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	writer, err := report.NewWriter(flagOutputDir)
	if err != nil {
		return err
	}
	progressPath := filepath.Join(flagOutputDir, "progress.json")

	// Materialize the progress record first so the run log carries its run id.
	p, err := progress.Load(progressPath)
	if errors.Is(err, os.ErrNotExist) {
		p = progress.New(flagInput)
		if err := p.Save(progressPath); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	runLog := runlog.Open(flagOutputDir, p.RunID, p.Input)

	var confirm func(stage string) bool
	if flagStepByStep {
		scanner := bufio.NewScanner(os.Stdin)
		confirm = func(stage string) bool {
			fmt.Printf("continue with %s? [y/N] ", stage)
			if !scanner.Scan() {
				return false
			}
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			return answer == "y" || answer == "yes"
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	runner := &batch.Runner{
		Config:        a.cfg,
		Fetcher:       a.registry,
		Discoverer:    discovery.NewEngine(a.strategies(false), a.pm, nil),
		API:           a.llm,
		Classifier:    a.classifier,
		PoolV1:        a.poolV1,
		PoolV2:        a.poolV2,
		VariantV1:     a.variantV1,
		VariantV2:     a.variantV2,
		Writer:        writer,
		Log:           runLog,
		UI:            a.ui,
		Input:         flagInput,
		Delimiter:     flagDelimiter,
		ProgressPath:  progressPath,
		ChunksDir:     filepath.Join(flagOutputDir, "chunks"),
		PollInterval:  time.Duration(flagPollInterval) * time.Second,
		ValidationRun: flagValidationRun,
		Confirm:       confirm,
	}

	if err := runner.Run(ctx); err != nil {
		runLog.Close("failed")
		return err
	}
	runLog.Close("completed")
	return nil
}

func runLive(_ *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	writer, err := report.NewWriter(flagOutputDir)
	if err != nil {
		return err
	}
	runLog := runlog.Open(flagOutputDir, uuid.NewString(), flagInput)

	ctx, cancel := signalContext()
	defer cancel()

	driver := &live.Driver{
		Fetcher:       a.registry,
		Discoverer:    discovery.NewEngine(a.strategies(true), a.pm, nil),
		LLM:           a.llm,
		Classifier:    a.classifier,
		Writer:        writer,
		UI:            a.ui,
		Log:           runLog,
		ValidationRun: flagValidationRun,
		RetryErrors:   flagRetryErrors,
	}

	if flagInput == "" {
		err = driver.RunInteractive(ctx)
	} else {
		var rows []input.Row
		rows, err = input.ReadTable(flagInput, flagDelimiter)
		if err == nil {
			_, err = driver.RunTable(ctx, rows)
		}
	}
	if err != nil {
		runLog.Close("failed")
		return err
	}
	runLog.Close("completed")
	return nil
}
