package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/risk-monitor/internal/backend"
	"github.com/dvloznov/risk-monitor/internal/config"
	"github.com/dvloznov/risk-monitor/internal/domain"
	"github.com/dvloznov/risk-monitor/internal/export"
	"github.com/dvloznov/risk-monitor/internal/logger"
	"github.com/dvloznov/risk-monitor/internal/poller"
	"github.com/dvloznov/risk-monitor/internal/risk"
	"github.com/dvloznov/risk-monitor/internal/sink"
	"github.com/dvloznov/risk-monitor/internal/store"
	"github.com/dvloznov/risk-monitor/internal/views"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "snapshot":
		runSnapshot()
	case "export":
		runExport()
	case "watch":
		runWatch()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Risk Monitor CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  snapshot  Fetch once and print the summary and leaderboards")
	fmt.Println("  export    Fetch once and export a dataset to the configured sink")
	fmt.Println("  watch     Poll on the configured interval and print each cycle")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// commonFlags are shared by every subcommand. Zero values keep the config.
type commonFlags struct {
	configPath *string
	limit      *int
	minRisk    *float64
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", os.Getenv("RISKMON_CONFIG"), "Path to YAML config (or set RISKMON_CONFIG env)"),
		limit:      fs.Int("limit", 0, "Transaction limit (20, 50 or 100)"),
		minRisk:    fs.Float64("min-risk", -1, "Minimum anomaly risk in [0,1]"),
	}
}

// setup loads config, applies flag overrides and builds a stopped poller.
func setup(cf commonFlags) (*config.Config, zerolog.Logger, *poller.Poller, *store.Store) {
	cfg, err := config.Load(*cf.configPath)
	if err != nil {
		l := logger.New(zerolog.InfoLevel)
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	level, _ := logger.ParseLevel(cfg.Log.Level)
	log := logger.New(level)

	params := cfg.Params()
	if *cf.limit != 0 {
		params.Limit = *cf.limit
	}
	if *cf.minRisk >= 0 {
		params.MinRisk = *cf.minRisk
	}
	if err := domain.ValidateParams(params); err != nil {
		log.Fatal().Err(err).Msg("Invalid parameters")
	}

	st := store.New()
	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.APIKey, cfg.Backend.Timeout)
	p, err := poller.New(client, st, poller.Options{
		Params:      params,
		AutoRefresh: cfg.Poll.AutoRefresh,
		Interval:    cfg.Poll.Interval,
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create poller")
	}
	return cfg, log, p, st
}

func runSnapshot() {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	cf := addCommonFlags(fs)
	fs.Parse(os.Args[2:])

	cfg, log, p, st := setup(cf)
	defer p.Close(context.Background())

	ctx := logger.WithContext(context.Background(), log)
	if err := p.RefreshOnce(ctx); err != nil {
		log.Fatal().Err(err).Msg("Fetch failed")
	}

	printSnapshot(st.Read(), cfg.Views)
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cf := addCommonFlags(fs)
	datasetName := fs.String("dataset", "transactions", "Dataset to export (transactions or anomalies)")
	formatName := fs.String("format", "csv", "Export format (csv or json)")
	query := fs.String("q", "", "Filter transactions by user, country or type")
	fs.Parse(os.Args[2:])

	cfg, log, p, st := setup(cf)
	defer p.Close(context.Background())

	dataset, err := export.ParseDataset(*datasetName)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid dataset")
	}
	format, err := export.ParseFormat(*formatName)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid format")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := p.RefreshOnce(ctx); err != nil {
		log.Fatal().Err(err).Msg("Fetch failed")
	}

	exportSink, err := sink.New(ctx, cfg.Export)
	if err != nil {
		log.Fatal().Err(err).Str("sink", cfg.Export.Sink).Msg("Failed to create export sink")
	}
	defer exportSink.Close()

	snap := st.Read()
	rows := snap.Anomalies
	if dataset == export.Transactions {
		rows = views.Filter(snap.Transactions, *query)
	}

	doc, err := export.NewExporter(exportSink, nil, log).Export(ctx, dataset, format, rows)
	if err != nil {
		log.Fatal().Err(err).Msg("Export failed")
	}

	fmt.Printf("Exported %d rows (%d bytes) as %s via %s sink\n", doc.Rows, doc.Bytes, doc.Filename, cfg.Export.Sink)
}

func runWatch() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	cf := addCommonFlags(fs)
	interval := fs.Duration("interval", 0, "Refresh interval (defaults to poll.interval)")
	fs.Parse(os.Args[2:])

	cfg, log, p, st := setup(cf)
	if err := p.SetAutoRefresh(true, *interval); err != nil {
		log.Fatal().Err(err).Msg("Invalid interval")
	}

	updates, unsubscribe := st.Subscribe()
	defer unsubscribe()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	p.Start()
	for {
		select {
		case <-updates:
			snap := st.Read()
			if snap.Err != nil {
				fmt.Printf("[%s] stale: %s\n", time.Now().Format("15:04:05"), snap.ErrMessage())
				continue
			}
			fmt.Printf("[%s] %s\n", snap.FetchedAt.Local().Format("15:04:05"), views.Summarize(snap.Transactions, snap.Anomalies))
			printLeaderboard("Top risk", views.Leaderboard(snap.Transactions, snap.Anomalies, views.ByAverageRisk, cfg.Views.LeaderboardSize), views.ByAverageRisk)
		case <-quit:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := p.Close(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				log.Error().Err(err).Msg("Error stopping poller")
			}
			return
		}
	}
}

func printSnapshot(snap domain.Snapshot, vc config.ViewsConfig) {
	fmt.Println("\n=== Summary ===")
	fmt.Println(views.Summarize(snap.Transactions, snap.Anomalies))
	fmt.Printf("Fetched:  %s\n", snap.FetchedAt.Format(time.RFC3339))
	fmt.Printf("Backend:  ok=%v\n", snap.Health.OK)

	printLeaderboard("Top risk", views.Leaderboard(snap.Transactions, snap.Anomalies, views.ByAverageRisk, vc.LeaderboardSize), views.ByAverageRisk)
	printLeaderboard("Most anomalies", views.Leaderboard(snap.Transactions, snap.Anomalies, views.ByAnomalyCount, vc.LeaderboardSize), views.ByAnomalyCount)

	fmt.Printf("\n=== Anomalies (%d) ===\n", len(snap.Anomalies))
	for i, a := range snap.Anomalies {
		fmt.Printf("\n%d. %s  %s  %s %s\n", i+1, a.DisplayName(), a.AmountDisplay(), a.Type, a.Country)
		fmt.Printf("   Time:  %s\n", domain.FormatTimestamp(a.TS))
		fmt.Printf("   Risk:  %d%% (%s)\n", risk.Percent(a.Risk()), risk.Classify(a.Risk()))
		for _, e := range a.ExplanationPreview(3) {
			fmt.Printf("   - %s\n", e)
		}
	}
	fmt.Println()
}

func printLeaderboard(title string, rows []views.LeaderboardRow, mode views.Mode) {
	fmt.Printf("\n=== %s ===\n", title)
	if len(rows) == 0 {
		fmt.Println("(no data)")
		return
	}
	for i, row := range rows {
		if mode == views.ByAnomalyCount {
			fmt.Printf("%d. %-20s %3d anomalies  %s\n", i+1, row.Name, row.Count, row.Tier)
			continue
		}
		fmt.Printf("%d. %-20s %3d%%  %s\n", i+1, row.Name, risk.Percent(row.AvgRisk), row.Tier)
	}
}
