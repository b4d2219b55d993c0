package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/adsync-lab/geminisync/internal/catalog"
	"github.com/adsync-lab/geminisync/internal/config"
	"github.com/adsync-lab/geminisync/internal/gemini"
	"github.com/adsync-lab/geminisync/internal/governor"
	"github.com/adsync-lab/geminisync/internal/planner"
	"github.com/adsync-lab/geminisync/internal/sink"
	"github.com/adsync-lab/geminisync/internal/state"
	syncer "github.com/adsync-lab/geminisync/internal/sync"
)

func main() {
	configPath := flag.String("config", "geminisync.yaml", "Path to configuration file")
	statePath := flag.String("state", "", "Path to the local state file (optional)")
	discover := flag.Bool("discover", false, "Print the stream catalog as JSON and exit")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// Log to stderr: stdout carries the output message stream.
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, *statePath, *discover); err != nil {
		slog.Error("Run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, statePath string, discover bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	registry := catalog.NewRegistry()
	if cfg.Catalog.OverlayDir != "" {
		if err := registry.LoadOverlay(cfg.Catalog.OverlayDir); err != nil {
			return fmt.Errorf("loading catalog overlay: %w", err)
		}
	}

	if discover {
		return printCatalog(registry)
	}

	streams, err := registry.Select(cfg.Catalog.Select)
	if err != nil {
		return err
	}

	startDay, err := cfg.StartDay()
	if err != nil {
		return err
	}

	advertisers := make([]syncer.Advertiser, 0, len(cfg.Sync.Advertisers))
	for _, a := range cfg.Sync.Advertisers {
		loc := time.UTC
		if a.TimeZone != "" {
			loc, err = time.LoadLocation(a.TimeZone)
			if err != nil {
				return fmt.Errorf("advertiser %s: %w", a.ID, err)
			}
		}
		advertisers = append(advertisers, syncer.Advertiser{ID: a.ID, TimeZone: loc})
	}

	session := gemini.NewSession(
		gemini.Credentials{
			ClientID:     cfg.Credentials.ClientID,
			ClientSecret: cfg.Credentials.ClientSecret,
			RefreshToken: cfg.Credentials.RefreshToken,
		},
		cfg.API.Version,
		cfg.API.Sandbox,
		gemini.WithUserAgent(cfg.API.UserAgent),
	)

	pollTimeout, _ := time.ParseDuration(cfg.Sync.PollTimeout)
	throttleCooldown, _ := time.ParseDuration(cfg.Sync.ThrottleCooldown)

	reports := gemini.NewReportClient(session,
		gemini.WithPollInterval(cfg.PollInterval()),
		gemini.WithMaxPollAttempts(cfg.Sync.MaxPollAttempts),
		gemini.WithPollTimeout(pollTimeout),
	)

	gov := governor.New(
		governor.WithMaxPerAdvertiser(cfg.Sync.MaxConcurrentJobsPerAdvertiser),
		governor.WithCooldown(throttleCooldown),
	)

	var st *state.State
	var store *state.Store
	if statePath != "" {
		store = state.NewStore(statePath)
		st, err = store.Load()
		if err != nil {
			return fmt.Errorf("loading state: %w", err)
		}
	} else {
		st = state.NewState()
	}

	writer := sink.NewWriter(os.Stdout)
	defer writer.Close()

	opts := []syncer.Option{syncer.WithWorkers(cfg.Sync.Workers)}
	if store != nil {
		opts = append(opts, syncer.WithStore(store))
	}
	orch := syncer.New(planner.New(startDay), reports, gov, writer, st, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	if err := orch.SyncAll(ctx, advertisers, streams); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Sync cancelled")
			return nil
		}
		return err
	}
	return nil
}

func printCatalog(registry *catalog.Registry) error {
	type entry struct {
		Stream          string          `json:"stream"`
		Kind            catalog.Kind    `json:"kind"`
		PrimaryKey      []string        `json:"key_properties"`
		BookmarkField   string          `json:"bookmark_field,omitempty"`
		MaxLookbackDays int             `json:"max_lookback_days,omitempty"`
		MaxWindowDays   int             `json:"max_window_days,omitempty"`
		Fields          []catalog.Field `json:"fields"`
	}

	entries := make([]entry, 0)
	for _, d := range registry.List() {
		entries = append(entries, entry{
			Stream:          d.Name,
			Kind:            d.Kind,
			PrimaryKey:      d.PrimaryKey,
			BookmarkField:   d.BookmarkField,
			MaxLookbackDays: d.MaxLookbackDays,
			MaxWindowDays:   d.MaxWindowDays,
			Fields:          d.Fields,
		})
	}

	data, err := json.MarshalIndent(map[string]any{"streams": entries}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
