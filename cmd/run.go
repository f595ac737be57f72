package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papapumpkin/indentbot/internal/bot"
	"github.com/papapumpkin/indentbot/internal/config"
	"github.com/papapumpkin/indentbot/internal/control"
	"github.com/papapumpkin/indentbot/internal/mediawiki"
	"github.com/papapumpkin/indentbot/internal/rules"
	"github.com/papapumpkin/indentbot/internal/state"
	"github.com/papapumpkin/indentbot/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch recent changes and fix pages continuously",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().IntP("chunk", "c", 0, "minutes between polls (overrides poll.chunk_minutes)")
	runCmd.Flags().IntP("delay", "d", 0, "minutes a page must sit unedited (overrides poll.delay_minutes)")
	runCmd.Flags().IntP("limit", "l", 0, "stop after this many saved edits")
	runCmd.Flags().Int("workers", 0, "pages fixed concurrently (overrides edit.workers)")
	runCmd.Flags().Bool("dry-run", false, "fix pages but never save them")

	rootCmd.AddCommand(runCmd)
}

// applyFlagOverrides applies CLI flag values to the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if v, _ := cmd.Flags().GetInt("chunk"); v > 0 {
		cfg.Poll.ChunkMinutes = v
	}
	if v, _ := cmd.Flags().GetInt("delay"); v > 0 {
		cfg.Poll.DelayMinutes = v
	}
	if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
		cfg.Edit.Limit = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v > 0 {
		cfg.Edit.Workers = v
	}
	if v, _ := cmd.Flags().GetBool("dry-run"); v {
		cfg.Edit.DryRun = true
	}
	return cfg.Validate()
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlagOverrides(cmd, &cfg); err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck // stderr sync fails on some terminals
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := telemetry.NewRunID()
	log = log.With(zap.String("run", runID))

	var events *telemetry.Emitter
	if cfg.TelemetryFile != "" {
		if events, err = telemetry.NewEmitter(cfg.TelemetryFile, runID); err != nil {
			return err
		}
		defer events.Close()
	}

	ruleStore, stopRules, err := startRules(ctx, cfg.RulesFile, events, log)
	if err != nil {
		return err
	}
	defer stopRules()

	store, err := state.Open(ctx, cfg.StateDB)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := mediawiki.New(mediawiki.Options{
		APIURL:    cfg.Site.APIURL,
		UserAgent: cfg.Site.UserAgent,
		Logger:    log.Named("mediawiki"),
	})
	if err != nil {
		return err
	}
	if cfg.Site.Username != "" {
		if err := client.Login(ctx, cfg.Site.Username, cfg.Site.Password); err != nil {
			return err
		}
		log.Info("logged in", zap.String("user", cfg.Site.Username))
	}

	plane, err := newControlPlane(ctx, cfg, client, store, ruleStore, log)
	if err != nil {
		return err
	}

	runner, err := bot.New(bot.Options{
		Chunk:          cfg.Chunk(),
		Delay:          cfg.Delay(),
		MinSizeDelta:   cfg.Poll.MinSizeDelta,
		ScoreThreshold: cfg.Edit.ScoreThreshold,
		Limit:          cfg.Edit.Limit,
		Workers:        cfg.Edit.Workers,
		Summary:        cfg.Edit.Summary,
		Indent:         cfg.IndentOptions(),
		DryRun:         cfg.Edit.DryRun,
		Verbose:        cfg.Verbose,
		Out:            cmd.OutOrStdout(),
		RunID:          runID,
		Username:       cfg.Site.Username,
	}, bot.Deps{
		Wiki:    client,
		Rules:   ruleStore,
		Store:   store,
		Control: plane,
		Events:  events,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("stopped after %d edits: %w", runner.Saved(), err)
	}
	return nil
}

// startRules loads the rules file and watches it for edits, recording each
// reload in the telemetry stream. The returned func stops the watcher.
func startRules(ctx context.Context, path string, events *telemetry.Emitter, log *zap.Logger) (*rules.Store, func(), error) {
	r, err := rules.Load(path)
	if err != nil {
		return nil, nil, err
	}
	store := rules.NewStore(r)
	w, err := rules.NewWatcher(path, store, log.Named("rules"))
	if err != nil {
		return nil, nil, err
	}
	if err := w.Start(); err != nil {
		log.Warn("rules file not watched", zap.String("path", path), zap.Error(err))
		return store, w.Stop, nil
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case r := <-w.Reloaded:
				_ = events.Record(telemetry.KindRulesReload, "", map[string]any{
					"path":       path,
					"namespaces": r.Namespaces,
				})
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return store, func() {
		close(done)
		w.Stop()
	}, nil
}

// newControlPlane restores the pause state saved by the previous run. On
// a first run only control page edits from now on count.
func newControlPlane(ctx context.Context, cfg config.Config, client *mediawiki.Client, store *state.Store, rs *rules.Store, log *zap.Logger) (*control.Plane, error) {
	paused, since, ok, err := store.ControlState(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if since, err = client.ServerTime(ctx); err != nil {
			return nil, err
		}
	}
	if paused {
		log.Warn("starting paused; resume on the control page", zap.String("page", cfg.Control.Page))
	}

	maintainers := make(map[string]bool, len(cfg.Control.Maintainers))
	for _, m := range cfg.Control.Maintainers {
		maintainers[m] = true
	}
	return control.New(client, control.Options{
		Page:         cfg.Control.Page,
		StatusPage:   cfg.Control.StatusPage,
		PauseGroups:  cfg.Control.PauseGroups,
		ResumeGroups: cfg.Control.ResumeGroups,
		IsMaintainer: func(user string) bool { return maintainers[user] || rs.Get().IsMaintainer(user) },
		Paused:       paused,
		Since:        since,
		DryRun:       cfg.Edit.DryRun,
		Logger:       log.Named("control"),
	}), nil
}
