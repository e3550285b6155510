// Package cmd wires the fedicrawler CLI: the long-lived crawler (default),
// seed intake (--add-instances), and the hidden checker worker mode the
// orchestrator re-execs for each probe.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/minoru/fediverse-crawler/internal/config"
	"github.com/minoru/fediverse-crawler/internal/journal"
	"github.com/minoru/fediverse-crawler/internal/lock"
	"github.com/minoru/fediverse-crawler/internal/orchestrator"
	"github.com/minoru/fediverse-crawler/internal/seed"
	"github.com/minoru/fediverse-crawler/internal/snapshot"
	"github.com/minoru/fediverse-crawler/internal/store"
)

// errSeedBelowBar signals the --add-instances acceptance policy without
// printing a usage error.
var errSeedBelowBar = errors.New("less than half of the seed lines were acceptable")

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		addInstances bool
	)

	root := &cobra.Command{
		Use:   "fedicrawler",
		Short: "Crawl the fediverse and publish the list of alive instances",
		Long: `fedicrawler continuously discovers federation servers, probes each on a
schedule, and atomically rewrites a public JSON list of the hostnames
that are currently alive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addInstances {
				return runSeedIntake(cfg)
			}
			return runCrawler(cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", config.DefaultPath, "path to the TOML config file")
	root.Flags().BoolVar(&addInstances, "add-instances", false, "read hostnames from stdin and insert them as discovered")

	root.AddCommand(newCheckerCmd())
	return root
}

// runCrawler is the default mode: orchestrator plus snapshotter until
// SIGTERM/SIGINT.
func runCrawler(cfg config.Config) error {
	log := journal.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	release, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		return err
	}
	defer release()

	st, err := store.Open(cfg.StorePath(), log, store.Options{
		AliveWindow:            cfg.AliveWindow.Std(),
		MaxChecksPerHostPerDay: cfg.MaxChecksPerHostPerDay,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary for checker spawns: %w", err)
	}

	runner := orchestrator.NewProcessRunner(binary, cfg, log)
	orch := orchestrator.New(st, runner, cfg, log)
	snap := snapshot.New(st, cfg.SnapshotPath, cfg.SnapshotInterval.Std(), log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info().Str("data_dir", cfg.DataDir).Str("snapshot", cfg.SnapshotPath).Msg("crawler starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return snap.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("crawler stopped")
	return nil
}

// runSeedIntake reads hostnames from stdin. It deliberately skips the
// instance lock: SQLite serializes the occasional cross-process insert
// against a running crawler.
func runSeedIntake(cfg config.Config) error {
	log := journal.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.Open(cfg.StorePath(), log, store.Options{
		AliveWindow:            cfg.AliveWindow.Std(),
		MaxChecksPerHostPerDay: cfg.MaxChecksPerHostPerDay,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := seed.Intake(os.Stdin, st, time.Now, log)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%w (%d accepted, %d rejected)", errSeedBelowBar, res.Accepted, res.Rejected)
	}
	return nil
}
