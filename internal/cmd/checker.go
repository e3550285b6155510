package cmd

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/minoru/fediverse-crawler/internal/checker"
	"github.com/minoru/fediverse-crawler/internal/config"
	"github.com/minoru/fediverse-crawler/internal/journal"
)

// newCheckerCmd is the hidden worker mode. The orchestrator spawns one of
// these per check; the process probes a single host, writes outcome
// frames to stdout, and exits. It receives everything it needs on the
// command line so it never opens the config file or the store.
func newCheckerCmd() *cobra.Command {
	var (
		host           string
		scheme         string
		logLevel       string
		connectTimeout time.Duration
		readTimeout    time.Duration
		deadline       time.Duration
		maxRedirects   int
		maxBodyBytes   int64
		maxPeers       int
	)

	cmd := &cobra.Command{
		Use:    "checker",
		Hidden: true,
		Short:  "Probe one host and emit an outcome (internal worker mode)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := journal.New(logLevel)

			// Finish under our own deadline when possible: a self-reported
			// failure beats being killed by the parent's watchdog.
			selfDeadline := deadline - 2*time.Second
			if selfDeadline < time.Second {
				selfDeadline = time.Second
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), selfDeadline)
			defer cancel()

			c := checker.New(checker.Config{
				Host:           host,
				Scheme:         scheme,
				UserAgent:      config.UserAgent,
				RobotsAgent:    config.RobotsAgent,
				ConnectTimeout: connectTimeout,
				ReadTimeout:    readTimeout,
				MaxRedirects:   maxRedirects,
				MaxBodyBytes:   maxBodyBytes,
				MaxPeers:       maxPeers,
			}, log, os.Stdout)

			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "hostname to probe")
	cmd.Flags().StringVar(&scheme, "scheme", "https", "probe scheme (tests only)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "journal level")
	cmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "per-connection timeout")
	cmd.Flags().DurationVar(&readTimeout, "read-timeout", 30*time.Second, "per-response timeout")
	cmd.Flags().DurationVar(&deadline, "deadline", 60*time.Second, "total wall clock for the probe")
	cmd.Flags().IntVar(&maxRedirects, "max-redirects", 5, "same-origin redirect hop limit")
	cmd.Flags().Int64Var(&maxBodyBytes, "max-body-bytes", 4<<20, "response body cap")
	cmd.Flags().IntVar(&maxPeers, "max-peers", 20000, "peer list cap")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.Flags().MarkHidden("scheme")

	return cmd
}
