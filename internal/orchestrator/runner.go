package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/minoru/fediverse-crawler/internal/config"
	"github.com/minoru/fediverse-crawler/internal/ipc"
	"github.com/minoru/fediverse-crawler/internal/state"
)

// errShutdown marks a check that was cut short by orchestrator shutdown
// rather than by the host. Its outcome must not be recorded.
var errShutdown = errors.New("check aborted by shutdown")

// Runner executes one check for one host and returns its outcome.
// An error return is an internal failure (spawn, shutdown): the outcome
// is not to be recorded and the host stays on its pessimistic reschedule.
type Runner interface {
	Run(ctx context.Context, host string) (state.Outcome, error)
}

// processRunner spawns the crawler's own binary in checker mode, one
// process per check, and reads the outcome channel off its stdout.
type processRunner struct {
	binary string
	cfg    config.Config
	log    zerolog.Logger
	pids   *pidTracker
}

func newProcessRunner(binary string, cfg config.Config, log zerolog.Logger, pids *pidTracker) *processRunner {
	return &processRunner{
		binary: binary,
		cfg:    cfg,
		log:    log.With().Str("component", "runner").Logger(),
		pids:   pids,
	}
}

func (r *processRunner) Run(ctx context.Context, host string) (state.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckerDeadline.Std())
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, "checker",
		"--host", host,
		"--connect-timeout", r.cfg.ConnectTimeout.Std().String(),
		"--read-timeout", r.cfg.ReadTimeout.Std().String(),
		"--deadline", r.cfg.CheckerDeadline.Std().String(),
		"--max-redirects", strconv.Itoa(r.cfg.MaxRedirects),
		"--max-body-bytes", strconv.FormatInt(r.cfg.MaxBodyBytes, 10),
		"--max-peers", strconv.Itoa(r.cfg.MaxPeersPerCheck),
		"--log-level", r.cfg.LogLevel,
	)

	// The checker gets its own process group so the watchdog can take out
	// anything it spawned, and a scrubbed environment: it needs name
	// resolution and TLS roots, not the orchestrator's secrets.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"SSL_CERT_FILE=" + os.Getenv("SSL_CERT_FILE"),
		"SSL_CERT_DIR=" + os.Getenv("SSL_CERT_DIR"),
	}
	cmd.Stderr = os.Stderr

	// Graceful termination: SIGTERM the group on deadline, SIGKILL after
	// the grace window.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.GracePeriod.Std()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return state.Outcome{}, fmt.Errorf("opening outcome channel: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return state.Outcome{}, fmt.Errorf("spawning checker for %s: %w", host, err)
	}

	if err := r.pids.Track(host, cmd.Process.Pid); err != nil {
		r.log.Debug().Err(err).Str("host", host).Msg("pid tracking unavailable")
	}
	defer r.pids.Untrack(host)

	outcome, terminal := ipc.ReadOutcome(stdout, r.cfg.MaxBodyBytes, r.cfg.MaxPeersPerCheck)
	waitErr := cmd.Wait()

	if !terminal {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// Parent shutdown, not the host's fault.
			return state.Outcome{}, errShutdown
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return state.Outcome{
				Kind:   state.OutcomeTimeout,
				Detail: "checker exceeded its deadline and was terminated",
			}, nil
		case waitErr != nil:
			// Checker crashed before a verdict. The reader already
			// defaulted to dead or protocol_error; keep that, with the
			// exit condition for the journal.
			outcome.Detail = fmt.Sprintf("%s (checker: %v)", outcome.Detail, waitErr)
		}
	}
	return outcome, nil
}
