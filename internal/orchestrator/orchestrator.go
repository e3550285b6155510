// Package orchestrator drives the crawl loop: it claims due hosts from
// the store at a bounded global rate, spawns one sandboxed checker
// process per host, feeds each outcome through the state machine, and
// folds newly discovered peers back into the host set.
package orchestrator

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/minoru/fediverse-crawler/internal/config"
	"github.com/minoru/fediverse-crawler/internal/state"
)

// drainDeadline bounds how long shutdown waits for in-flight outcome
// readers after the checkers have been terminated.
const drainDeadline = 5 * time.Second

// Store retry: a failed record_outcome is retried with doubling delays up
// to recordAttempts before the outcome is dropped with a journal entry.
const (
	recordAttempts  = 3
	recordBaseDelay = 100 * time.Millisecond
)

// Bloom filter sizing: comfortable headroom over the ~10^6 host design
// point at a 0.1% false-positive rate.
const (
	bloomCapacity = 2_000_000
	bloomFPRate   = 0.001
)

// Store is the persistence surface the orchestrator depends on.
type Store interface {
	ClaimDue(now time.Time, limit int) ([]string, error)
	RecordOutcome(host string, o state.Outcome, seq string, now time.Time) error
	Hostnames(fn func(hostname string) error) error
}

// Orchestrator is the long-lived crawl coordinator.
type Orchestrator struct {
	store  Store
	runner Runner
	cfg    config.Config
	log    zerolog.Logger

	limiter *rate.Limiter
	clock   func() time.Time

	inflight atomic.Int64

	// filter short-circuits peer membership checks before they hit the
	// store. Rebuilt periodically; false positives only delay discovery
	// of a new host until the next rebuild.
	filterMu sync.Mutex
	filter   *bloom.BloomFilter
}

// New wires an orchestrator from its collaborators. Production callers
// pass NewProcessRunner's result as runner; tests substitute fakes.
func New(store Store, runner Runner, cfg config.Config, log zerolog.Logger) *Orchestrator {
	burst := int(math.Ceil(cfg.MaxChecksPerSecond))
	if burst < 1 {
		burst = 1
	}
	return &Orchestrator{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		log:     log.With().Str("component", "orchestrator").Logger(),
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxChecksPerSecond), burst),
		clock:   time.Now,
		filter:  bloom.NewWithEstimates(bloomCapacity, bloomFPRate),
	}
}

// NewProcessRunner builds the production Runner: one subprocess per
// check, spawned from binary (normally os.Executable()). It also reaps
// checkers orphaned by a previous crash.
func NewProcessRunner(binary string, cfg config.Config, log zerolog.Logger) Runner {
	pids := newPIDTracker(cfg.PidsDir(), log)
	if n := pids.KillOrphans(); n > 0 {
		log.Warn().Int("count", n).Msg("reaped orphaned checkers from previous run")
	}
	return newProcessRunner(binary, cfg, log, pids)
}

// Run executes the crawl loop until ctx is canceled, then drains
// in-flight checks and returns ctx's cause.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.rebuildFilter()

	ticker := time.NewTicker(o.cfg.TickInterval.Std())
	defer ticker.Stop()
	rebuild := time.NewTicker(o.cfg.BloomRebuildInterval.Std())
	defer rebuild.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			o.log.Info().Int64("inflight", o.inflight.Load()).Msg("shutting down, draining checks")
			// Cancellation has already signaled every checker; give them
			// the kill grace window plus the reader drain budget.
			waitWithDeadline(&wg, o.cfg.GracePeriod.Std()+drainDeadline)
			return ctx.Err()
		case <-ticker.C:
			o.dispatch(ctx, &wg)
		case <-rebuild.C:
			o.rebuildFilter()
		}
	}
}

// dispatch claims and launches as many due checks as the token bucket and
// the in-flight ceiling allow this tick.
func (o *Orchestrator) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	free := o.cfg.MaxConcurrentChecks - int(o.inflight.Load())
	if free <= 0 {
		o.log.Debug().Msg("in-flight ceiling reached, skipping tick")
		return
	}

	budget := 0
	for budget < free && o.limiter.Allow() {
		budget++
	}
	if budget == 0 {
		return
	}

	hosts, err := o.store.ClaimDue(o.clock(), budget)
	if err != nil {
		o.log.Error().Err(err).Msg("claim failed, will retry next tick")
		return
	}

	for _, host := range hosts {
		o.inflight.Add(1)
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer o.inflight.Add(-1)
			o.check(ctx, host)
		}(host)
	}
}

// check runs one host's probe end to end: spawn, read, transition, record.
func (o *Orchestrator) check(ctx context.Context, host string) {
	seq := uuid.NewString()

	outcome, err := o.runner.Run(ctx, host)
	if err != nil {
		// Internal failure or shutdown: the pessimistic reschedule from
		// claim time stands, the host will be retried naturally.
		o.log.Debug().Err(err).Str("host", host).Msg("check not recorded")
		return
	}

	if outcome.Kind == state.OutcomeAlive && len(outcome.Peers) > 0 {
		outcome.Peers = o.newPeers(outcome.Peers)
	}

	if err := o.recordWithRetry(host, outcome, seq); err != nil {
		o.log.Error().Err(err).Str("host", host).Msg("outcome dropped after store retries")
		return
	}

	o.log.Info().
		Str("host", host).
		Str("outcome", string(outcome.Kind)).
		Int("peers", len(outcome.Peers)).
		Msg("check recorded")
}

// recordWithRetry applies exponential backoff to transient store errors.
func (o *Orchestrator) recordWithRetry(host string, outcome state.Outcome, seq string) error {
	delay := recordBaseDelay
	var err error
	for attempt := 0; attempt < recordAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if err = o.store.RecordOutcome(host, outcome, seq, o.clock()); err == nil {
			return nil
		}
	}
	return err
}

// newPeers filters a peer list down to hostnames the crawler has likely
// never seen, and marks them seen. Known hosts are dropped before they
// cost a store round-trip; the periodic rebuild corrects any filter drift.
func (o *Orchestrator) newPeers(peers []string) []string {
	o.filterMu.Lock()
	defer o.filterMu.Unlock()

	fresh := peers[:0]
	for _, p := range peers {
		if o.filter.TestString(p) {
			continue
		}
		o.filter.AddString(p)
		fresh = append(fresh, p)
	}
	return fresh
}

// rebuildFilter repopulates the membership filter from the store.
func (o *Orchestrator) rebuildFilter() {
	next := bloom.NewWithEstimates(bloomCapacity, bloomFPRate)
	n := 0
	err := o.store.Hostnames(func(host string) error {
		next.AddString(host)
		n++
		return nil
	})
	if err != nil {
		o.log.Error().Err(err).Msg("filter rebuild failed, keeping previous filter")
		return
	}

	o.filterMu.Lock()
	o.filter = next
	o.filterMu.Unlock()
	o.log.Debug().Int("hosts", n).Msg("peer filter rebuilt")
}

// waitWithDeadline waits for wg, giving up after d.
func waitWithDeadline(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}
