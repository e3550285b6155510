package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/minoru/fediverse-crawler/internal/config"
	"github.com/minoru/fediverse-crawler/internal/state"
)

// fakeStore implements Store in memory.
type fakeStore struct {
	mu        sync.Mutex
	due       []string
	known     []string
	claimed   []string
	recorded  map[string][]recordedOutcome
	recordErr int // fail the first N RecordOutcome calls
}

type recordedOutcome struct {
	outcome state.Outcome
	seq     string
}

func newFakeStore(due ...string) *fakeStore {
	return &fakeStore{due: due, recorded: make(map[string][]recordedOutcome)}
}

func (f *fakeStore) ClaimDue(now time.Time, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.due) {
		limit = len(f.due)
	}
	claimed := f.due[:limit]
	f.due = f.due[limit:]
	f.claimed = append(f.claimed, claimed...)
	return claimed, nil
}

func (f *fakeStore) RecordOutcome(host string, o state.Outcome, seq string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr > 0 {
		f.recordErr--
		return errors.New("transient store failure")
	}
	f.recorded[host] = append(f.recorded[host], recordedOutcome{o, seq})
	return nil
}

func (f *fakeStore) Hostnames(fn func(string) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.known {
		if err := fn(h); err != nil {
			return err
		}
	}
	return nil
}

// fakeRunner returns canned outcomes per host.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[string]state.Outcome
	err      error
	ran      []string
}

func (f *fakeRunner) Run(ctx context.Context, host string) (state.Outcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, host)
	f.mu.Unlock()
	if f.err != nil {
		return state.Outcome{}, f.err
	}
	if o, ok := f.outcomes[host]; ok {
		return o, nil
	}
	return state.Outcome{Kind: state.OutcomeDead}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxChecksPerSecond = 1000 // keep the bucket out of the way unless a test wants it
	cfg.MaxConcurrentChecks = 8
	return cfg
}

func newTestOrchestrator(st *fakeStore, r Runner) *Orchestrator {
	return New(st, r, testConfig(), zerolog.Nop())
}

// runTick drives one dispatch round and waits for the spawned checks.
func runTick(o *Orchestrator) {
	var wg sync.WaitGroup
	o.dispatch(context.Background(), &wg)
	wg.Wait()
}

func TestDispatchRecordsOutcomes(t *testing.T) {
	st := newFakeStore("a.test", "b.test")
	r := &fakeRunner{outcomes: map[string]state.Outcome{
		"a.test": {Kind: state.OutcomeAlive},
		"b.test": {Kind: state.OutcomeTimeout},
	}}
	o := newTestOrchestrator(st, r)

	runTick(o)

	if len(st.recorded["a.test"]) != 1 || st.recorded["a.test"][0].outcome.Kind != state.OutcomeAlive {
		t.Errorf("a.test recorded %v, want one alive outcome", st.recorded["a.test"])
	}
	if len(st.recorded["b.test"]) != 1 || st.recorded["b.test"][0].outcome.Kind != state.OutcomeTimeout {
		t.Errorf("b.test recorded %v, want one timeout outcome", st.recorded["b.test"])
	}

	// Outcome sequence IDs are distinct per check.
	if st.recorded["a.test"][0].seq == st.recorded["b.test"][0].seq {
		t.Error("two checks shared an outcome sequence ID")
	}
}

func TestDispatchHonorsTokenBucket(t *testing.T) {
	st := newFakeStore("a.test", "b.test", "c.test", "d.test")
	r := &fakeRunner{}
	cfg := testConfig()
	cfg.MaxChecksPerSecond = 2
	o := New(st, r, cfg, zerolog.Nop())

	runTick(o)

	// Burst equals the per-second rate: at most 2 dispatches this tick.
	if len(st.claimed) > 2 {
		t.Errorf("claimed %d hosts in one tick, rate allows 2", len(st.claimed))
	}
}

func TestDispatchHonorsInflightCeiling(t *testing.T) {
	st := newFakeStore("a.test", "b.test", "c.test")
	r := &fakeRunner{}
	cfg := testConfig()
	cfg.MaxConcurrentChecks = 1
	o := New(st, r, cfg, zerolog.Nop())

	// Simulate a stuck in-flight check.
	o.inflight.Add(1)
	var wg sync.WaitGroup
	o.dispatch(context.Background(), &wg)
	wg.Wait()

	if len(st.claimed) != 0 {
		t.Errorf("claimed %v while saturated, want none", st.claimed)
	}

	o.inflight.Add(-1)
	runTick(o)
	if len(st.claimed) == 0 {
		t.Error("claimed nothing after saturation cleared")
	}
}

func TestInternalErrorSkipsRecord(t *testing.T) {
	st := newFakeStore("a.test")
	r := &fakeRunner{err: errors.New("spawn failed")}
	o := newTestOrchestrator(st, r)

	runTick(o)

	if len(st.recorded) != 0 {
		t.Errorf("recorded %v after internal error, want nothing", st.recorded)
	}
}

func TestRecordRetriesTransientStoreFailure(t *testing.T) {
	st := newFakeStore("a.test")
	st.recordErr = 2 // fail twice, succeed on the third attempt
	r := &fakeRunner{outcomes: map[string]state.Outcome{"a.test": {Kind: state.OutcomeAlive}}}
	o := newTestOrchestrator(st, r)

	runTick(o)

	if len(st.recorded["a.test"]) != 1 {
		t.Errorf("recorded %v, want one outcome after retries", st.recorded["a.test"])
	}
}

func TestNewPeersFiltering(t *testing.T) {
	st := newFakeStore()
	st.known = []string{"known.test"}
	o := newTestOrchestrator(st, &fakeRunner{})
	o.rebuildFilter()

	fresh := o.newPeers([]string{"known.test", "new.test", "new.test", "other.test"})

	// The known host is dropped; a repeated new host is dropped on its
	// second appearance because the first marked it seen.
	want := []string{"new.test", "other.test"}
	if len(fresh) != len(want) {
		t.Fatalf("newPeers = %v, want %v", fresh, want)
	}
	for i := range want {
		if fresh[i] != want[i] {
			t.Errorf("newPeers[%d] = %q, want %q", i, fresh[i], want[i])
		}
	}
}

func TestAlivePeersFlowThroughFilter(t *testing.T) {
	st := newFakeStore("a.test")
	st.known = []string{"a.test", "old.test"}
	r := &fakeRunner{outcomes: map[string]state.Outcome{
		"a.test": {Kind: state.OutcomeAlive, Peers: []string{"old.test", "fresh.test"}},
	}}
	o := newTestOrchestrator(st, r)
	o.rebuildFilter()

	runTick(o)

	rec := st.recorded["a.test"]
	if len(rec) != 1 {
		t.Fatalf("recorded %v, want one outcome", rec)
	}
	peers := rec[0].outcome.Peers
	if len(peers) != 1 || peers[0] != "fresh.test" {
		t.Errorf("recorded peers = %v, want [fresh.test]", peers)
	}
}
