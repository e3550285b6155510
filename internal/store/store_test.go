package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/minoru/fediverse-crawler/internal/state"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// openTest opens a store with the midpoint random sample, which makes
// jitter the identity and pins a discovered host's first check to +30m.
func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop(), Options{
		AliveWindow:            7 * 24 * time.Hour,
		MaxChecksPerHostPerDay: 2,
		Rand:                   func() float64 { return 0.5 },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func mustRecord(t *testing.T, st *Store, host string, o state.Outcome, seq string, now time.Time) {
	t.Helper()
	if err := st.RecordOutcome(host, o, seq, now); err != nil {
		t.Fatalf("RecordOutcome(%s, %s): %v", host, o.Kind, err)
	}
}

func mustClaim(t *testing.T, st *Store, now time.Time, limit int) []string {
	t.Helper()
	hosts, err := st.ClaimDue(now, limit)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	return hosts
}

func TestInsertDiscoveredAndClaim(t *testing.T) {
	st := openTest(t)

	if err := st.InsertDiscovered("a.test", t0); err != nil {
		t.Fatalf("InsertDiscovered: %v", err)
	}
	// Duplicate insert is a no-op.
	if err := st.InsertDiscovered("a.test", t0.Add(time.Minute)); err != nil {
		t.Fatalf("InsertDiscovered duplicate: %v", err)
	}

	s, next, err := st.HostState("a.test")
	if err != nil {
		t.Fatalf("HostState: %v", err)
	}
	if s.Kind() != state.KindDiscovered {
		t.Errorf("state = %s, want discovered", s.Kind())
	}
	if next.Before(t0) || next.After(t0.Add(time.Hour)) {
		t.Errorf("first check at %v, want within an hour of %v", next, t0)
	}

	// Not yet due.
	if hosts := mustClaim(t, st, t0, 10); len(hosts) != 0 {
		t.Errorf("claimed %v before due time", hosts)
	}

	// Due: claimed exactly once, then pessimistically rescheduled.
	hosts := mustClaim(t, st, next, 10)
	if len(hosts) != 1 || hosts[0] != "a.test" {
		t.Fatalf("claimed %v, want [a.test]", hosts)
	}
	if again := mustClaim(t, st, next, 10); len(again) != 0 {
		t.Errorf("double-claimed %v", again)
	}

	_, rescheduled, _ := st.HostState("a.test")
	if want := next.Add(state.PessimisticReschedule); !rescheduled.Equal(want) {
		t.Errorf("rescheduled to %v, want %v", rescheduled, want)
	}
}

func TestClaimOrderingAndLimit(t *testing.T) {
	st := openTest(t)

	// All inserted at t0 get first checks at t0+30m; the tie breaks by
	// hostname. One host inserted earlier sorts first by next_check.
	if err := st.InsertDiscovered("early.test", t0.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"c.test", "a.test", "b.test"} {
		if err := st.InsertDiscovered(h, t0); err != nil {
			t.Fatal(err)
		}
	}

	got := mustClaim(t, st, t0.Add(time.Hour), 3)
	want := []string{"early.test", "a.test", "b.test"}
	if len(got) != 3 {
		t.Fatalf("claimed %v, want 3 hosts", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("claimed[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// The remaining host is claimable on the next call.
	rest := mustClaim(t, st, t0.Add(time.Hour), 3)
	if len(rest) != 1 || rest[0] != "c.test" {
		t.Errorf("second claim = %v, want [c.test]", rest)
	}
}

func TestPerHostDailyDispatchCap(t *testing.T) {
	st := openTest(t)
	if err := st.InsertDiscovered("a.test", t0); err != nil {
		t.Fatal(err)
	}

	// First dispatch records alive, later ones fail so the host comes due
	// every six hours: the fourth dispatch would be the third in 24 h and
	// must be withheld.
	d1 := t0.Add(30 * time.Minute)
	if hosts := mustClaim(t, st, d1, 1); len(hosts) != 1 {
		t.Fatalf("dispatch 1 claimed %v", hosts)
	}
	mustRecord(t, st, "a.test", state.Outcome{Kind: state.OutcomeAlive}, "s1", d1)

	d2 := d1.Add(24 * time.Hour)
	if hosts := mustClaim(t, st, d2, 1); len(hosts) != 1 {
		t.Fatalf("dispatch 2 claimed %v", hosts)
	}
	mustRecord(t, st, "a.test", state.Outcome{Kind: state.OutcomeDead}, "s2", d2)

	d3 := d2.Add(state.IntervalDying)
	if hosts := mustClaim(t, st, d3, 1); len(hosts) != 1 {
		t.Fatalf("dispatch 3 claimed %v", hosts)
	}
	mustRecord(t, st, "a.test", state.Outcome{Kind: state.OutcomeDead}, "s3", d3)

	// Due again six hours later, but d2 and d3 both fall inside the
	// rolling window: withheld.
	d4 := d3.Add(state.IntervalDying)
	if hosts := mustClaim(t, st, d4, 1); len(hosts) != 0 {
		t.Errorf("dispatch 4 claimed %v, want none (daily cap)", hosts)
	}

	// Once d2 ages out of the window the host is dispatchable again.
	d5 := d2.Add(25 * time.Hour)
	if hosts := mustClaim(t, st, d5, 1); len(hosts) != 1 {
		t.Errorf("post-window claim = %v, want [a.test]", hosts)
	}
}

func TestRecordOutcomeIdempotent(t *testing.T) {
	st := openTest(t)
	if err := st.InsertDiscovered("a.test", t0); err != nil {
		t.Fatal(err)
	}

	fail := state.Outcome{Kind: state.OutcomeDead}
	mustRecord(t, st, "a.test", state.Outcome{Kind: state.OutcomeAlive}, "s1", t0)
	mustRecord(t, st, "a.test", fail, "s2", t0.Add(time.Hour))

	s, next, _ := st.HostState("a.test")
	if s.Kind() != state.KindDying {
		t.Fatalf("state = %s, want dying", s.Kind())
	}

	// Re-delivering s2 must change nothing.
	mustRecord(t, st, "a.test", fail, "s2", t0.Add(2*time.Hour))
	s2, next2, _ := st.HostState("a.test")
	if s2.Kind() != s.Kind() || state.FailCount(s2) != state.FailCount(s) || !next2.Equal(next) {
		t.Errorf("duplicate outcome changed state: %v/%v -> %v/%v", s, next, s2, next2)
	}

	// A fresh sequence applies normally.
	mustRecord(t, st, "a.test", fail, "s3", t0.Add(2*time.Hour))
	s3, _, _ := st.HostState("a.test")
	if state.FailCount(s3) != 2 {
		t.Errorf("FailCount = %d, want 2", state.FailCount(s3))
	}
}

func TestRecordOutcomeUnknownHost(t *testing.T) {
	st := openTest(t)
	err := st.RecordOutcome("ghost.test", state.Outcome{Kind: state.OutcomeDead}, "s1", t0)
	if !errors.Is(err, ErrUnknownHost) {
		t.Errorf("err = %v, want ErrUnknownHost", err)
	}
}

func TestAliveOutcomeInsertsPeers(t *testing.T) {
	st := openTest(t)
	if err := st.InsertDiscovered("a.test", t0); err != nil {
		t.Fatal(err)
	}

	out := state.Outcome{Kind: state.OutcomeAlive, Peers: []string{"b.test", "c.test", "a.test"}}
	mustRecord(t, st, "a.test", out, "s1", t0)

	for _, peer := range []string{"b.test", "c.test"} {
		s, next, err := st.HostState(peer)
		if err != nil {
			t.Fatalf("peer %s not inserted: %v", peer, err)
		}
		if s.Kind() != state.KindDiscovered {
			t.Errorf("peer %s state = %s, want discovered", peer, s.Kind())
		}
		if next.Before(t0) || next.After(t0.Add(time.Hour)) {
			t.Errorf("peer %s first check at %v, want within (t0, t0+1h)", peer, next)
		}
	}

	// The observed-by host itself is never re-inserted as its own peer.
	s, _, _ := st.HostState("a.test")
	if s.Kind() != state.KindAlive {
		t.Errorf("a.test state = %s, want alive", s.Kind())
	}
}

func TestMovedInsertsTarget(t *testing.T) {
	st := openTest(t)
	if err := st.InsertDiscovered("old.test", t0); err != nil {
		t.Fatal(err)
	}

	mustRecord(t, st, "old.test", state.Outcome{Kind: state.OutcomeMovedPerm, Target: "new.test"}, "s1", t0)

	s, _, _ := st.HostState("old.test")
	if s.Kind() != state.KindMoved || state.MoveTarget(s) != "new.test" {
		t.Errorf("old.test = %s target %q, want moved -> new.test", s.Kind(), state.MoveTarget(s))
	}
	ts, _, err := st.HostState("new.test")
	if err != nil {
		t.Fatalf("target not inserted: %v", err)
	}
	if ts.Kind() != state.KindDiscovered {
		t.Errorf("new.test state = %s, want discovered", ts.Kind())
	}
}

func TestMovedCycleDemotesTail(t *testing.T) {
	st := openTest(t)
	for _, h := range []string{"a.test", "b.test", "c.test"} {
		if err := st.InsertDiscovered(h, t0); err != nil {
			t.Fatal(err)
		}
	}

	mustRecord(t, st, "a.test", state.Outcome{Kind: state.OutcomeMovedPerm, Target: "b.test"}, "s1", t0)
	mustRecord(t, st, "b.test", state.Outcome{Kind: state.OutcomeMovedPerm, Target: "c.test"}, "s2", t0)
	// c -> a would close the cycle: c must go dead instead of moved.
	mustRecord(t, st, "c.test", state.Outcome{Kind: state.OutcomeMovedPerm, Target: "a.test"}, "s3", t0)

	s, _, _ := st.HostState("c.test")
	if s.Kind() != state.KindDead {
		t.Errorf("cycle tail state = %s, want dead", s.Kind())
	}
}

func TestSnapshotAlive(t *testing.T) {
	st := openTest(t)
	now := t0

	seedAndRecord := func(host string, outcomes ...state.Outcome) {
		t.Helper()
		if err := st.InsertDiscovered(host, now); err != nil {
			t.Fatal(err)
		}
		for i, o := range outcomes {
			mustRecord(t, st, host, o, host+string(rune('a'+i)), now)
		}
	}

	alive := state.Outcome{Kind: state.OutcomeAlive}
	fail := state.Outcome{Kind: state.OutcomeDead}

	seedAndRecord("zulu.test", alive)
	seedAndRecord("alpha.test", alive)
	seedAndRecord("dying.test", alive, fail)
	seedAndRecord("reviving.test", alive, fail, fail, fail, alive) // ends reviving with a success
	seedAndRecord("dead.test", fail)
	seedAndRecord("moved.test", alive, state.Outcome{Kind: state.OutcomeMovedPerm, Target: "elsewhere.test"})
	seedAndRecord("never-checked.test")

	var got []string
	err := st.SnapshotAlive(now.Add(time.Hour), func(h string) error {
		got = append(got, h)
		return nil
	})
	if err != nil {
		t.Fatalf("SnapshotAlive: %v", err)
	}

	want := []string{"alpha.test", "dying.test", "reviving.test", "zulu.test"}
	if len(got) != len(want) {
		t.Fatalf("snapshot = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("snapshot[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSnapshotAliveWindowExpiry(t *testing.T) {
	st := openTest(t)
	if err := st.InsertDiscovered("a.test", t0); err != nil {
		t.Fatal(err)
	}
	mustRecord(t, st, "a.test", state.Outcome{Kind: state.OutcomeAlive}, "s1", t0)

	count := func(now time.Time) int {
		n := 0
		if err := st.SnapshotAlive(now, func(string) error { n++; return nil }); err != nil {
			t.Fatalf("SnapshotAlive: %v", err)
		}
		return n
	}

	if got := count(t0.Add(6 * 24 * time.Hour)); got != 1 {
		t.Errorf("within window: %d hosts, want 1", got)
	}
	if got := count(t0.Add(8 * 24 * time.Hour)); got != 0 {
		t.Errorf("past window: %d hosts, want 0", got)
	}
}

func TestSchemaVersionRefusal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	st, err := Open(path, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.db.Exec(`UPDATE meta SET value = '999' WHERE key = 'schema_version'`); err != nil {
		t.Fatalf("tampering with version: %v", err)
	}
	st.Close()

	if _, err := Open(path, zerolog.Nop(), Options{}); !errors.Is(err, ErrUnknownSchema) {
		t.Errorf("reopen err = %v, want ErrUnknownSchema", err)
	}
}

func TestHostnamesStream(t *testing.T) {
	st := openTest(t)
	for _, h := range []string{"a.test", "b.test"} {
		if err := st.InsertDiscovered(h, t0); err != nil {
			t.Fatal(err)
		}
	}

	seen := map[string]bool{}
	if err := st.Hostnames(func(h string) error { seen[h] = true; return nil }); err != nil {
		t.Fatalf("Hostnames: %v", err)
	}
	if !seen["a.test"] || !seen["b.test"] || len(seen) != 2 {
		t.Errorf("Hostnames = %v, want a.test and b.test", seen)
	}
}
