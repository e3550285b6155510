// Package store owns all durable crawler state: hosts, lifecycle detail,
// the check schedule, and dispatch counters, in one SQLite file.
//
// Concurrency discipline: one writer, many readers. Every mutating
// operation takes the store-level writer mutex and runs inside a single
// transaction, so claim_due and record_outcome are atomic in their
// entirety. Snapshot reads run outside the mutex; WAL mode gives them a
// consistent point-in-time view against the writer.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/minoru/fediverse-crawler/internal/state"
)

// schemaVersion is stamped into the meta table. Startup refuses to run
// against a file stamped with anything else.
const schemaVersion = "1"

// maxMoveChain bounds the moved-target walk during cycle detection.
const maxMoveChain = 64

// discoveredWindow is the spread for a newly inserted host's first check.
const discoveredWindow = time.Hour

var (
	// ErrUnknownSchema means the store file was written by an
	// incompatible version of the crawler.
	ErrUnknownSchema = errors.New("store schema version not recognized")

	// ErrUnknownHost means record_outcome was called for a hostname the
	// store has never seen. Outcomes for unknown hosts are dropped.
	ErrUnknownHost = errors.New("unknown host")
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hosts (
	hostname         TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	state_since      INTEGER NOT NULL,
	next_check       INTEGER NOT NULL,
	fail_count       INTEGER NOT NULL DEFAULT 0,
	success_count    INTEGER NOT NULL DEFAULT 0,
	redirect_count   INTEGER NOT NULL DEFAULT 0,
	move_target      TEXT,
	last_success     INTEGER,
	last_outcome_seq TEXT
);
CREATE INDEX IF NOT EXISTS hosts_next_check ON hosts(next_check);
CREATE TABLE IF NOT EXISTS dispatches (
	hostname      TEXT NOT NULL,
	dispatched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatches_host ON dispatches(hostname, dispatched_at);
`

// Options tune store behavior. Zero values pick the documented defaults.
type Options struct {
	// AliveWindow is the look-back for snapshot eligibility.
	AliveWindow time.Duration

	// MaxChecksPerHostPerDay caps dispatches to one host in any rolling
	// 24 h window.
	MaxChecksPerHostPerDay int

	// Rand samples uniformly from [0,1). Injectable for deterministic
	// scheduling tests; defaults to math/rand.
	Rand func() float64
}

// Store is the single-writer persistence layer.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	// mu serializes all mutations. SQLite would also serialize them, but
	// the single-writer property is a correctness requirement here, not a
	// database artifact.
	mu sync.Mutex

	aliveWindow time.Duration
	maxPerDay   int
	rnd         func() float64
}

// Open opens or creates the store file, applies the schema, and validates
// the stamped schema version.
func Open(path string, log zerolog.Logger, opts Options) (*Store, error) {
	if opts.AliveWindow == 0 {
		opts.AliveWindow = 7 * 24 * time.Hour
	}
	if opts.MaxChecksPerHostPerDay == 0 {
		opts.MaxChecksPerHostPerDay = 2
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{
		db:          db,
		log:         log.With().Str("component", "store").Logger(),
		aliveWindow: opts.AliveWindow,
		maxPerDay:   opts.MaxChecksPerHostPerDay,
		rnd:         opts.Rand,
	}

	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) checkSchemaVersion() error {
	var got string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
		if err != nil {
			return fmt.Errorf("stamping schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if got != schemaVersion {
		return fmt.Errorf("%w: file has %q, this build wants %q", ErrUnknownSchema, got, schemaVersion)
	}
	return nil
}

// ClaimDue returns up to limit hostnames whose next check is due at now,
// in ascending next-check order (ties broken by hostname), and atomically
// pushes each claimed host's next check forward by the pessimistic
// reschedule. A host that was dispatched MaxChecksPerHostPerDay times in
// the rolling 24 h window is skipped until the window clears.
func (s *Store) ClaimDue(now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()

	windowStart := now.Add(-24 * time.Hour).Unix()
	if _, err := tx.Exec(`DELETE FROM dispatches WHERE dispatched_at < ?`, windowStart); err != nil {
		return nil, fmt.Errorf("pruning dispatch window: %w", err)
	}

	rows, err := tx.Query(`
		SELECT hostname FROM hosts
		WHERE next_check <= ?
		  AND (SELECT COUNT(*) FROM dispatches d
		       WHERE d.hostname = hosts.hostname AND d.dispatched_at >= ?) < ?
		ORDER BY next_check ASC, hostname ASC
		LIMIT ?`,
		now.Unix(), windowStart, s.maxPerDay, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due hosts: %w", err)
	}

	var claimed []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning due host: %w", err)
		}
		claimed = append(claimed, h)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("reading due hosts: %w", err)
	}

	reschedule := now.Add(state.PessimisticReschedule).Unix()
	for _, h := range claimed {
		if _, err := tx.Exec(`UPDATE hosts SET next_check = ? WHERE hostname = ?`, reschedule, h); err != nil {
			return nil, fmt.Errorf("rescheduling %s: %w", h, err)
		}
		if _, err := tx.Exec(`INSERT INTO dispatches (hostname, dispatched_at) VALUES (?, ?)`, h, now.Unix()); err != nil {
			return nil, fmt.Errorf("recording dispatch for %s: %w", h, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// RecordOutcome applies the state-machine transition for one check
// outcome, updates counters and the schedule, and inserts the move target
// and any newly observed peers — all in one transaction.
//
// Idempotent on (host, seq): re-delivering the same outcome is a no-op.
func (s *Store) RecordOutcome(host string, o state.Outcome, seq string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning record: %w", err)
	}
	defer tx.Rollback()

	var (
		kindStr   string
		since     int64
		fails     int
		successes int
		redirects int
		target    sql.NullString
		lastSeq   sql.NullString
	)
	err = tx.QueryRow(`
		SELECT state, state_since, fail_count, success_count, redirect_count, move_target, last_outcome_seq
		FROM hosts WHERE hostname = ?`, host).
		Scan(&kindStr, &since, &fails, &successes, &redirects, &target, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", host, err)
	}

	if lastSeq.Valid && lastSeq.String == seq {
		// Duplicate delivery of the same check's outcome.
		return tx.Commit()
	}

	cur, err := state.FromColumns(state.Kind(kindStr), time.Unix(since, 0).UTC(), fails, successes, target.String)
	if err != nil {
		return fmt.Errorf("decoding state of %s: %w", host, err)
	}

	next, interval := state.Transition(cur, o, now)

	// A permanent-move chain must terminate. If following this host's new
	// target leads back around, the host closing the cycle goes Dead.
	if mv, ok := next.(state.Moved); ok {
		cyclic, err := s.movedCycleTx(tx, host, mv.Target)
		if err != nil {
			return err
		}
		if cyclic {
			s.log.Warn().Str("host", host).Str("target", mv.Target).Msg("moved cycle detected, demoting to dead")
			next = state.Dead{DeadSince: now}
			interval = state.IntervalDead
		}
	}

	nextCheck := now.Add(state.Jitter(interval, s.rnd))

	switch o.Kind {
	case state.OutcomeMovedPerm, state.OutcomeMovedTemp:
		redirects++
	}

	var lastSuccess any
	if o.Kind == state.OutcomeAlive {
		lastSuccess = now.Unix()
	}

	_, err = tx.Exec(`
		UPDATE hosts SET
			state = ?, state_since = ?, next_check = ?,
			fail_count = ?, success_count = ?, redirect_count = ?,
			move_target = ?, last_success = COALESCE(?, last_success),
			last_outcome_seq = ?
		WHERE hostname = ?`,
		string(next.Kind()), next.Since().Unix(), nextCheck.Unix(),
		state.FailCount(next), state.SuccessCount(next), redirects,
		nullable(state.MoveTarget(next)), lastSuccess, seq, host)
	if err != nil {
		return fmt.Errorf("updating %s: %w", host, err)
	}

	if t := state.MoveTarget(next); t != "" && t != host {
		if err := s.insertDiscoveredTx(tx, t, now); err != nil {
			return err
		}
	}

	if o.Kind == state.OutcomeAlive {
		for _, peer := range o.Peers {
			if peer == host {
				continue
			}
			if err := s.insertDiscoveredTx(tx, peer, now); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record for %s: %w", host, err)
	}
	return nil
}

// movedCycleTx walks the moved-target chain starting at target and reports
// whether it leads back to origin (or loops at all) within maxMoveChain hops.
func (s *Store) movedCycleTx(tx *sql.Tx, origin, target string) (bool, error) {
	visited := map[string]bool{origin: true}
	cur := target
	for i := 0; i < maxMoveChain; i++ {
		if visited[cur] {
			return true, nil
		}
		visited[cur] = true

		var kindStr string
		var next sql.NullString
		err := tx.QueryRow(`SELECT state, move_target FROM hosts WHERE hostname = ?`, cur).Scan(&kindStr, &next)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("walking move chain at %s: %w", cur, err)
		}
		if state.Kind(kindStr) != state.KindMoved || !next.Valid || next.String == "" {
			return false, nil
		}
		cur = next.String
	}
	// Chain longer than any honest federation move history: treat as cyclic.
	return true, nil
}

// InsertDiscovered inserts a hostname as Discovered with a first check
// jittered over the next hour. No-op if the host already exists.
func (s *Store) InsertDiscovered(host string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertDiscoveredTx(tx, host, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert of %s: %w", host, err)
	}
	return nil
}

func (s *Store) insertDiscoveredTx(tx *sql.Tx, host string, now time.Time) error {
	firstCheck := now.Add(time.Duration(s.rnd() * float64(discoveredWindow)))
	_, err := tx.Exec(`
		INSERT INTO hosts (hostname, state, state_since, next_check)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (hostname) DO NOTHING`,
		host, string(state.KindDiscovered), now.Unix(), firstCheck.Unix())
	if err != nil {
		return fmt.Errorf("inserting %s: %w", host, err)
	}
	return nil
}

// SnapshotAlive streams the listable hostnames in lexicographic order.
// A host is listed iff its state is Alive, Dying, or Reviving with at
// least one success, and its most recent successful metadata fetch falls
// within the alive window.
func (s *Store) SnapshotAlive(now time.Time, fn func(hostname string) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot read: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.Add(-s.aliveWindow).Unix()
	rows, err := tx.Query(`
		SELECT hostname FROM hosts
		WHERE last_success IS NOT NULL AND last_success >= ?
		  AND (state IN (?, ?) OR (state = ? AND success_count >= 1))
		ORDER BY hostname ASC`,
		cutoff, string(state.KindAlive), string(state.KindDying), string(state.KindReviving))
	if err != nil {
		return fmt.Errorf("querying alive set: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("scanning alive host: %w", err)
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Hostnames streams every known hostname. Used to rebuild the
// orchestrator's peer membership filter.
func (s *Store) Hostnames(fn func(hostname string) error) error {
	rows, err := s.db.Query(`SELECT hostname FROM hosts`)
	if err != nil {
		return fmt.Errorf("querying hostnames: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return fmt.Errorf("scanning hostname: %w", err)
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}

// HostState returns the current lifecycle state and next-check instant of
// one host. Diagnostic surface, also used by tests.
func (s *Store) HostState(host string) (state.State, time.Time, error) {
	var (
		kindStr   string
		since     int64
		nextCheck int64
		fails     int
		successes int
		target    sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT state, state_since, next_check, fail_count, success_count, move_target
		FROM hosts WHERE hostname = ?`, host).
		Scan(&kindStr, &since, &nextCheck, &fails, &successes, &target)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading %s: %w", host, err)
	}

	st, err := state.FromColumns(state.Kind(kindStr), time.Unix(since, 0).UTC(), fails, successes, target.String)
	if err != nil {
		return nil, time.Time{}, err
	}
	return st, time.Unix(nextCheck, 0).UTC(), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
