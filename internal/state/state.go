// Package state models the host lifecycle: the tagged states a host moves
// through, the check outcomes that drive it, and the transition table that
// maps one to the other.
package state

import (
	"fmt"
	"time"
)

// Kind names a lifecycle state. The string values double as the store's
// state column, so they must stay stable across schema versions.
type Kind string

const (
	KindDiscovered Kind = "discovered"
	KindAlive      Kind = "alive"
	KindDying      Kind = "dying"
	KindDead       Kind = "dead"
	KindReviving   Kind = "reviving"
	KindMoving     Kind = "moving"
	KindMoved      Kind = "moved"
)

// State is the lifecycle sum type. Each variant carries exactly the payload
// the lifecycle needs: anchors, counters, and move targets. The store may
// flatten this into nullable columns, but in memory it is always one of the
// concrete variants below.
type State interface {
	Kind() Kind
	// Since is the instant the host entered this state.
	Since() time.Time
}

// Discovered marks a host that has never been successfully checked.
type Discovered struct {
	At time.Time
}

// Alive marks a host whose last check confirmed the metadata document.
type Alive struct {
	AliveSince time.Time
}

// Dying marks a recently-alive host that is currently failing checks.
type Dying struct {
	DyingSince time.Time
	Failures   int
}

// Dead marks a persistently failing host.
type Dead struct {
	DeadSince time.Time
}

// Reviving marks a previously-dead host that has started responding again.
type Reviving struct {
	RevivingSince time.Time
	Successes     int
}

// Moving marks a host that served a temporary redirect to Target.
type Moving struct {
	MovingSince time.Time
	Target      string
}

// Moved marks a host that served a permanent redirect to Target.
// Terminal for listing; the host is still re-probed to detect reversal.
type Moved struct {
	MovedAt time.Time
	Target  string
}

func (s Discovered) Kind() Kind      { return KindDiscovered }
func (s Discovered) Since() time.Time { return s.At }
func (s Alive) Kind() Kind           { return KindAlive }
func (s Alive) Since() time.Time     { return s.AliveSince }
func (s Dying) Kind() Kind           { return KindDying }
func (s Dying) Since() time.Time     { return s.DyingSince }
func (s Dead) Kind() Kind            { return KindDead }
func (s Dead) Since() time.Time      { return s.DeadSince }
func (s Reviving) Kind() Kind        { return KindReviving }
func (s Reviving) Since() time.Time  { return s.RevivingSince }
func (s Moving) Kind() Kind          { return KindMoving }
func (s Moving) Since() time.Time    { return s.MovingSince }
func (s Moved) Kind() Kind           { return KindMoved }
func (s Moved) Since() time.Time     { return s.MovedAt }

// MoveTarget returns the redirect target for Moving/Moved states, "" otherwise.
func MoveTarget(s State) string {
	switch v := s.(type) {
	case Moving:
		return v.Target
	case Moved:
		return v.Target
	}
	return ""
}

// FailCount returns the consecutive-failure counter, 0 unless Dying.
func FailCount(s State) int {
	if d, ok := s.(Dying); ok {
		return d.Failures
	}
	return 0
}

// SuccessCount returns the consecutive-success counter, 0 unless Reviving.
func SuccessCount(s State) int {
	if r, ok := s.(Reviving); ok {
		return r.Successes
	}
	return 0
}

// FromColumns rebuilds the sum type from the store's flattened shape.
func FromColumns(kind Kind, since time.Time, fails, successes int, target string) (State, error) {
	switch kind {
	case KindDiscovered:
		return Discovered{At: since}, nil
	case KindAlive:
		return Alive{AliveSince: since}, nil
	case KindDying:
		return Dying{DyingSince: since, Failures: fails}, nil
	case KindDead:
		return Dead{DeadSince: since}, nil
	case KindReviving:
		return Reviving{RevivingSince: since, Successes: successes}, nil
	case KindMoving:
		return Moving{MovingSince: since, Target: target}, nil
	case KindMoved:
		return Moved{MovedAt: since, Target: target}, nil
	}
	return nil, fmt.Errorf("unknown state kind %q", kind)
}
