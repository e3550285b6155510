package state

import (
	"time"
)

// Check intervals per state. The pessimistic reschedule is the maximum of
// these: a claimed host whose check never completes must not be
// re-dispatched sooner than the slowest normal cadence.
const (
	IntervalAlive  = 24 * time.Hour
	IntervalDying  = 6 * time.Hour
	IntervalDead   = 7 * 24 * time.Hour
	IntervalMoving = 24 * time.Hour
	IntervalMoved  = 7 * 24 * time.Hour

	// IntervalMovingSlow applies when a temporary redirect is observed on a
	// host that was Dead or Reviving: no reason to chase it daily.
	IntervalMovingSlow = 7 * 24 * time.Hour

	// PessimisticReschedule is max over all normal intervals.
	PessimisticReschedule = 7 * 24 * time.Hour

	// MaxDyingFailures is the consecutive-failure count at which a Dying
	// host is declared Dead.
	MaxDyingFailures = 3

	// RevivingThreshold is the consecutive-success count that promotes a
	// previously-dead host back to Alive.
	RevivingThreshold = 2
)

// JitterFraction is the spread applied to every interval: uniform ±10%.
const JitterFraction = 0.1

// Jitter spreads d by ±10% using rnd, a uniform sample from [0,1).
// Injectable so scheduling tests are deterministic.
func Jitter(d time.Duration, rnd func() float64) time.Duration {
	spread := float64(d) * JitterFraction
	offset := (rnd()*2 - 1) * spread
	return d + time.Duration(offset)
}

// Transition applies one outcome to a current state and returns the next
// state plus the unjittered interval until the next check.
//
// The caller is expected to have mapped every checker result onto an
// OutcomeKind already; unknown kinds land on the failure column.
func Transition(cur State, o Outcome, now time.Time) (State, time.Duration) {
	switch o.Kind {
	case OutcomeAlive:
		return transitionAlive(cur, now)
	case OutcomeMovedPerm:
		if m, ok := cur.(Moved); ok {
			// Already moved: just track the (possibly updated) target.
			return Moved{MovedAt: m.MovedAt, Target: o.Target}, IntervalMoved
		}
		return Moved{MovedAt: now, Target: o.Target}, IntervalMoved
	case OutcomeMovedTemp:
		return transitionMovedTemp(cur, o.Target, now)
	default:
		return transitionFailure(cur, o.Kind, now)
	}
}

func transitionAlive(cur State, now time.Time) (State, time.Duration) {
	switch v := cur.(type) {
	case Dead:
		return Reviving{RevivingSince: now, Successes: 1}, IntervalAlive
	case Reviving:
		if v.Successes+1 >= RevivingThreshold {
			return Alive{AliveSince: now}, IntervalAlive
		}
		return Reviving{RevivingSince: v.RevivingSince, Successes: v.Successes + 1}, IntervalAlive
	case Alive:
		// Keep the original anchor: alive-since is first confirmation.
		return v, IntervalAlive
	default:
		// Discovered, Dying, Moving, and a reversed Moved all confirm alive.
		return Alive{AliveSince: now}, IntervalAlive
	}
}

func transitionMovedTemp(cur State, target string, now time.Time) (State, time.Duration) {
	switch cur.(type) {
	case Dead, Reviving:
		return Moving{MovingSince: now, Target: target}, IntervalMovingSlow
	case Moved:
		// Terminal for listing; a temporary hop doesn't un-move a host.
		return cur, IntervalMoved
	default:
		return Moving{MovingSince: now, Target: target}, IntervalMoving
	}
}

func transitionFailure(cur State, kind OutcomeKind, now time.Time) (State, time.Duration) {
	// A software privacy opt-out skips the Dying stage entirely.
	if kind == OutcomePrivateOptOut {
		return Dead{DeadSince: now}, IntervalDead
	}

	switch v := cur.(type) {
	case Alive:
		return Dying{DyingSince: now, Failures: 1}, IntervalDying
	case Dying:
		if v.Failures+1 >= MaxDyingFailures {
			return Dead{DeadSince: now}, IntervalDead
		}
		return Dying{DyingSince: v.DyingSince, Failures: v.Failures + 1}, IntervalDying
	case Dead:
		return v, IntervalDead
	case Moved:
		// Terminal: failures don't change the fact that it moved.
		return v, IntervalMoved
	default:
		// Discovered, Reviving, Moving.
		return Dead{DeadSince: now}, IntervalDead
	}
}
