package state

// OutcomeKind names the terminal result of one check. The string values are
// the wire kinds on the checker's outcome channel.
type OutcomeKind string

const (
	OutcomeAlive          OutcomeKind = "alive"
	OutcomeDead           OutcomeKind = "dead"
	OutcomeMovedTemp      OutcomeKind = "moved_temp"
	OutcomeMovedPerm      OutcomeKind = "moved_perm"
	OutcomePrivateOptOut  OutcomeKind = "private_opt_out"
	OutcomeRobotsDenied   OutcomeKind = "robots_denied"
	OutcomeOriginMismatch OutcomeKind = "origin_mismatch"
	OutcomeTimeout        OutcomeKind = "timeout"
	OutcomeProtocolError  OutcomeKind = "protocol_error"
)

// Outcome is the typed record the outcome reader hands to the orchestrator.
type Outcome struct {
	Kind OutcomeKind
	// Target is the redirect destination for moved_temp/moved_perm.
	Target string
	// Peers is the normalized peer list for alive outcomes.
	Peers []string
	// Detail is a human-readable diagnostic for the journal.
	Detail string
}

// IsFailure reports whether the outcome counts as a check failure for the
// transition table. Redirects are their own column, alive is success.
func (k OutcomeKind) IsFailure() bool {
	switch k {
	case OutcomeDead, OutcomeTimeout, OutcomeProtocolError,
		OutcomeOriginMismatch, OutcomeRobotsDenied, OutcomePrivateOptOut:
		return true
	}
	return false
}

// IsTerminalKind reports whether k is a known terminal outcome kind.
// Anything else on the wire is a protocol error.
func IsTerminalKind(k OutcomeKind) bool {
	switch k {
	case OutcomeAlive, OutcomeDead, OutcomeMovedTemp, OutcomeMovedPerm,
		OutcomePrivateOptOut, OutcomeRobotsDenied, OutcomeOriginMismatch,
		OutcomeTimeout, OutcomeProtocolError:
		return true
	}
	return false
}
