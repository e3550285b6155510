// Package ipc is the outcome channel between the orchestrator and its
// checker subprocesses: length-delimited JSON frames on the checker's
// stdout.
//
// Frame layout: 4-byte big-endian payload length, then the JSON payload.
// The checker may emit any number of progress frames; the last terminal
// frame wins. The reader side treats every framing violation as hostile
// input and degrades to a protocol_error outcome instead of trusting
// anything read so far.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/minoru/fediverse-crawler/internal/state"
)

// KindProgress marks non-terminal frames. They carry a diagnostic detail
// and are skipped by the reader.
const KindProgress = "progress"

// Message is the wire shape of one frame.
type Message struct {
	Kind   string   `json:"kind"`
	Target string   `json:"target,omitempty"`
	Peers  []string `json:"peers,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// FromOutcome converts a typed outcome into its wire shape.
func FromOutcome(o state.Outcome) Message {
	return Message{
		Kind:   string(o.Kind),
		Target: o.Target,
		Peers:  o.Peers,
		Detail: o.Detail,
	}
}

// WriteMessage emits one frame. Writes are buffered and flushed as a unit
// so a frame is never interleaved or truncated mid-payload by the sender.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	bw := bufio.NewWriterSize(w, len(payload)+4)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := bw.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return bw.Flush()
}

// ReadOutcome consumes frames from r until EOF and materializes at most
// one terminal outcome.
//
// Hardening, in order of application:
//   - frames larger than maxFrame terminate the read with protocol_error
//   - malformed JSON or unknown kinds likewise
//   - peers lists are truncated to maxPeers
//   - EOF with no terminal frame is "no evidence of life": dead
//
// The bool result reports whether the checker produced a terminal frame
// itself; callers use it to distinguish a real verdict from the dead
// default when deciding whether a timeout overrides.
func ReadOutcome(r io.Reader, maxFrame int64, maxPeers int) (state.Outcome, bool) {
	br := bufio.NewReader(r)

	outcome := state.Outcome{Kind: state.OutcomeDead, Detail: "checker exited without a terminal outcome"}
	terminal := false

	for {
		var hdr [4]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return outcome, terminal
			}
			// Truncated header: the channel died mid-frame.
			return state.Outcome{Kind: state.OutcomeProtocolError, Detail: "truncated frame header"}, false
		}

		n := int64(binary.BigEndian.Uint32(hdr[:]))
		if n == 0 || n > maxFrame {
			return state.Outcome{
				Kind:   state.OutcomeProtocolError,
				Detail: fmt.Sprintf("frame of %d bytes exceeds limit %d", n, maxFrame),
			}, false
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(br, payload); err != nil {
			return state.Outcome{Kind: state.OutcomeProtocolError, Detail: "truncated frame payload"}, false
		}

		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return state.Outcome{Kind: state.OutcomeProtocolError, Detail: "malformed frame payload"}, false
		}

		if m.Kind == KindProgress {
			continue
		}

		kind := state.OutcomeKind(m.Kind)
		if !state.IsTerminalKind(kind) {
			return state.Outcome{
				Kind:   state.OutcomeProtocolError,
				Detail: fmt.Sprintf("unknown outcome kind %q", m.Kind),
			}, false
		}

		peers := m.Peers
		if len(peers) > maxPeers {
			peers = peers[:maxPeers]
		}
		outcome = state.Outcome{Kind: kind, Target: m.Target, Peers: peers, Detail: m.Detail}
		terminal = true
	}
}
