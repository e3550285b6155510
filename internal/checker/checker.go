// Package checker performs one bounded, hostile-input-tolerant probe of
// one federation hostname.
//
// A checker runs as a short-lived subprocess spawned by the orchestrator.
// It never touches the store; its only output is length-delimited outcome
// frames on stdout. Everything read off the network is treated as
// adversarial: bodies are capped, redirects are origin-checked, and every
// parse failure degrades to a failure outcome instead of an error escaping
// the process.
package checker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"

	"github.com/minoru/fediverse-crawler/internal/hostname"
	"github.com/minoru/fediverse-crawler/internal/ipc"
	"github.com/minoru/fediverse-crawler/internal/state"
)

// wellKnownPath locates the nodeinfo document on every federation server.
const wellKnownPath = "/.well-known/nodeinfo"

// Nodeinfo schema versions we understand.
var supportedSchemas = []string{
	"http://nodeinfo.diaspora.software/ns/schema/2.0",
	"http://nodeinfo.diaspora.software/ns/schema/2.1",
}

// Config carries everything one probe needs. The orchestrator passes it
// via flags on the checker subcommand; the checker never reads the config
// file itself.
type Config struct {
	Host string

	// Scheme is https in production. Tests probing httptest origins set
	// http and a host:port Host.
	Scheme string

	UserAgent   string
	RobotsAgent string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	MaxRedirects int
	MaxBodyBytes int64
	MaxPeers     int
}

// Checker probes one host and emits outcome frames.
type Checker struct {
	cfg    Config
	client *httpClient
	log    zerolog.Logger
	out    io.Writer
}

// New builds a checker. out receives the outcome frames (stdout in
// production).
func New(cfg Config, log zerolog.Logger, out io.Writer) *Checker {
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	return &Checker{
		cfg:    cfg,
		client: newHTTPClient(cfg),
		log:    log.With().Str("component", "checker").Str("host", cfg.Host).Logger(),
		out:    out,
	}
}

// Run probes the host and writes the terminal outcome frame. The error
// return covers only the output channel itself; probe failures become
// outcomes, never errors.
func (c *Checker) Run(ctx context.Context) error {
	outcome := c.probe(ctx)
	c.log.Debug().Str("outcome", string(outcome.Kind)).Str("detail", outcome.Detail).Msg("probe finished")
	return ipc.WriteMessage(c.out, ipc.FromOutcome(outcome))
}

func (c *Checker) progress(detail string) {
	_ = ipc.WriteMessage(c.out, ipc.Message{Kind: ipc.KindProgress, Detail: detail})
}

// probe walks the check protocol: robots, well-known locator, metadata,
// privacy opt-out, peers.
func (c *Checker) probe(ctx context.Context) state.Outcome {
	if out, denied := c.checkRobots(ctx); denied {
		return out
	}

	doc, out, ok := c.fetchMetadata(ctx)
	if !ok {
		return out
	}
	software := strings.ToLower(strings.TrimSpace(doc.Software.Name))
	c.progress("software identified: " + software)

	if privacyFamilies[software] {
		if out, opted := c.checkPrivacyOptOut(ctx); opted {
			return out
		}
	}

	peers, out, ok := c.fetchPeers(ctx, software)
	if !ok {
		return out
	}

	return state.Outcome{Kind: state.OutcomeAlive, Peers: peers}
}

// checkRobots fetches /robots.txt and applies the crawler's exclusion
// group. A missing or unreachable robots.txt is permissive; a cross-origin
// redirect of the robots fetch is an origin violation.
func (c *Checker) checkRobots(ctx context.Context) (state.Outcome, bool) {
	status, body, err := c.client.get(ctx, "/robots.txt")
	if err != nil {
		var cross *crossOriginError
		if errors.As(err, &cross) {
			return state.Outcome{
				Kind:   state.OutcomeOriginMismatch,
				Detail: "robots.txt redirected off-origin to " + cross.Target.Host,
			}, true
		}
		// Host unreachable or robots oversized: not a robots denial.
		// The metadata fetch decides the host's fate.
		return state.Outcome{}, false
	}

	robots, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return state.Outcome{}, false
	}
	if !robots.FindGroup(c.cfg.RobotsAgent).Test(wellKnownPath) {
		return state.Outcome{Kind: state.OutcomeRobotsDenied, Detail: "robots.txt disallows " + c.cfg.RobotsAgent}, true
	}
	return state.Outcome{}, false
}

// nodeinfoDoc is the subset of the metadata document the crawler reads.
type nodeinfoDoc struct {
	Software struct {
		Name string `json:"name"`
	} `json:"software"`
}

// fetchMetadata resolves the well-known locator and fetches the metadata
// document it points at. ok=false means the returned outcome is terminal.
func (c *Checker) fetchMetadata(ctx context.Context) (nodeinfoDoc, state.Outcome, bool) {
	var doc nodeinfoDoc

	status, body, err := c.client.get(ctx, wellKnownPath)
	if err != nil {
		return doc, c.locatorError(err), false
	}
	if status != 200 {
		return doc, state.Outcome{
			Kind:   state.OutcomeDead,
			Detail: fmt.Sprintf("nodeinfo locator returned status %d", status),
		}, false
	}

	var locator struct {
		Links []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"links"`
	}
	if err := json.Unmarshal(body, &locator); err != nil {
		return doc, state.Outcome{Kind: state.OutcomeProtocolError, Detail: "malformed nodeinfo locator"}, false
	}

	href := ""
	for _, link := range locator.Links {
		for _, schema := range supportedSchemas {
			if link.Rel == schema {
				href = link.Href
				break
			}
		}
		if href != "" {
			break
		}
	}
	if href == "" {
		return doc, state.Outcome{Kind: state.OutcomeProtocolError, Detail: "no supported nodeinfo schema advertised"}, false
	}

	hrefURL, err := c.client.parseSameOrigin(href)
	if err != nil {
		return doc, state.Outcome{Kind: state.OutcomeOriginMismatch, Detail: err.Error()}, false
	}

	status, body, err = c.client.getURL(ctx, hrefURL)
	if err != nil {
		return doc, c.fetchFailure(err, "nodeinfo document"), false
	}
	if status != 200 {
		return doc, state.Outcome{
			Kind:   state.OutcomeDead,
			Detail: fmt.Sprintf("nodeinfo document returned status %d", status),
		}, false
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return doc, state.Outcome{Kind: state.OutcomeProtocolError, Detail: "malformed nodeinfo document"}, false
	}
	if doc.Software.Name == "" {
		return doc, state.Outcome{Kind: state.OutcomeProtocolError, Detail: "nodeinfo document lacks software.name"}, false
	}
	return doc, state.Outcome{}, true
}

// locatorError maps an error from the well-known locator fetch onto an
// outcome. This is the one place a cross-origin redirect means "the host
// moved" rather than "origin violation": a permanent redirect of the
// locator is how servers announce a rename.
func (c *Checker) locatorError(err error) state.Outcome {
	var cross *crossOriginError
	if errors.As(err, &cross) {
		target, nerr := hostname.NormalizeValid(cross.Target.Hostname())
		if nerr != nil {
			return state.Outcome{Kind: state.OutcomeOriginMismatch, Detail: "redirect to invalid host " + cross.Target.Host}
		}
		if cross.Status == 301 || cross.Status == 308 {
			return state.Outcome{Kind: state.OutcomeMovedPerm, Target: target}
		}
		return state.Outcome{Kind: state.OutcomeMovedTemp, Target: target}
	}
	return c.fetchFailure(err, "nodeinfo locator")
}

// fetchFailure maps a non-redirect fetch error onto a failure outcome.
func (c *Checker) fetchFailure(err error, what string) state.Outcome {
	var cross *crossOriginError
	switch {
	case errors.As(err, &cross):
		return state.Outcome{Kind: state.OutcomeOriginMismatch, Detail: what + " redirected off-origin to " + cross.Target.Host}
	case errors.Is(err, errOversized):
		return state.Outcome{Kind: state.OutcomeProtocolError, Detail: what + " exceeded the body size limit"}
	case errors.Is(err, errTooManyRedirects):
		return state.Outcome{Kind: state.OutcomeProtocolError, Detail: what + " redirected too many times"}
	default:
		return state.Outcome{Kind: state.OutcomeDead, Detail: what + ": " + err.Error()}
	}
}

// normalizePeers validates, canonicalizes, deduplicates, and caps a raw
// peer list. The probed host itself is dropped.
func (c *Checker) normalizePeers(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	peers := make([]string, 0, min(len(raw), c.cfg.MaxPeers))
	for _, entry := range raw {
		if len(peers) >= c.cfg.MaxPeers {
			break
		}
		h, err := hostname.NormalizeValid(entry)
		if err != nil || h == c.cfg.Host || seen[h] {
			continue
		}
		seen[h] = true
		peers = append(peers, h)
	}
	return peers
}
