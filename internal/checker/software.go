package checker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/minoru/fediverse-crawler/internal/state"
)

// peersAPIFamily lists software that serves the Mastodon-compatible
// /api/v1/instance/peers endpoint.
var peersAPIFamily = map[string]bool{
	"mastodon":   true,
	"pleroma":    true,
	"misskey":    true,
	"bookwyrm":   true,
	"smithereen": true,
	"lemmy":      true,
	"akkoma":     true,
}

// privacyFamilies lists software whose site config can opt the instance
// out of public listing.
var privacyFamilies = map[string]bool{
	"gnusocial":  true,
	"gnu-social": true,
	"friendica":  true,
	"hubzilla":   true,
}

// statusnetConfigPath is the shared config endpoint of the GNU-Social
// lineage (GNU Social, Friendica, Hubzilla).
const statusnetConfigPath = "/api/statusnet/config.json"

// peertubePageSize is the page length used when walking PeerTube's
// following/followers listings.
const peertubePageSize = 100

// peertubeMaxPages bounds pagination against hostile endless listings.
const peertubeMaxPages = 100

// fetchPeers dispatches to the software-specific peers handler. Software
// outside the map federates without a peers listing we understand, so it
// is alive with no peers. ok=false means the returned outcome is terminal.
func (c *Checker) fetchPeers(ctx context.Context, software string) ([]string, state.Outcome, bool) {
	switch {
	case peersAPIFamily[software]:
		return c.fetchInstancePeers(ctx)
	case software == "peertube":
		return c.fetchPeertubePeers(ctx)
	default:
		return nil, state.Outcome{}, true
	}
}

// fetchInstancePeers reads the Mastodon-style flat hostname array.
func (c *Checker) fetchInstancePeers(ctx context.Context) ([]string, state.Outcome, bool) {
	status, body, err := c.client.get(ctx, "/api/v1/instance/peers")
	if err != nil {
		return nil, c.fetchFailure(err, "peers endpoint"), false
	}
	if status != 200 {
		return nil, state.Outcome{
			Kind:   state.OutcomeDead,
			Detail: fmt.Sprintf("peers endpoint returned status %d", status),
		}, false
	}

	var raw []string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, state.Outcome{Kind: state.OutcomeProtocolError, Detail: "malformed peers list"}, false
	}
	return c.normalizePeers(raw), state.Outcome{}, true
}

// peertubePage is one page of PeerTube's follow listings. The relevant
// host sits under "following" on one endpoint and "follower" on the other.
type peertubePage struct {
	Total int `json:"total"`
	Data  []struct {
		Following struct {
			Host string `json:"host"`
		} `json:"following"`
		Follower struct {
			Host string `json:"host"`
		} `json:"follower"`
	} `json:"data"`
}

// fetchPeertubePeers pages through both follow directions.
func (c *Checker) fetchPeertubePeers(ctx context.Context) ([]string, state.Outcome, bool) {
	var raw []string
	for _, endpoint := range []string{"/api/v1/server/following", "/api/v1/server/followers"} {
		hosts, out, ok := c.fetchPeertubeListing(ctx, endpoint)
		if !ok {
			return nil, out, false
		}
		raw = append(raw, hosts...)
	}
	return c.normalizePeers(raw), state.Outcome{}, true
}

func (c *Checker) fetchPeertubeListing(ctx context.Context, endpoint string) ([]string, state.Outcome, bool) {
	var hosts []string
	for page := 0; page < peertubeMaxPages; page++ {
		path := fmt.Sprintf("%s?count=%d&start=%d", endpoint, peertubePageSize, page*peertubePageSize)
		status, body, err := c.client.get(ctx, path)
		if err != nil {
			return nil, c.fetchFailure(err, "peers endpoint"), false
		}
		if status != 200 {
			return nil, state.Outcome{
				Kind:   state.OutcomeDead,
				Detail: fmt.Sprintf("peers endpoint %s returned status %d", endpoint, status),
			}, false
		}

		var p peertubePage
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, state.Outcome{Kind: state.OutcomeProtocolError, Detail: "malformed peers page"}, false
		}
		for _, entry := range p.Data {
			if entry.Following.Host != "" {
				hosts = append(hosts, entry.Following.Host)
			}
			if entry.Follower.Host != "" {
				hosts = append(hosts, entry.Follower.Host)
			}
		}
		if len(p.Data) < peertubePageSize || len(hosts) >= c.cfg.MaxPeers {
			break
		}
	}
	return hosts, state.Outcome{}, true
}

// checkPrivacyOptOut fetches the GNU-Social-lineage site config and looks
// for the private flag. Only a positively truthy flag opts the host out;
// unreachable or unparseable config endpoints do not.
func (c *Checker) checkPrivacyOptOut(ctx context.Context) (state.Outcome, bool) {
	status, body, err := c.client.get(ctx, statusnetConfigPath)
	if err != nil || status != 200 {
		return state.Outcome{}, false
	}

	var doc struct {
		Site struct {
			Private any `json:"private"`
		} `json:"site"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return state.Outcome{}, false
	}
	if truthy(doc.Site.Private) {
		return state.Outcome{Kind: state.OutcomePrivateOptOut, Detail: "site config declares the instance private"}, true
	}
	return state.Outcome{}, false
}

// truthy interprets the private flag the way the deployed software
// families actually serialize it: booleans, numbers, and string forms.
func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x == "1" || x == "true" || x == "yes"
	}
	return false
}
