// Package seed implements the --add-instances intake mode: hostnames on
// standard input, one per line, inserted as Discovered.
package seed

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minoru/fediverse-crawler/internal/hostname"
)

// Inserter is the store surface seed intake needs.
type Inserter interface {
	InsertDiscovered(host string, now time.Time) error
}

// Result counts the intake run. Empty and comment lines are not counted.
type Result struct {
	Accepted int
	Rejected int
}

// OK reports whether the run met the acceptance bar: at least half of the
// input lines were valid hostnames. An empty input is fine.
func (r Result) OK() bool {
	total := r.Accepted + r.Rejected
	return total == 0 || r.Accepted*2 >= total
}

// Intake reads hostnames from r, normalizes and validates each, and
// inserts the acceptable ones. Invalid lines are counted, logged at debug,
// and dropped. The error return covers input I/O and store failures only.
func Intake(r io.Reader, store Inserter, now func() time.Time, log zerolog.Logger) (Result, error) {
	log = log.With().Str("component", "seed").Logger()

	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		host, err := hostname.NormalizeValid(line)
		if err != nil {
			res.Rejected++
			log.Debug().Str("line", line).Err(err).Msg("rejected seed line")
			continue
		}

		if err := store.InsertDiscovered(host, now()); err != nil {
			return res, fmt.Errorf("inserting %s: %w", host, err)
		}
		res.Accepted++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading seed input: %w", err)
	}

	log.Info().Int("accepted", res.Accepted).Int("rejected", res.Rejected).Msg("seed intake finished")
	return res, nil
}
