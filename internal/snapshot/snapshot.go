// Package snapshot produces the public list of currently-alive hostnames.
//
// The list is a JSON array of lowercased hostnames in lexicographic order,
// written atomically (temp file, fsync, rename) so the static-file server
// in front of it never serves a torn read. A gzipped twin is produced
// beside it by the same discipline.
package snapshot

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/minoru/fediverse-crawler/internal/util"
)

// AliveSource is the store surface the snapshotter needs.
type AliveSource interface {
	SnapshotAlive(now time.Time, fn func(hostname string) error) error
}

// Snapshotter rewrites the public list on a timer.
type Snapshotter struct {
	source   AliveSource
	path     string
	interval time.Duration
	clock    func() time.Time
	log      zerolog.Logger
}

// New builds a snapshotter writing to path every interval.
func New(source AliveSource, path string, interval time.Duration, log zerolog.Logger) *Snapshotter {
	return &Snapshotter{
		source:   source,
		path:     path,
		interval: interval,
		clock:    time.Now,
		log:      log.With().Str("component", "snapshot").Logger(),
	}
}

// Run writes one snapshot immediately, then on every interval tick until
// the context is canceled. Write failures are logged; the previous
// snapshot stays in place.
func (s *Snapshotter) Run(ctx context.Context) error {
	s.writeLogged()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.writeLogged()
		}
	}
}

func (s *Snapshotter) writeLogged() {
	start := s.clock()
	n, err := s.WriteOnce(start)
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot failed, previous snapshot retained")
		return
	}
	s.log.Info().Int("hosts", n).Dur("took", s.clock().Sub(start)).Msg("snapshot written")
}

// WriteOnce writes the list and its gzipped twin once, returning the
// number of hostnames listed.
func (s *Snapshotter) WriteOnce(now time.Time) (int, error) {
	n := 0
	err := util.WriteFileAtomic(s.path, func(f *os.File) error {
		var werr error
		n, werr = s.serialize(f, now)
		return werr
	})
	if err != nil {
		return 0, fmt.Errorf("writing snapshot: %w", err)
	}

	if err := s.writeGzip(); err != nil {
		return 0, fmt.Errorf("writing gzipped snapshot: %w", err)
	}
	return n, nil
}

// serialize streams the alive set as a JSON array without materializing
// the whole list in memory.
func (s *Snapshotter) serialize(w io.Writer, now time.Time) (int, error) {
	if _, err := io.WriteString(w, "["); err != nil {
		return 0, err
	}
	n := 0
	err := s.source.SnapshotAlive(now, func(host string) error {
		encoded, err := json.Marshal(host)
		if err != nil {
			return err
		}
		if n > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if _, err := w.Write(encoded); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w, "]\n"); err != nil {
		return 0, err
	}
	return n, nil
}

// writeGzip compresses the freshly renamed snapshot next to itself.
func (s *Snapshotter) writeGzip() error {
	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer src.Close()

	return util.WriteFileAtomic(s.path+".gz", func(f *os.File) error {
		zw := gzip.NewWriter(f)
		if _, err := io.Copy(zw, src); err != nil {
			return err
		}
		return zw.Close()
	})
}
