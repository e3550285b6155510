// Package journal constructs the process-wide structured logger.
//
// All components log through zerolog sub-loggers tagged with a component
// name. Output goes to stderr, where the service manager's journal picks
// it up; stdout stays free for the checker's outcome channel.
package journal

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger at the given level. Unknown level strings
// fall back to info rather than failing startup.
func New(level string) zerolog.Logger {
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(os.Stderr).With().Timestamp().Logger().Level(lvl)
}
