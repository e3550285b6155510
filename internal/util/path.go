// Package util holds small filesystem helpers shared across the crawler.
package util

import (
	"os"
	"strings"
	"sync"
)

var (
	homeDir     string
	homeDirOnce sync.Once
)

// ExpandHome expands a leading ~/ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~/ or if
// the home directory cannot be determined.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDirOnce.Do(func() {
		homeDir, _ = os.UserHomeDir()
	})
	if homeDir == "" {
		return path
	}
	return homeDir + path[1:]
}
