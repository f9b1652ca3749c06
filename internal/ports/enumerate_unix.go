//go:build !windows

package ports

import (
	"fmt"
	"path/filepath"
)

var devPatterns = []string{
	"/dev/ttyUSB*",
	"/dev/ttyACM*",
	"/dev/tty.*",
	"/dev/cu.*",
}

func enumerate() ([]string, error) {
	var paths []string
	for _, pattern := range devPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}
