// Package ports lists the serial ports a measurement can run on.
package ports

import (
	"regexp"
	"sort"
	"strings"

	"ivbench/internal/backend"
)

// Port is one serial device.
type Port struct {
	Path    string `json:"path"`
	Display string `json:"display"`
}

var filters = map[backend.Platform]*regexp.Regexp{
	backend.PlatformWindows: regexp.MustCompile(`^COM\d+$`),
	backend.PlatformLinux:   regexp.MustCompile(`^/dev/(ttyUSB|ttyACM)\d+$`),
	backend.PlatformDarwin:  regexp.MustCompile(`^/dev/(tty|cu)\.(usbserial|usbmodem)`),
}

// List returns the measurement-capable serial ports of this machine,
// sorted by path.
func List() ([]Port, error) {
	platform := backend.CurrentPlatform()
	paths, err := enumerate()
	if err != nil {
		return nil, err
	}
	return Filter(platform, paths), nil
}

// Filter keeps the paths that look like instrument adapters on platform.
func Filter(platform backend.Platform, paths []string) []Port {
	re, ok := filters[platform]
	if !ok {
		return []Port{}
	}

	seen := make(map[string]bool)
	ports := []Port{}
	for _, p := range paths {
		if seen[p] || !re.MatchString(p) {
			continue
		}
		seen[p] = true
		ports = append(ports, Port{Path: p, Display: Display(platform, p)})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Path < ports[j].Path })
	return ports
}

// Display shortens Linux device paths for the UI: /dev/ttyUSB0 becomes
// USB0 and /dev/ttyACM1 becomes ACM1.
func Display(platform backend.Platform, path string) string {
	if platform != backend.PlatformLinux {
		return path
	}
	for _, prefix := range []string{"/dev/ttyUSB", "/dev/ttyACM"} {
		if strings.HasPrefix(path, prefix) {
			return strings.TrimPrefix(path, "/dev/tty")
		}
	}
	return path
}
