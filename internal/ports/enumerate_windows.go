//go:build windows

package ports

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

const serialCommKey = `HARDWARE\DEVICEMAP\SERIALCOMM`

func enumerate() ([]string, error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, serialCommKey, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			// No serial driver has registered a port.
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", serialCommKey, err)
	}
	defer k.Close()

	names, err := k.ReadValueNames(0)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", serialCommKey, err)
	}

	paths := make([]string, 0, len(names))
	for _, name := range names {
		port, _, err := k.GetStringValue(name)
		if err != nil {
			continue
		}
		paths = append(paths, port)
	}
	return paths, nil
}
