// Package diskutil reports free space on the filesystem that holds
// downloaded bundles, so the deployment workflow can refuse an artifact
// that won't fit before it starts streaming.
package diskutil

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
)

// FreeBytes returns the number of bytes available (not just free — the
// amount an unprivileged process could actually write) on the filesystem
// containing path.
func FreeBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("diskutil: stat %s: %w", path, err)
	}
	return usage.Free, nil
}

// HasSpaceFor reports whether path's filesystem has at least sizeBytes
// available.
func HasSpaceFor(path string, sizeBytes int64) (bool, error) {
	free, err := FreeBytes(path)
	if err != nil {
		return false, err
	}
	if sizeBytes < 0 {
		return true, nil
	}
	return free >= uint64(sizeBytes), nil
}
