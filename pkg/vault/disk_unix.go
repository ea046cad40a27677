//go:build !windows

package vault

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// diskSpace returns usage for the filesystem holding path, falling back to
// the parent directory when path does not exist yet.
func diskSpace(path string) (*DiskSpaceInfo, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		if err := unix.Statfs(filepath.Dir(path), &stat); err != nil {
			return nil, fmt.Errorf("vault: failed to get disk stats: %w", err)
		}
	}

	bsize := uint64(stat.Bsize)
	return newDiskSpaceInfo(stat.Blocks*bsize, stat.Bfree*bsize, stat.Bavail*bsize), nil
}
