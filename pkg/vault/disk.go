package vault

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Disk capacity thresholds.
const (
	MinDiskSpaceBytes  = 10 * 1024 * 1024
	DiskWarningPercent = 90
)

// ErrInsufficientDisk is returned before a write that would likely fail.
var ErrInsufficientDisk = errors.New("vault: insufficient disk space")

// DiskSpaceInfo describes the filesystem holding the vault.
type DiskSpaceInfo struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Available uint64 `json:"available"`
	UsedPct   int    `json:"used_pct"`
}

func newDiskSpaceInfo(total, free, available uint64) *DiskSpaceInfo {
	info := &DiskSpaceInfo{Total: total, Free: free, Available: available}
	if total > 0 {
		info.UsedPct = int(100 * (total - free) / total)
	}
	return info
}

// CheckDiskSpace reports usage of the filesystem holding the vault.
func (s *Store) CheckDiskSpace() (*DiskSpaceInfo, error) {
	return diskSpace(s.path)
}

// checkDiskSpaceForWrite fails when less than max(MinDiskSpaceBytes, 2*size)
// bytes are available. A failed probe only logs.
func (s *Store) checkDiskSpaceForWrite(size int) error {
	info, err := diskSpace(s.path)
	if err != nil {
		s.log.Warn("failed to check disk space", zap.Error(err))
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if uint64(size*2) > required {
		required = uint64(size * 2)
	}
	if info.Available < required {
		return fmt.Errorf("%w: only %d MB available, need at least %d MB",
			ErrInsufficientDisk, info.Available/(1024*1024), required/(1024*1024))
	}
	if info.UsedPct >= DiskWarningPercent {
		s.log.Warn("disk almost full", zap.Int("used_pct", info.UsedPct))
	}
	return nil
}
