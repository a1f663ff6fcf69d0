package pipeline

import (
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// DefaultMinFreeBytes is the free space below which a build logs a warning.
const DefaultMinFreeBytes = 1 << 30

// checkFreeSpace warns when the file system holding dir has less than minFree
// bytes free. It never fails a build: the tile builder reports the real
// error if it runs out of space.
func checkFreeSpace(dir string, minFree uint64, logger *zap.Logger) {
	usage, err := disk.Usage(dir)
	if err != nil {
		logger.Warn("failed to read free disk space", zap.String("dir", dir), zap.Error(err))
		return
	}
	if usage.Free < minFree {
		logger.Warn("low disk space in output directory",
			zap.String("dir", dir),
			zap.String("free", humanize.Bytes(usage.Free)),
			zap.String("want", humanize.Bytes(minFree)))
	}
}
