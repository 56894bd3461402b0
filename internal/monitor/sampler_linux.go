package monitor

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// sysinfo load averages are fixed point with 16 fractional bits.
const loadScale = 1 << 16

type systemSampler struct {
	diskPath string
}

// NewSystemSampler samples memory and load through sysinfo(2) and disk usage
// of the filesystem holding diskPath through statfs(2). CPU usage is the
// one-minute load average divided by the CPU count, capped at 1.
func NewSystemSampler(diskPath string) Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &systemSampler{diskPath: diskPath}
}

func (s *systemSampler) Sample() (Usage, error) {
	var u Usage

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return u, fmt.Errorf("sysinfo: %w", err)
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	if total > 0 && free <= total {
		used := total - free
		u.MemoryPercent = float64(used) / float64(total)
		u.MemoryUsedMB = float64(used) / (1024 * 1024)
	}

	load := float64(si.Loads[0]) / loadScale
	u.CPUPercent = min(load/float64(runtime.NumCPU()), 1)

	var st unix.Statfs_t
	if err := unix.Statfs(s.diskPath, &st); err != nil {
		return u, fmt.Errorf("statfs %s: %w", s.diskPath, err)
	}
	if st.Blocks > 0 {
		u.DiskPercent = float64(st.Blocks-st.Bfree) / float64(st.Blocks)
	}
	return u, nil
}
