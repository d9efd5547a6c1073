package health

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
)

const (
	// DefaultMinDiskBytes is the free space below which the disk is down
	// regardless of the usage threshold.
	DefaultMinDiskBytes uint64 = 100 * 1024 * 1024
	// DefaultMemoryLimit is the heap budget the memory threshold applies to.
	DefaultMemoryLimit uint64 = 8 * 1024 * 1024 * 1024
)

// DiskChecker checks the filesystem that holds log files.
type DiskChecker struct {
	path         string
	threshold    float64 // used fraction, e.g. 0.9
	minFreeBytes uint64
}

func NewDiskChecker(path string, threshold float64) *DiskChecker {
	return &DiskChecker{
		path:         path,
		threshold:    threshold,
		minFreeBytes: DefaultMinDiskBytes,
	}
}

// SetMinFreeBytes overrides the absolute free space floor.
func (d *DiskChecker) SetMinFreeBytes(n uint64) {
	d.minFreeBytes = n
}

func (d *DiskChecker) Name() string {
	return "disk"
}

func (d *DiskChecker) Check(ctx context.Context) error {
	if d.path == "" {
		return fmt.Errorf("disk check path is empty")
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(d.path, &st); err != nil {
		return fmt.Errorf("failed to get disk stats for %s: %w", d.path, err)
	}

	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bavail * bsize
	if total == 0 {
		return fmt.Errorf("filesystem at %s reports zero size", d.path)
	}

	if free < d.minFreeBytes {
		return fmt.Errorf("free space at %s critically low: %d bytes", d.path, free)
	}
	used := float64(total-st.Bfree*bsize) / float64(total)
	if used > d.threshold {
		return fmt.Errorf("disk usage at %s %.1f%% exceeds threshold %.1f%%", d.path, used*100, d.threshold*100)
	}
	return nil
}

// MemoryChecker compares the Go heap against a configured budget.
type MemoryChecker struct {
	threshold   float64
	memoryLimit uint64
}

func NewMemoryChecker(threshold float64) *MemoryChecker {
	return &MemoryChecker{
		threshold:   threshold,
		memoryLimit: DefaultMemoryLimit,
	}
}

// SetMemoryLimit overrides the heap budget.
func (m *MemoryChecker) SetMemoryLimit(limit uint64) {
	m.memoryLimit = limit
}

func (m *MemoryChecker) Name() string {
	return "memory"
}

func (m *MemoryChecker) Check(ctx context.Context) error {
	if m.memoryLimit == 0 {
		return fmt.Errorf("memory limit not configured")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	used := float64(ms.HeapAlloc) / float64(m.memoryLimit)
	if used > m.threshold {
		return fmt.Errorf("heap usage %d bytes (%.1f%% of limit) exceeds threshold %.1f%%",
			ms.HeapAlloc, used*100, m.threshold*100)
	}
	return nil
}
