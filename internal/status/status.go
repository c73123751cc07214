// Package status samples the local host for the client's CHECK STATUS
// command. The worker does not use it.
package status

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one host sample.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskFreeMB  uint64
	DiskPath    string
	SampledAt   time.Time
	CPUSampleOK bool
}

// Sample collects cpu, memory and free-disk figures. path selects the mount
// whose free space matters (the watched local/save folder). Failures degrade
// to zero values rather than erroring out; status is informational.
func Sample(path string) Snapshot {
	s := Snapshot{DiskPath: path, SampledAt: time.Now()}
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		s.CPUPercent = percents[0]
		s.CPUSampleOK = true
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(path); err == nil {
		s.DiskFreeMB = du.Free / (1024 * 1024)
	}
	return s
}

// String renders the snapshot for the interactive terminal.
func (s Snapshot) String() string {
	return fmt.Sprintf("cpu %.1f%% | mem %.1f%% | disk free %d MB (%s)",
		s.CPUPercent, s.MemPercent, s.DiskFreeMB, s.DiskPath)
}
