// Package system reports the host resources pipeline containers draw on.
package system

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// HostResources describes the machine the scheduler runs on. Memory and disk
// figures are 0 when they cannot be determined.
type HostResources struct {
	Platform           string `json:"platform"`
	Architecture       string `json:"architecture"`
	CPUCores           int    `json:"cpu_cores"`
	TotalMemoryMB      int64  `json:"total_memory_mb"`
	AvailableMemoryMB  int64  `json:"available_memory_mb"`
	ScratchPath        string `json:"scratch_path"`
	ScratchTotalMB     int64  `json:"scratch_total_mb"`
	ScratchAvailableMB int64  `json:"scratch_available_mb"`
}

// GatherHostResources collects CPU, memory and the disk space left under
// scratchPath
func GatherHostResources(scratchPath string) *HostResources {
	res := &HostResources{
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		ScratchPath:  scratchPath,
	}
	res.TotalMemoryMB, res.AvailableMemoryMB = getMemoryInfo()
	res.ScratchTotalMB, res.ScratchAvailableMB = getDiskInfo(scratchPath)
	return res
}

// CheckScratch returns an error when less than minFreeMB is known to be free
// under the scratch path. Unknown disk space passes.
func (r *HostResources) CheckScratch(minFreeMB int64) error {
	if r.ScratchTotalMB == 0 || minFreeMB <= 0 {
		return nil
	}
	if r.ScratchAvailableMB < minFreeMB {
		return fmt.Errorf("only %d MB free under %s, at least %d MB required", r.ScratchAvailableMB, r.ScratchPath, minFreeMB)
	}
	return nil
}

// getMemoryInfo returns total and available memory in MB
func getMemoryInfo() (int64, int64) {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0, 0
		}
		return parseMeminfo(string(data))
	case "darwin":
		var total int64
		if out, err := exec.Command("sysctl", "-n", "hw.memsize").Output(); err == nil {
			if val, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); err == nil {
				total = val / (1024 * 1024)
			}
		}
		return total, 0
	}
	return 0, 0
}

// parseMeminfo reads MemTotal and MemAvailable (in kB) from /proc/meminfo
func parseMeminfo(data string) (int64, int64) {
	var total, available int64
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = val / 1024
		case "MemAvailable:":
			available = val / 1024
		}
	}
	return total, available
}

// getDiskInfo returns total and available disk space for path in MB
func getDiskInfo(path string) (int64, int64) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		return 0, 0
	}
	out, err := exec.Command("df", "-Pk", path).Output()
	if err != nil {
		return 0, 0
	}
	return parseDf(string(out))
}

// parseDf reads the size and available columns (in 1K blocks) of POSIX df output
func parseDf(out string) (int64, int64) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, 0
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, 0
	}
	total, err1 := strconv.ParseInt(fields[1], 10, 64)
	available, err2 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return total / 1024, available / 1024
}
