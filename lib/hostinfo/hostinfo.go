// Package hostinfo reports this host's schedulable capacity for node
// heartbeats.
package hostinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Capacity is what one node offers the scheduler.
type Capacity struct {
	VCPUs  int `json:"cap_vcpus"`
	MemMiB int `json:"cap_mem_mib"`
}

// Detect reads host capacity from /proc. CPU detection degrades to
// runtime.NumCPU when /proc/cpuinfo cannot be parsed.
func Detect() (Capacity, error) {
	var capacity Capacity

	if f, err := os.Open("/proc/cpuinfo"); err == nil {
		capacity.VCPUs, err = parseCPUInfo(f)
		f.Close()
		if err != nil {
			capacity.VCPUs = runtime.NumCPU()
		}
	} else {
		capacity.VCPUs = runtime.NumCPU()
	}

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return capacity, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()
	capacity.MemMiB, err = parseMemInfo(f)
	if err != nil {
		return capacity, err
	}
	return capacity, nil
}

// parseCPUInfo counts vCPUs as threads-per-socket times sockets, falling
// back to counting processor entries.
func parseCPUInfo(r io.Reader) (int, error) {
	var (
		siblings    int
		hasSiblings bool
		physicalIDs = make(map[int]bool)
		processors  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "processor") {
			processors++
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "siblings":
			if !hasSiblings {
				siblings, _ = strconv.Atoi(value)
				hasSiblings = true
			}
		case "physical id":
			id, _ := strconv.Atoi(value)
			physicalIDs[id] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	if hasSiblings && len(physicalIDs) > 0 {
		return siblings * len(physicalIDs), nil
	}
	if processors > 0 {
		return processors, nil
	}
	return 0, fmt.Errorf("no processor entries found")
}

// parseMemInfo returns MemTotal in MiB.
func parseMemInfo(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", err)
		}
		return int(kb / 1024), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("MemTotal not found")
}
