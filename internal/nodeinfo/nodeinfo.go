// Package nodeinfo reports host memory and CPU capacity for placement
// decisions made elsewhere.
package nodeinfo

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Info is host capacity, memory figures in MiB.
type Info struct {
	MemoryTotal int `json:"memory_total"`
	MemoryFree  int `json:"memory_free"`
	MemoryDom0  int `json:"memory_dom0"`
	CPUTotal    int `json:"cpu_total"`
}

var processorRe = regexp.MustCompile(`(?m)^processor\s*:\s*[0-9]+\s*$`)

// Probe reads host state from a procfs mount.
type Probe struct {
	ProcRoot string
}

// NewProbe returns a Probe over procRoot ("/proc" on a real host).
func NewProbe(procRoot string) *Probe {
	return &Probe{ProcRoot: procRoot}
}

// Read returns current host capacity. Failing to read either file is an
// error; lines that do not parse are skipped.
func (p *Probe) Read() (*Info, error) {
	meminfo, err := os.ReadFile(filepath.Join(p.ProcRoot, "meminfo"))
	if err != nil {
		return nil, fmt.Errorf("read meminfo: %w", err)
	}
	info := parseMeminfo(meminfo)

	cpuinfo, err := os.ReadFile(filepath.Join(p.ProcRoot, "cpuinfo"))
	if err != nil {
		return nil, fmt.Errorf("read cpuinfo: %w", err)
	}
	info.CPUTotal = len(processorRe.FindAll(cpuinfo, -1))

	return info, nil
}

// parseMeminfo folds /proc/meminfo lines ("Key:  value kB") into Info.
// Free memory counts MemFree, Buffers and Cached together.
func parseMeminfo(data []byte) *Info {
	info := &Info{}
	sumFree := 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		key, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		mib := kb / 1024

		switch strings.TrimSpace(key) {
		case "MemTotal":
			info.MemoryTotal = mib
		case "MemFree", "Buffers", "Cached":
			sumFree += mib
		case "Active":
			info.MemoryDom0 = mib
		}
	}
	info.MemoryFree = sumFree
	return info
}
