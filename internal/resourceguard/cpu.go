package resourceguard

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// containerCPU reads cumulative CPU usage straight from the cgroup
// filesystem so percentages are relative to the container's quota, not
// the host's full core count. Ported from ws/internal/single/platform's
// cgroup_cpu.go, trimmed of the throttle-stats metrics plumbing (gridcore
// exposes those through internal/telemetry instead of inline here).
type containerCPU struct {
	mu             sync.Mutex
	lastUsec       uint64
	lastSampleTime time.Time
	cgroupPath     string
	cgroupVersion  int
	cpusAllocated  float64
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}
	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}
	cc := &containerCPU{cgroupPath: path, cgroupVersion: version, lastSampleTime: time.Now()}
	if quota > 0 && period > 0 {
		cc.cpusAllocated = float64(quota) / float64(period)
	} else {
		cc.cpusAllocated = float64(runtime.NumCPU())
	}
	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	cc.lastUsec = usage
	return cc, nil
}

func (cc *containerCPU) percent() (float64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, fmt.Errorf("resourceguard: sample interval too small")
	}

	usage, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, err
	}
	delta := usage - cc.lastUsec
	cc.lastUsec = usage
	cc.lastSampleTime = now

	raw := (float64(delta) / float64(elapsedUsec)) * 100.0
	return raw / cc.cpusAllocated, nil
}

func (cc *containerCPU) allocation() float64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.cpusAllocated
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("resourceguard: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("resourceguard: unexpected cpu.max format %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("resourceguard: usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

// cpuMonitor wraps containerCPU with a host-CPU fallback (gopsutil) for
// environments without a readable cgroup, e.g. local development.
type cpuMonitor struct {
	mode      string
	container *containerCPU
}

func newCPUMonitor() *cpuMonitor {
	if cc, err := newContainerCPU(); err == nil {
		return &cpuMonitor{mode: "container", container: cc}
	}
	return &cpuMonitor{mode: "host"}
}

func (m *cpuMonitor) percent() (float64, error) {
	if m.mode == "container" {
		return m.container.percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("resourceguard: no host CPU sample")
	}
	return pcts[0], nil
}

func (m *cpuMonitor) allocation() float64 {
	if m.mode == "container" {
		return m.container.allocation()
	}
	return float64(runtime.NumCPU())
}
