//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// getProcStartUnix returns the OS start time of pid in Unix seconds, or 0 when
// it cannot be determined. Together with the pid it identifies one run of a
// process and guards stale-pid recovery against pid reuse.
func getProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		ticks, ok := procStartTicks(pid)
		if !ok {
			return 0
		}
		bt := bootTime()
		if bt == 0 {
			return 0
		}
		return bt + ticks/clockTicks()
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// procStartTicks reads field 22 (starttime) of /proc/<pid>/stat.
func procStartTicks(pid int) (int64, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	// comm (field 2) may contain spaces; everything after the last ") " is fixed-format.
	stat := string(b)
	i := strings.LastIndex(stat, ") ")
	if i < 0 {
		return 0, false
	}
	fields := strings.Fields(stat[i+2:])
	const startTimeIdx = 22 - 3
	if len(fields) <= startTimeIdx {
		return 0, false
	}
	v, err := strconv.ParseInt(fields[startTimeIdx], 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

var (
	bootOnce sync.Once
	bootUnix int64
)

// bootTime returns btime from /proc/stat, cached for the life of the process.
func bootTime() int64 {
	bootOnce.Do(func() {
		f, err := os.Open("/proc/stat")
		if err != nil {
			return
		}
		defer func() { _ = f.Close() }()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			v, ok := strings.CutPrefix(sc.Text(), "btime ")
			if !ok {
				continue
			}
			if bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				bootUnix = bt
			}
			return
		}
	})
	return bootUnix
}

func clockTicks() int64 {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		return 100
	}
	return clk
}
