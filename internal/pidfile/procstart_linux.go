//go:build linux

package pidfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tklauser/go-sysconf"
)

// kernelStartToken returns starttime from /proc/<pid>/stat in milliseconds
// since boot. It does not depend on the boot clock, so the value never
// drifts between reads.
func kernelStartToken(pid int) (int64, bool) {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	// comm is parenthesised and may itself contain ") "
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return 0, false
	}
	fields := bytes.Fields(b[i+1:])
	// starttime is field 22 of the line, the 20th after comm
	if len(fields) < 20 {
		return 0, false
	}
	ticks, err := strconv.ParseInt(string(fields[19]), 10, 64)
	if err != nil || ticks <= 0 {
		return 0, false
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return ticks * 1000 / hz, true
}
