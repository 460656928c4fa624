package pidfile

import "github.com/shirou/gopsutil/v4/process"

// startToken identifies one incarnation of pid: a process that later reuses
// the pid yields a different token. Zero means the OS would not say.
func startToken(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if tok, ok := kernelStartToken(pid); ok {
		return tok
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms
}
