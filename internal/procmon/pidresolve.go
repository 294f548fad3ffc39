package procmon

import (
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

// ResolvePID resolves a target by decimal PID or by executable name
// (case-insensitive). If more than one running process matches name,
// the first match returned by the OS process enumeration is used.
func ResolvePID(pidOrName string) (uint32, error) {
	if pid, ok := parseUint32(pidOrName); ok {
		return pid, nil
	}

	procs, err := process.Processes()
	if err != nil {
		return 0, lmerr.WrapError("procmon.ResolvePID", err)
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue
		}
		if strings.EqualFold(name, pidOrName) {
			return uint32(p.Pid), nil
		}
	}
	return 0, lmerr.NewError("procmon.ResolvePID", lmerr.ErrCodeTargetNotFound, fmt.Sprintf("no running process named %q", pidOrName))
}

func parseUint32(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	if n > 0xFFFFFFFF {
		return 0, false
	}
	return uint32(n), true
}
