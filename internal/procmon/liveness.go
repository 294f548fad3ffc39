package procmon

import (
	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

const stillActive = 259 // STILL_ACTIVE, the sentinel GetExitCodeProcess returns for a live process.

// IsAlive checks whether process is still running. The interrupt loop
// probes this on every wait timeout so a dead target triggers shutdown
// within one tick.
func IsAlive(process windows.Handle) (bool, error) {
	var code uint32
	if err := windows.GetExitCodeProcess(process, &code); err != nil {
		return false, lmerr.NewErrorWithErrno("procmon.IsAlive", lmerr.ErrCodeRemoteReadFailed, err)
	}
	return code == stillActive, nil
}
