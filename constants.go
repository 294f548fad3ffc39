package leakmon

import (
	"time"

	"github.com/kaelmon/leakmon/internal/symbolize"
)

// Default timing and sizing constants. All bound retries, timeouts, and
// the single hard cap on stack depth. internal/config can override any
// of these from a config file; these are the values used when no
// override is present.
const (
	// MaxStackFrames is the hard cap on frames captured per stack trace.
	MaxStackFrames = symbolize.MaxFrames

	// IPCOpenRetryInterval is how long to sleep between retries when
	// opening a named rendezvous event that the other side hasn't created
	// yet.
	IPCOpenRetryInterval = 100 * time.Millisecond

	// InterruptLoopTimeout bounds the monitor's wait on the target's
	// interrupt event. On timeout the monitor flushes the ingest backend
	// and checks target liveness.
	InterruptLoopTimeout = 250 * time.Millisecond

	// ShutdownDrainTimeout bounds how long the monitor will wait, per
	// pending interrupt, while draining the target during shutdown.
	ShutdownDrainTimeout = 1 * time.Second

	// StopConfirmTimeout bounds how long the monitor waits for the
	// target's stop.confirm event before proceeding with shutdown anyway.
	StopConfirmTimeout = 10 * time.Second

	// MinFlushInterval is the minimum time between flushes of the ingest
	// backend's handoff buffer triggered by Push; forced flushes
	// (SignalTimeout, Join) ignore it.
	MinFlushInterval = 5 * time.Second
)
