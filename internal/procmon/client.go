// Package procmon implements the monitor-side client: it bootstraps
// rendezvous with a target, drives the interrupt loop, and drains it on
// shutdown.
package procmon

import (
	"context"
	"time"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/agentcore"
	"github.com/kaelmon/leakmon/internal/ingest"
	"github.com/kaelmon/leakmon/internal/lmerr"
	"github.com/kaelmon/leakmon/internal/logging"
	"github.com/kaelmon/leakmon/internal/metrics"
	"github.com/kaelmon/leakmon/internal/rendezvous"
	"github.com/kaelmon/leakmon/internal/symbolize"
)

const agentModuleName = "leakmon-agent.dll"
const metadataSymbol = "Metadata"

// Injector performs the platform-specific library-injection trampoline
// for --inject targets. Injection mechanics live outside this module;
// this is the seam a real trampoline implementation plugs into.
type Injector interface {
	Inject(pid uint32, dllPath string) error
}

// BootstrapMode selects how the client attaches: Attach assumes the
// agent DLL is already loaded in the target (--pid); Inject performs
// library injection first (--inject).
type BootstrapMode int

const (
	Attach BootstrapMode = iota
	Inject
)

// Config configures one monitor session.
type Config struct {
	Mode              BootstrapMode
	DLLPath           string // only used when Mode == Inject
	OpenRetryInterval time.Duration
	InterruptTimeout  time.Duration
	StopDrainTimeout  time.Duration
	ConfirmTimeout    time.Duration // bounds both start.confirm and stop.confirm waits
}

// Client drives one target's full monitor lifecycle.
type Client struct {
	cfg     Config
	pid     uint32
	process windows.Handle

	bundle  *rendezvous.Bundle
	walker  symbolize.Walker
	backend *ingest.Backend
	metrics *metrics.Metrics

	memReader    MemReader
	moduleLister ModuleLister
	injector     Injector

	metadataAddr uintptr
	log          *logging.Logger
}

// New constructs a Client for pid, with the real Windows-backed
// MemReader/ModuleLister. Tests construct a Client directly with fakes
// instead of calling New.
func New(cfg Config, pid uint32, injector Injector) *Client {
	return &Client{
		cfg:          cfg,
		pid:          pid,
		injector:     injector,
		memReader:    remoteMemReader{},
		moduleLister: toolhelpModuleLister{},
		metrics:      metrics.New(),
		log:          logging.Default().With("component", "procmon", "pid", pid),
	}
}

// Bootstrap first injects the agent library (Inject mode only), then
// creates the monitor-side rendezvous events, opens the target's with
// retry, opens the target process, and finally signals start and waits
// for start.confirm. The monitor-side events do not exist yet while the
// injection runs.
func (c *Client) Bootstrap(ctx context.Context) error {
	const (
		processAccess = windows.PROCESS_QUERY_INFORMATION | windows.PROCESS_VM_READ | windows.PROCESS_TERMINATE
	)

	if c.cfg.Mode == Inject {
		if err := c.injector.Inject(c.pid, c.cfg.DLLPath); err != nil {
			return lmerr.WrapError("procmon.Bootstrap.Inject", err)
		}
	}

	bundle, err := rendezvous.BootstrapMonitor(ctx, c.pid, c.cfg.OpenRetryInterval)
	if err != nil {
		return err
	}
	c.bundle = bundle

	process, err := windows.OpenProcess(uint32(processAccess), false, c.pid)
	if err != nil {
		bundle.Close()
		return lmerr.NewErrorWithErrno("procmon.Bootstrap.OpenProcess", lmerr.ErrCodeRemoteReadFailed, err)
	}
	c.process = process

	ok, err := c.signalAndConfirm(c.bundle.Start, c.bundle.StartConfirm)
	if err != nil {
		return err
	}
	if !ok {
		return lmerr.NewError("procmon.Bootstrap", lmerr.ErrCodeTimeout, "start.confirm not observed")
	}

	c.log.Info("bootstrap complete, profiling live")
	return nil
}

// confirmGrace is the short window a control confirm gets before the
// control event is re-signaled once — the target's control thread may
// not have been parked on its event yet when the first signal fired.
const confirmGrace = 500 * time.Millisecond

// signalAndConfirm signals a control event and waits for its confirm,
// re-signaling once after confirmGrace before falling back to the full
// ConfirmTimeout.
func (c *Client) signalAndConfirm(control, confirm rendezvous.Waiter) (bool, error) {
	if err := control.Signal(); err != nil {
		return false, err
	}
	ok, err := confirm.Wait(confirmGrace)
	if err != nil || ok {
		return ok, err
	}

	if err := control.Signal(); err != nil {
		return false, err
	}
	return confirm.Wait(c.cfg.ConfirmTimeout)
}

// resolveMetadataAddr is called lazily on the first interrupt: find the
// agent module's base in the target, then walk its export table for the
// Metadata symbol.
func (c *Client) resolveMetadataAddr() error {
	if c.metadataAddr != 0 {
		return nil
	}
	base, err := FindModuleBase(c.moduleLister, c.process, c.pid, agentModuleName)
	if err != nil {
		return err
	}
	addr, err := ResolveExport(c.memReader, c.process, base, metadataSymbol)
	if err != nil {
		return err
	}
	c.metadataAddr = addr
	return nil
}

// Run drives the 250ms-timeout interrupt loop until ctx is canceled or
// the target exits, then performs shutdown.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		default:
		}

		signaled, err := c.bundle.Interrupt.Wait(c.cfg.InterruptTimeout)
		if err != nil {
			c.log.Errorf("interrupt wait failed: %v", err)
			continue
		}
		if !signaled {
			c.backend.SignalTimeout()
			alive, err := IsAlive(c.process)
			if err != nil || !alive {
				c.log.Info("target no longer alive, shutting down")
				return c.shutdown()
			}
			continue
		}

		// Ack latency: interrupt receipt to interrupt.continue signal —
		// the stretch a target thread spends parked on our account.
		ackStart := time.Now()
		c.dispatchInterrupt()
		c.metrics.RecordAckLatency(uint64(time.Since(ackStart)))
		if err := c.bundle.InterruptContinue.Signal(); err != nil {
			c.log.Errorf("interrupt.continue signal failed: %v", err)
		}
	}
}

func (c *Client) dispatchInterrupt() {
	if err := c.resolveMetadataAddr(); err != nil {
		c.log.Errorf("resolve metadata address failed: %v", err)
		c.metrics.RecordDrop()
		return
	}

	md, err := ReadMetadata(c.memReader, c.process, c.metadataAddr)
	if err != nil {
		c.log.Errorf("read metadata failed: %v", err)
		c.metrics.RecordDrop()
		return
	}

	now := time.Now().Unix()
	if md.Kind == agentcore.EventAlloc {
		frames, err := c.walker.Walk(c.process, symbolize.CapturedContext{PC: md.PC, FramePtr: md.FramePtr, StackPtr: md.StackPtr}, symbolize.MaxFrames)
		if err != nil {
			c.log.Errorf("stack walk failed: %v", err)
			c.metrics.RecordDrop()
			return
		}
		c.backend.Push(ingest.QueuedEvent{Alloc: &ingest.AllocationEvent{
			Pointer:            md.Pointer,
			Size:               md.Size,
			TimestampEpochSecs: now,
			Frames:             frames,
		}})
		return
	}

	c.backend.Push(ingest.QueuedEvent{Dealloc: &ingest.DeallocationEvent{
		Pointer:            md.Pointer,
		TimestampEpochSecs: now,
	}})
}

// shutdown signals stop, drains pending interrupts (acknowledging each
// so no target thread is left parked), waits for stop.confirm up to its
// cap, then joins the backend.
func (c *Client) shutdown() error {
	c.log.Info("shutting down")
	if err := c.bundle.Stop.Signal(); err != nil {
		c.log.Errorf("stop signal failed: %v", err)
	}

	for {
		signaled, err := c.bundle.Interrupt.Wait(c.cfg.StopDrainTimeout)
		if err != nil || !signaled {
			break
		}
		ackStart := time.Now()
		c.dispatchInterrupt()
		c.metrics.RecordAckLatency(uint64(time.Since(ackStart)))
		c.bundle.InterruptContinue.Signal()
	}

	ok, err := c.bundle.StopConfirm.Wait(confirmGrace)
	if err == nil && !ok {
		// The stop control thread may not have been parked yet when the
		// first signal fired; nudge it once before the full-length wait.
		c.bundle.Stop.Signal()
		ok, err = c.bundle.StopConfirm.Wait(c.cfg.ConfirmTimeout)
	}
	if err != nil {
		c.log.Errorf("stop.confirm wait failed: %v", err)
	} else if !ok {
		c.log.Warn("stop.confirm not observed within cap, proceeding anyway")
	}

	c.backend.Join()
	c.bundle.Close()
	if c.process != 0 {
		windows.CloseHandle(c.process)
	}
	c.metrics.Stop()
	return nil
}

// Metrics returns the session's live metrics.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Process returns the target's process handle, valid after Bootstrap.
func (c *Client) Process() windows.Handle {
	return c.process
}

// AttachPipeline wires the stack walker and the queued backend that
// Run's interrupt dispatch feeds. Must be called before Run.
func (c *Client) AttachPipeline(walker symbolize.Walker, backend *ingest.Backend) {
	c.walker = walker
	c.backend = backend
}
