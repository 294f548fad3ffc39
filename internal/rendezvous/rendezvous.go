// Package rendezvous implements the six named, auto-reset,
// cross-process Win32 event objects the monitor and the target use for
// per-event synchronization and backpressure.
package rendezvous

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/windows"

	"github.com/kaelmon/leakmon/internal/lmerr"
)

// Key names one of the six rendezvous events.
type Key string

const (
	KeyInterrupt         Key = "interrupt"
	KeyInterruptContinue Key = "interrupt.continue"
	KeyStart             Key = "start"
	KeyStartConfirm      Key = "start.confirm"
	KeyStop              Key = "stop"
	KeyStopConfirm       Key = "stop.confirm"
)

// Name renders the event's Win32 object name, keyed by the target's
// decimal PID.
func Name(pid uint32, key Key) string {
	return fmt.Sprintf(`Global\vl.leak.%d.%s`, pid, key)
}

// Waiter is the signal/wait capability one event provides. *Event
// satisfies it; tests substitute in-memory fakes.
type Waiter interface {
	Signal() error
	Wait(timeout time.Duration) (bool, error)
}

// Event wraps one named, auto-reset, initially-unsignaled cross-process
// event object.
type Event struct {
	handle windows.Handle
	name   string
}

// Create makes a new named event. A create failure is fatal — callers
// should not retry.
func Create(pid uint32, key Key) (*Event, error) {
	name := Name(pid, key)
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, lmerr.WrapError("rendezvous.Create", err)
	}
	h, err := windows.CreateEvent(nil, 0 /* auto-reset */, 0 /* unsignaled */, namePtr)
	if err != nil {
		return nil, lmerr.NewErrorWithErrno("rendezvous.Create:"+string(key), lmerr.ErrCodeIPCCreateFailed, err)
	}
	return &Event{handle: h, name: name}, nil
}

// Open opens an event the other side is expected to create, retrying on
// retryInterval until it succeeds or ctx is done.
func Open(ctx context.Context, pid uint32, key Key, retryInterval time.Duration) (*Event, error) {
	name := Name(pid, key)
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, lmerr.WrapError("rendezvous.Open", err)
	}

	for {
		h, err := windows.OpenEvent(windows.EVENT_ALL_ACCESS, false, namePtr)
		if err == nil {
			return &Event{handle: h, name: name}, nil
		}

		select {
		case <-ctx.Done():
			return nil, lmerr.WrapError("rendezvous.Open:"+string(key), ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Signal sets the event, waking exactly one waiter (auto-reset).
func (e *Event) Signal() error {
	if err := windows.SetEvent(e.handle); err != nil {
		return lmerr.NewErrorWithErrno("rendezvous.Event.Signal:"+e.name, lmerr.ErrCodeIPCCreateFailed, err)
	}
	return nil
}

// Wait blocks until the event is signaled or timeout elapses. A
// negative timeout waits indefinitely. The bool return is false on
// timeout, true once signaled.
func (e *Event) Wait(timeout time.Duration) (bool, error) {
	ms := uint32(windows.INFINITE)
	if timeout >= 0 {
		ms = uint32(timeout / time.Millisecond)
	}
	ret, err := windows.WaitForSingleObject(e.handle, ms)
	switch ret {
	case windows.WAIT_OBJECT_0:
		return true, nil
	case uint32(windows.WAIT_TIMEOUT):
		return false, nil
	default:
		return false, lmerr.NewErrorWithErrno("rendezvous.Event.Wait:"+e.name, lmerr.ErrCodeTimeout, err)
	}
}

// Close releases the event handle.
func (e *Event) Close() error {
	return windows.CloseHandle(e.handle)
}

// Bundle holds all six rendezvous events from one side's perspective.
type Bundle struct {
	Interrupt         *Event
	InterruptContinue *Event
	Start             *Event
	StartConfirm      *Event
	Stop              *Event
	StopConfirm       *Event
}

// BootstrapMonitor creates the monitor's three events (interrupt.continue,
// start, stop) and opens the target's three (interrupt, start.confirm,
// stop.confirm) with retry.
func BootstrapMonitor(ctx context.Context, pid uint32, retryInterval time.Duration) (*Bundle, error) {
	interruptContinue, err := Create(pid, KeyInterruptContinue)
	if err != nil {
		return nil, err
	}
	start, err := Create(pid, KeyStart)
	if err != nil {
		interruptContinue.Close()
		return nil, err
	}
	stop, err := Create(pid, KeyStop)
	if err != nil {
		interruptContinue.Close()
		start.Close()
		return nil, err
	}

	interrupt, err := Open(ctx, pid, KeyInterrupt, retryInterval)
	if err != nil {
		interruptContinue.Close()
		start.Close()
		stop.Close()
		return nil, err
	}
	startConfirm, err := Open(ctx, pid, KeyStartConfirm, retryInterval)
	if err != nil {
		interruptContinue.Close()
		start.Close()
		stop.Close()
		interrupt.Close()
		return nil, err
	}
	stopConfirm, err := Open(ctx, pid, KeyStopConfirm, retryInterval)
	if err != nil {
		interruptContinue.Close()
		start.Close()
		stop.Close()
		interrupt.Close()
		startConfirm.Close()
		return nil, err
	}

	return &Bundle{
		Interrupt:         interrupt,
		InterruptContinue: interruptContinue,
		Start:             start,
		StartConfirm:      startConfirm,
		Stop:              stop,
		StopConfirm:       stopConfirm,
	}, nil
}

// BootstrapTarget creates the target's three events (interrupt,
// start.confirm, stop.confirm) and opens the monitor's three
// (interrupt.continue, start, stop) with retry.
func BootstrapTarget(ctx context.Context, pid uint32, retryInterval time.Duration) (*Bundle, error) {
	interrupt, err := Create(pid, KeyInterrupt)
	if err != nil {
		return nil, err
	}
	startConfirm, err := Create(pid, KeyStartConfirm)
	if err != nil {
		interrupt.Close()
		return nil, err
	}
	stopConfirm, err := Create(pid, KeyStopConfirm)
	if err != nil {
		interrupt.Close()
		startConfirm.Close()
		return nil, err
	}

	interruptContinue, err := Open(ctx, pid, KeyInterruptContinue, retryInterval)
	if err != nil {
		interrupt.Close()
		startConfirm.Close()
		stopConfirm.Close()
		return nil, err
	}
	start, err := Open(ctx, pid, KeyStart, retryInterval)
	if err != nil {
		interrupt.Close()
		startConfirm.Close()
		stopConfirm.Close()
		interruptContinue.Close()
		return nil, err
	}
	stop, err := Open(ctx, pid, KeyStop, retryInterval)
	if err != nil {
		interrupt.Close()
		startConfirm.Close()
		stopConfirm.Close()
		interruptContinue.Close()
		start.Close()
		return nil, err
	}

	return &Bundle{
		Interrupt:         interrupt,
		InterruptContinue: interruptContinue,
		Start:             start,
		StartConfirm:      startConfirm,
		Stop:              stop,
		StopConfirm:       stopConfirm,
	}, nil
}

// Close releases all six event handles.
func (b *Bundle) Close() error {
	for _, e := range []*Event{b.Interrupt, b.InterruptContinue, b.Start, b.StartConfirm, b.Stop, b.StopConfirm} {
		if e != nil {
			e.Close()
		}
	}
	return nil
}
