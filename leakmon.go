// Package leakmon provides the main API for profiling a running Windows
// process's heap allocations for leaks. A Session wires together
// rendezvous bootstrap, the interrupt loop, and the queued backend
// writing a binary event log.
package leakmon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/kaelmon/leakmon/internal/eventlog"
	"github.com/kaelmon/leakmon/internal/ingest"
	"github.com/kaelmon/leakmon/internal/procmon"
	"github.com/kaelmon/leakmon/internal/symbolize"
	"github.com/kaelmon/leakmon/internal/wireformat"
)

// Options configures one profiling session.
type Options struct {
	// Target identifies the process: a decimal PID or an executable name
	// to resolve, with or without Inject.
	Target string
	Inject bool
	// DLLPath is the agent shared library to inject; required when Inject is set.
	DLLPath string

	LogDir string

	OpenRetryInterval time.Duration
	InterruptTimeout  time.Duration
	StopDrainTimeout  time.Duration
	ConfirmTimeout    time.Duration
	MinFlushInterval  time.Duration
}

// DefaultOptions returns an Options populated with the default
// timeouts (see constants.go).
func DefaultOptions(target string) Options {
	return Options{
		Target:            target,
		LogDir:            "Logs",
		OpenRetryInterval: IPCOpenRetryInterval,
		InterruptTimeout:  InterruptLoopTimeout,
		StopDrainTimeout:  ShutdownDrainTimeout,
		ConfirmTimeout:    StopConfirmTimeout,
		MinFlushInterval:  MinFlushInterval,
	}
}

// Session is one running profiling attachment: bootstrap, drive the
// interrupt loop in the background, then Stop to shut it down cleanly.
type Session struct {
	client *procmon.Client
	writer *eventlog.Writer
	cancel context.CancelFunc
	done   chan error
}

// StartSession resolves the target, bootstraps rendezvous, opens the
// event log, and starts the interrupt loop in the background.
//
// The log lands in a per-session directory under opts.LogDir:
// "<pid> - YYYY-MM-DD.HH-MM/leak.dat".
func StartSession(ctx context.Context, opts Options, injector procmon.Injector) (*Session, error) {
	pid, err := procmon.ResolvePID(opts.Target)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	arch := eventlog.CurrentArch()
	sessionDir := fmt.Sprintf("%d - %s", pid, now.Format("2006-01-02.15-04"))
	logPath := filepath.Join(opts.LogDir, sessionDir, "leak.dat")
	writer, err := eventlog.NewWriter(logPath, arch)
	if err != nil {
		return nil, err
	}
	if err := writer.WriteSession(pid, now.Unix()); err != nil {
		writer.Close()
		return nil, err
	}

	mode := procmon.Attach
	if opts.Inject {
		mode = procmon.Inject
	}
	cfg := procmon.Config{
		Mode:              mode,
		DLLPath:           opts.DLLPath,
		OpenRetryInterval: opts.OpenRetryInterval,
		InterruptTimeout:  opts.InterruptTimeout,
		StopDrainTimeout:  opts.StopDrainTimeout,
		ConfirmTimeout:    opts.ConfirmTimeout,
	}
	client := procmon.New(cfg, pid, injector)

	sessionCtx, cancel := context.WithCancel(ctx)

	if err := client.Bootstrap(sessionCtx); err != nil {
		cancel()
		writer.Close()
		return nil, err
	}

	backend := ingest.NewBackend(client.Process(), symbolize.New(), writer, client.Metrics(), opts.MinFlushInterval)
	client.AttachPipeline(symbolize.NewDbghelpWalker(symbolize.WordSizeMachineType(wordBits())), backend)

	s := &Session{
		client: client,
		writer: writer,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		s.done <- client.Run(sessionCtx)
	}()
	return s, nil
}

// Stop signals the session's monitor loop to shut down and blocks until
// it has drained and closed the event log.
func (s *Session) Stop() error {
	s.cancel()
	err := <-s.done
	if closeErr := s.writer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Metrics returns the session's live metrics snapshot.
func (s *Session) Metrics() MetricsSnapshot {
	return s.client.Metrics().Snapshot()
}

func wordBits() uint16 {
	if eventlog.CurrentArch() == wireformat.Arch64 {
		return 64
	}
	return 32
}
