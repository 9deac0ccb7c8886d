package lens

import (
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Session owns the probe state for one traced process: the collector transport and the stop and
// exit handling. It is created when the probe is installed and torn down when the target exits.
type Session struct {
	host      Host
	cfg       ProbeConfig
	walkCfg   WalkConfig
	printer   *EventPrinter
	transport *Transport

	startOnce sync.Once
	exitOnce  sync.Once
	exited    atomic.Bool
	events    atomic.Int64
	lastEvent atomic.Pointer[TraceEvent]
}

// NewSession creates a session for host. Start must be invoked before events are handled.
func NewSession(host Host, cfg ProbeConfig) *Session {
	s := &Session{
		host:      host,
		cfg:       cfg,
		walkCfg:   cfg.WalkConfig(),
		transport: NewConnTransport(nil, 0),
	}
	if cfg.LocalEcho {
		s.printer = NewStdoutEventPrinter()
	}
	return s
}

// InstallProbe loads the probe configuration from the environment, starts a session and attaches
// it to the host notifications.
func InstallProbe(host Host, events EventSource) (*Session, error) {
	cfg, err := LoadProbeConfig()
	if err != nil {
		return nil, fmt.Errorf("probe config: %w", err)
	}
	s := NewSession(host, cfg)
	s.Start()
	s.Attach(events)
	return s, nil
}

// SetPrinter overrides the printer used for local echo.
func (s *Session) SetPrinter(p *EventPrinter) {
	s.printer = p
}

// Start connects to the collector, when one is configured, and announces the probe with an Init
// message. Later invocations do nothing.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.transport = DialTransport(s.cfg.TransportConfig())
		if err := s.transport.Send(NewInitMsg(s.cfg.InitCmd)); err != nil {
			log.Printf("%sUnable to send init: %v", ErrorLogPrefix, err)
		}
	})
}

// Attach registers the session handlers with the host notifications.
func (s *Session) Attach(events EventSource) {
	events.OnStop(s.HandleStop)
	events.OnExited(s.HandleExit)
}

// Transport returns the active collector transport.
func (s *Session) Transport() *Transport {
	return s.transport
}

// Events returns the number of trace events captured.
func (s *Session) Events() int64 {
	return s.events.Load()
}

// LastEvent returns the most recently captured event, or nil.
func (s *Session) LastEvent() *TraceEvent {
	return s.lastEvent.Load()
}

// Exited reports if the target exit has been handled.
func (s *Session) Exited() bool {
	return s.exited.Load()
}

// HandleStop captures and delivers one trace event while the other target threads are frozen.
// The freeze is always released and a continue is always scheduled, even when capture fails.
func (s *Session) HandleStop(ev StopEvent) {
	if s.exited.Load() {
		return
	}
	defer s.host.Post(s.host.Continue) // runs after the freeze release below

	if err := s.host.SetSchedulerLocking(true); err != nil {
		log.Printf("WARN: unable to freeze scheduler on thread %d: %v", ev.ThreadID, err)
	} else {
		defer func() {
			if err := s.host.SetSchedulerLocking(false); err != nil {
				log.Printf("%sUnable to release scheduler freeze: %v", ErrorLogPrefix, err)
			}
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%sTrace capture panic on thread %d: %v\n%s", ErrorLogPrefix, ev.ThreadID, r, debug.Stack())
		}
	}()

	if err := s.capture(); err != nil {
		log.Printf("%sTrace capture failed on thread %d: %v", ErrorLogPrefix, ev.ThreadID, err)
	}
}

func (s *Session) capture() error {
	walked, err := WalkStack(s.host, s.walkCfg)
	if err != nil {
		return err
	}
	ev := AssembleTraceEvent(walked.Channel, walked.LogMsg, walked.Frames)
	s.events.Add(1)
	s.lastEvent.Store(&ev)

	if s.transport.Connected() {
		return s.transport.Send(NewTraceEventMsg(ev))
	} else if s.printer != nil {
		return s.printer.PrintEvent(ev)
	}
	return nil
}

// HandleExit closes the transport and asks the host to quit. Only the first invocation acts.
func (s *Session) HandleExit(ev ExitEvent) {
	s.exitOnce.Do(func() {
		s.exited.Store(true)
		if s.transport.Close() && s.transport.Sent() > 0 {
			log.Printf("Target exited (code %d), delivered %d messages", ev.ExitCode, s.transport.Sent())
		}
		s.host.Post(s.host.Quit)
	})
}

// Close releases the transport without requesting the host to quit.
func (s *Session) Close() error {
	if !s.transport.Close() {
		return errors.New("session already closed")
	}
	return nil
}
