// Package supervisor implements the Lifecycle Supervisor described in
// spec.md §4.E: it owns the STOPPED -> STARTING -> RUNNING -> STOPPING
// -> STOPPED state machine, wires the SSH transport to the SOCKS5 and
// HTTP front-ends, and drives the system-proxy hook.
package supervisor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	sserrors "github.com/JoursBleu/ssh-tunnel/internal/errors"
	"github.com/JoursBleu/ssh-tunnel/internal/httpproxy"
	"github.com/JoursBleu/ssh-tunnel/internal/metrics"
	"github.com/JoursBleu/ssh-tunnel/internal/model"
	"github.com/JoursBleu/ssh-tunnel/internal/notice"
	"github.com/JoursBleu/ssh-tunnel/internal/socks5"
	"github.com/JoursBleu/ssh-tunnel/internal/sshtransport"
	"github.com/JoursBleu/ssh-tunnel/internal/sysproxy"
)

// State is one of the supervisor states from spec.md §4.E.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Snapshot is the point-in-time view returned by Snapshot(), polled by
// a CLI or GUI front-end (spec.md §4.E).
type Snapshot struct {
	State     State
	Counters  metrics.Snapshot
	LastError error
	SocksAddr string
	HTTPAddr  string
}

// MaxRelaysPerFrontend is the per-front-end concurrent connection cap
// from spec.md §5.
const MaxRelaysPerFrontend = 256

// Supervisor drives one tunnel session end to end: connect transport,
// start front-ends, optionally set the system proxy, and tear
// everything down again on Stop.
type Supervisor struct {
	state    atomic.Int32
	mu       sync.Mutex
	lastErr  error
	cfg      model.SessionConfig
	counters metrics.Counters

	transport  *sshtransport.Transport
	socks      *socks5.Server
	http       *httpproxy.Server
	socksAddr  string
	httpAddr   string
	proxySetOK bool
}

// New creates a Supervisor in the STOPPED state.
func New() *Supervisor {
	return &Supervisor{}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) { s.state.Store(int32(st)) }

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Snapshot returns {State, Counters, LastError} for polling consumers,
// per spec.md §4.E.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	lastErr := s.lastErr
	socksAddr := s.socksAddr
	httpAddr := s.httpAddr
	s.mu.Unlock()
	return Snapshot{
		State:     s.State(),
		Counters:  s.counters.Snapshot(),
		LastError: lastErr,
		SocksAddr: socksAddr,
		HTTPAddr:  httpAddr,
	}
}

// Start transitions STOPPED -> STARTING -> RUNNING: it connects the
// SSH transport, binds the SOCKS5 and HTTP front-ends, and (if
// cfg.ManageSystemProxy) sets the system proxy to point at them.
// Start is not safe to call concurrently with itself or with Stop.
func (s *Supervisor) Start(cfg model.SessionConfig) error {
	if s.State() != Stopped {
		return sserrors.New("supervisor is not stopped")
	}
	if err := cfg.Validate(); err != nil {
		return sserrors.Trace(err)
	}

	s.cfg = cfg
	s.setState(Starting)
	s.setLastError(nil)

	transport, err := sshtransport.Connect(cfg)
	if err != nil {
		s.setLastError(err)
		s.setState(Stopped)
		return err
	}
	s.transport = transport

	s.socks = &socks5.Server{
		Opener:      transport,
		Counters:    &s.counters,
		IdleTimeout: 0,
		MaxRelays:   MaxRelaysPerFrontend,
	}
	socksAddr, err := s.socks.Listen(net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", cfg.SocksPort)))
	if err != nil {
		err = sserrors.TraceMsg(err, "binding SOCKS5 listener")
		s.setLastError(err)
		transport.Close()
		s.setState(Stopped)
		return err
	}
	s.socksAddr = socksAddr

	s.http = &httpproxy.Server{
		Opener:      transport,
		Counters:    &s.counters,
		IdleTimeout: 0,
		MaxRelays:   MaxRelaysPerFrontend,
	}
	httpAddr, err := s.http.Listen(net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", cfg.HTTPPort)))
	if err != nil {
		err = sserrors.TraceMsg(err, "binding HTTP listener")
		s.setLastError(err)
		s.socks.Close()
		transport.Close()
		s.setState(Stopped)
		return err
	}
	s.httpAddr = httpAddr

	if cfg.ManageSystemProxy {
		if err := sysproxy.Set(s.socksAddr, s.httpAddr); err != nil {
			// A system-proxy failure does not abort the session (spec.md
			// §4.F: "opaque" hook, best-effort) but is surfaced.
			notice.SystemProxyError(err)
		} else {
			s.proxySetOK = true
			notice.SystemProxySet(s.httpAddr, s.socksAddr)
		}
	}

	s.setState(Running)
	go s.watchTransport(transport)
	return nil
}

// watchTransport observes transport.Done() and, the moment it fires
// because the SSH session dropped on its own rather than via Stop,
// drives the supervisor RUNNING -> STOPPED itself: a transport
// mid-session drop is handled exactly like an auth failure (spec.md
// §4.E, §7) — the error is surfaced verbatim through LastError rather
// than left for the next Open() to misreport as a per-channel
// failure. Grounded on the teacher's controller, which reacts to its
// tunnel's connection-monitor goroutine the same way
// (psiphon/controller.go).
func (s *Supervisor) watchTransport(t *sshtransport.Transport) {
	<-t.Done()
	if !s.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		// Stop() already claimed this transition; its own shutdown
		// path (which also closes the transport) is handling it.
		return
	}

	if s.proxySetOK {
		if err := sysproxy.Clear(); err != nil {
			notice.SystemProxyError(err)
		} else {
			notice.SystemProxyCleared()
		}
		s.proxySetOK = false
	}
	if s.http != nil {
		s.http.Close()
		s.http.Drain(3 * time.Second)
	}
	if s.socks != nil {
		s.socks.Close()
		s.socks.Drain(3 * time.Second)
	}

	err := t.LastError()
	s.setLastError(err)
	notice.TransportClosed(err)
	s.setState(Stopped)
}

// Stop transitions RUNNING -> STOPPING -> STOPPED: it clears the
// system proxy (if set), closes both front-ends' listeners so no new
// connections are admitted, closes the SSH transport — which
// cascades a read/write failure into every outstanding channel — and
// finally waits up to gracePeriod for active_relays to drain before
// giving up on any stragglers (spec.md §4.E step 5).
func (s *Supervisor) Stop(gracePeriod time.Duration) {
	if !s.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return
	}

	if s.proxySetOK {
		if err := sysproxy.Clear(); err != nil {
			notice.SystemProxyError(err)
		} else {
			notice.SystemProxyCleared()
		}
		s.proxySetOK = false
	}

	if s.http != nil {
		s.http.Close()
	}
	if s.socks != nil {
		s.socks.Close()
	}
	if s.transport != nil {
		s.transport.Close()
	}

	if gracePeriod <= 0 {
		gracePeriod = 3 * time.Second
	}
	deadline := time.Now().Add(gracePeriod)
	if s.http != nil {
		if !s.http.Drain(time.Until(deadline)) {
			notice.Emit(notice.Debug, "RelayDrainTimeout", "frontend", "http")
		}
	}
	if s.socks != nil {
		if !s.socks.Drain(time.Until(deadline)) {
			notice.Emit(notice.Debug, "RelayDrainTimeout", "frontend", "socks5")
		}
	}

	notice.Exiting()
	s.setState(Stopped)
}
