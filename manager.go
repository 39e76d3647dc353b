// Package sshreverse maintains reverse SSH tunnels. A manager connects out
// to an SSH server, binds a listening port on it and relays every
// connection arriving there back to a TCP destination reachable from this
// side. Sessions stack, so several tunnels through different servers can
// be held open by one manager at a time.
package sshreverse

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultDialTimeout    = 5 * time.Second
	defaultPollInterval   = time.Second
	defaultReadyWait      = 3 * time.Second
)

// Config carries everything a Manager needs. Server, Destination and Ports
// are required; the zero value of every other field picks a sensible
// default.
type Config struct {
	// Server is the SSH server to tunnel through, "host[:port]",
	// port 22 when omitted.
	Server string

	// Destination is where accepted connections are delivered,
	// "host[:port]".
	Destination string

	// Ports are the remote port candidates to bind.
	Ports PortRange

	// BindAddr is the address the remote listener binds. Empty means all
	// interfaces on the server.
	BindAddr string

	Credentials Credentials

	// Connector opens transports. Defaults to the SSH connector.
	Connector Connector

	// Recorder, when set, publishes a status marker per live session.
	Recorder StatusRecorder

	Logger log.FieldLogger
	Clock  clock.Clock

	// ConnectTimeout bounds the SSH dial and handshake.
	ConnectTimeout time.Duration

	// DialTimeout bounds TCP dials towards the destination, both the
	// pre-flight check and every relay.
	DialTimeout time.Duration

	// PollInterval is how long each accept wait lasts before the loop
	// rechecks the stop flag and the health of the connection.
	PollInterval time.Duration

	// ReadyWait bounds how long a detached Create waits for the accept
	// loop to come up before returning anyway.
	ReadyWait time.Duration

	// OnPeerShutdown is invoked after a session torn down by the remote
	// side has been cleaned up.
	OnPeerShutdown func(SessionInfo)
}

// Manager owns a stack of tunnel sessions. The most recently created
// session is the current one; accessors and Remove operate on it.
type Manager struct {
	cfg       Config
	connector Connector
	recorder  StatusRecorder
	logger    log.FieldLogger
	clk       clock.Clock
	dial      dialFunc

	mu       sync.Mutex
	sessions []*Session
}

// New validates cfg and returns a manager with no sessions.
func New(cfg Config) (*Manager, error) {
	if cfg.Server == "" {
		return nil, errors.New("missing server endpoint")
	}
	if cfg.Destination == "" {
		return nil, errors.New("missing destination endpoint")
	}
	if err := cfg.Ports.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = defaultReadyWait
	}
	if cfg.Connector == nil {
		cfg.Connector = NewSSHConnector(SSHOptions{Logger: cfg.Logger, Clock: cfg.Clock})
	}
	return &Manager{
		cfg:       cfg,
		connector: cfg.Connector,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		clk:       cfg.Clock,
		dial:      tcpDial,
	}, nil
}

// Create establishes one new tunnel session and pushes it on the stack.
//
// The steps run strictly in order: connect and authenticate, verify the
// destination accepts TCP connections, then negotiate the remote port. A
// failure anywhere closes whatever was opened and leaves the stack exactly
// as it was.
//
// With detached false, Create blocks until the session's accept loop
// terminates, whether by Remove or by the server withdrawing the tunnel.
// With detached true it returns as soon as the loop is accepting, bounded
// by ReadyWait.
func (m *Manager) Create(ctx context.Context, detached bool) error {
	server, err := ParseEndpoint(m.cfg.Server, DefaultSSHPort)
	if err != nil {
		return errors.Annotate(err, "parsing server endpoint")
	}
	dest, err := ParseEndpoint(m.cfg.Destination, DefaultSSHPort)
	if err != nil {
		return errors.Annotate(err, "parsing destination endpoint")
	}

	m.logger.Printf("connecting to ssh host %s ...", server)
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	transport, err := m.connector.Connect(cctx, server, m.cfg.Credentials)
	cancel()
	if err != nil {
		return errors.Annotatef(err, "connecting to %s", server)
	}

	// The destination is checked before any remote state exists, so a
	// dead target never occupies a port on the server.
	if err := m.checkDestination(dest); err != nil {
		transport.Close()
		return err
	}

	port, err := bindRemotePort(transport, m.cfg.BindAddr, m.cfg.Ports, m.logger)
	if err != nil {
		transport.Close()
		return err
	}
	m.logger.Printf("now forwarding remote port %d to %s", port, dest)

	sess := newSession(transport, SessionInfo{
		Server:      server,
		Destination: dest,
		Ports:       m.cfg.Ports,
		BoundPort:   port,
		CreatedAt:   m.clk.Now(),
	})
	if m.recorder != nil {
		// Status markers are best effort and never fail a create.
		if path, err := m.recorder.Record(sess); err != nil {
			m.logger.Printf("recording tunnel status: %s", err)
		} else {
			sess.info.StatusPath = path
		}
	}

	m.push(sess)
	acc := &acceptor{
		session:        sess,
		manager:        m,
		pollInterval:   m.cfg.PollInterval,
		dial:           m.dial,
		dialTimeout:    m.cfg.DialTimeout,
		onPeerShutdown: m.cfg.OnPeerShutdown,
		logger:         m.logger,
		ready:          make(chan struct{}),
	}
	go acc.run()

	if detached {
		select {
		case <-acc.ready:
		case <-m.clk.After(m.cfg.ReadyWait):
		}
		return nil
	}
	sess.Wait()
	return nil
}

// Remove tears down the current session: raises its stop flag, withdraws
// the remote listener and closes the transport, which also ends all of the
// session's relays. A manager with no sessions ignores the call.
func (m *Manager) Remove() {
	m.mu.Lock()
	if len(m.sessions) == 0 {
		m.mu.Unlock()
		return
	}
	s := m.sessions[len(m.sessions)-1]
	m.sessions = m.sessions[:len(m.sessions)-1]
	m.mu.Unlock()
	m.teardown(s)
}

// RemoveAll tears down every session, most recent first.
func (m *Manager) RemoveAll() {
	for {
		m.mu.Lock()
		if len(m.sessions) == 0 {
			m.mu.Unlock()
			return
		}
		s := m.sessions[len(m.sessions)-1]
		m.sessions = m.sessions[:len(m.sessions)-1]
		m.mu.Unlock()
		m.teardown(s)
	}
}

// removeSession drops one specific session wherever it sits in the stack.
// Used by the accept loop when the server side goes away, which is not
// necessarily the current session. Reports false when the session was
// already gone, so concurrent teardowns stay single-shot.
func (m *Manager) removeSession(target *Session) bool {
	m.mu.Lock()
	idx := -1
	for i, s := range m.sessions {
		if s == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return false
	}
	m.sessions = append(m.sessions[:idx], m.sessions[idx+1:]...)
	m.mu.Unlock()
	m.teardown(target)
	return true
}

// teardown releases everything a session holds. Called exactly once per
// session, by whichever remover actually took it off the stack. The stop
// flag goes up first so the accept loop and the relays see it before their
// reads start failing.
func (m *Manager) teardown(s *Session) {
	s.markStopped()
	if m.recorder != nil {
		if err := m.recorder.Clear(s); err != nil {
			m.logger.Debugf("clearing tunnel status: %s", err)
		}
	}
	if err := s.transport.CancelBind(m.cfg.BindAddr, s.info.BoundPort); err != nil {
		m.logger.Debugf("cancelling remote bind on port %d: %s", s.info.BoundPort, err)
	}
	if err := s.transport.Close(); err != nil {
		m.logger.Debugf("closing transport: %s", err)
	}
	metricSessionsActive.Dec()
	m.logger.Printf("tunnel session on remote port %d removed", s.info.BoundPort)
}

func (m *Manager) push(s *Session) {
	m.mu.Lock()
	m.sessions = append(m.sessions, s)
	m.mu.Unlock()
	metricSessionsActive.Inc()
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) == 0 {
		return nil
	}
	return m.sessions[len(m.sessions)-1]
}

// BoundPort reports the remote port of the current session.
func (m *Manager) BoundPort() (int, bool) {
	s := m.current()
	if s == nil {
		return 0, false
	}
	return s.info.BoundPort, true
}

// Info reports the metadata of the current session.
func (m *Manager) Info() (SessionInfo, bool) {
	s := m.current()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info, true
}

// SessionCount is the number of sessions currently on the stack.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// checkDestination makes sure the forwarding target accepts TCP before any
// remote port is occupied for it.
func (m *Manager) checkDestination(dest Endpoint) error {
	m.logger.Debugf("checking destination %s is reachable", dest)
	conn, err := m.dial(dest.String(), m.cfg.DialTimeout)
	if err != nil {
		return errors.Annotatef(ErrDestinationUnreachable, "%s: %v", dest, err)
	}
	conn.Close()
	return nil
}
