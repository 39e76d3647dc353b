package sshreverse

import "sync"

// Session is one established reverse tunnel: an authenticated transport,
// the remote port bound through it, and the acceptor loop feeding relays.
// Sessions are created and removed through a Manager.
type Session struct {
	transport Transport
	info      SessionInfo

	stopOnce sync.Once
	done     chan struct{}

	// closed when the acceptor loop exits, successfully or not
	finished chan struct{}
}

func newSession(t Transport, info SessionInfo) *Session {
	return &Session{
		transport: t,
		info:      info,
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// Info returns a copy of the session metadata.
func (s *Session) Info() SessionInfo {
	return s.info
}

// BoundPort is the remote port the peer listens on for this session.
func (s *Session) BoundPort() int {
	return s.info.BoundPort
}

// Runner exposes the transport's remote command execution when it has one.
func (s *Session) Runner() (CommandRunner, bool) {
	r, ok := s.transport.(CommandRunner)
	return r, ok
}

// markStopped raises the stop flag. The flag only ever goes one way.
func (s *Session) markStopped() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

// Stopped reports whether the session has been told to shut down.
func (s *Session) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the stop flag is raised. Relays watch it so session
// teardown reaches every in-flight connection.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the acceptor loop for this session has exited.
func (s *Session) Wait() {
	<-s.finished
}
