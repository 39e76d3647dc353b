package sshreverse

import (
	"context"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// acceptor owns the accept loop of one session. It polls the transport
// with a bounded wait so it can notice the stop flag and the death of the
// connection, hands every inbound channel to a relay, and cleans the
// session up when the remote side tears the tunnel down.
type acceptor struct {
	session        *Session
	manager        *Manager
	pollInterval   time.Duration
	dial           dialFunc
	dialTimeout    time.Duration
	onPeerShutdown func(SessionInfo)
	logger         log.FieldLogger

	// closed right before the first Accept, the signal Create waits on
	// in detached mode
	ready chan struct{}
}

func (a *acceptor) run() {
	defer close(a.session.finished)
	s := a.session
	t := s.transport

	close(a.ready)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), a.pollInterval)
		ch, err := t.Accept(ctx)
		cancel()

		// Local teardown wins over whatever Accept returned.
		if s.Stopped() {
			if ch != nil {
				ch.Close()
			}
			return
		}

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				if t.Alive() {
					continue
				}
				a.peerShutdown()
				return
			}
			if errors.Is(err, ErrTransportClosed) {
				a.peerShutdown()
				return
			}
			a.logger.Printf("accepting on remote port %d: %s", s.info.BoundPort, err)
			return
		}

		metricChannelsAccepted.Inc()
		go runRelay(ch, s.info.Destination, a.dial, a.dialTimeout, s.Done(), a.logger)
	}
}

// peerShutdown handles the server ending the tunnel from its side: close
// what is left of the transport, drop the session from the stack and tell
// the caller. removeSession is a no-op for a session already taken off the
// stack, so this stays single-shot even when racing a local Remove.
func (a *acceptor) peerShutdown() {
	info := a.session.info
	a.logger.Printf("server closed the tunnel on remote port %d, cleaning up", info.BoundPort)
	metricPeerShutdowns.Inc()
	a.session.transport.Close()
	a.manager.removeSession(a.session)
	if a.onPeerShutdown != nil {
		a.onPeerShutdown(info)
	}
}
