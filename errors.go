package sshreverse

import "github.com/juju/errors"

const (
	// ErrConnect is returned by Create when the SSH server cannot be
	// reached at all (dial failure, handshake failure other than
	// authentication).
	ErrConnect = errors.ConstError("ssh connection failed")

	// ErrAuth is returned by Create when the server rejected every
	// authentication method we offered.
	ErrAuth = errors.ConstError("ssh authentication failed")

	// ErrDestinationUnreachable is returned by Create when the pre-flight
	// check on the forwarding destination fails. It is raised before any
	// remote bind is requested.
	ErrDestinationUnreachable = errors.ConstError("destination not reachable")

	// ErrPortUnavailable reports a single refused remote bind. The port
	// binder recovers from it by probing the next candidate in the range.
	ErrPortUnavailable = errors.ConstError("remote bind refused")

	// ErrPortsExhausted is returned once every port in the configured
	// range has been refused.
	ErrPortsExhausted = errors.ConstError("all ports in range already used")

	// ErrInvalidPortRange reports a malformed port range.
	ErrInvalidPortRange = errors.ConstError("invalid port range")

	// ErrTransportClosed is returned from waits on a transport whose
	// connection has gone away.
	ErrTransportClosed = errors.ConstError("transport closed")
)
