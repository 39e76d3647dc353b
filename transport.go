package sshreverse

import (
	"context"
	"io"
)

// Connector opens an authenticated transport to an SSH server. The default
// implementation speaks real SSH; tests substitute their own.
type Connector interface {
	Connect(ctx context.Context, server Endpoint, creds Credentials) (Transport, error)
}

// Transport is one authenticated, multiplexed connection to the remote
// peer. A transport belongs to exactly one session; closing it releases
// everything the session holds on the wire.
type Transport interface {
	// RequestBind asks the peer to open a listener on port. A refusal by
	// the peer is reported as ErrPortUnavailable; any other error means
	// the transport itself failed.
	RequestBind(bindAddr string, port int) error

	// CancelBind retracts a listener previously set up by RequestBind.
	// Best effort: callers tearing down a session log failures and move on.
	CancelBind(bindAddr string, port int) error

	// Accept waits for the next inbound forwarded connection. It returns
	// ctx.Err() once the context expires and ErrTransportClosed once the
	// connection is gone, so callers can poll with a bounded wait.
	Accept(ctx context.Context) (Channel, error)

	// Alive reports whether the underlying connection is still up.
	Alive() bool

	Close() error
}

// Channel is one forwarded connection delivered by the peer.
type Channel interface {
	io.ReadWriteCloser

	// OriginAddr is the address of the client that connected to the
	// remote listener, as reported by the peer. May be empty.
	OriginAddr() string

	// PeerAddr is the address of the SSH server the channel arrived through.
	PeerAddr() string
}

// CommandRunner executes a command on the remote host. Transports that
// support sessions implement it; the status marker recorder depends on it.
type CommandRunner interface {
	RunCommand(cmd string) (stdout, stderr []byte, err error)
}
