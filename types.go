package sshreverse

import (
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
)

// DefaultSSHPort is assumed whenever an endpoint spec omits the port.
const DefaultSSHPort = 22

const (
	forwardRequestType       = "tcpip-forward"
	cancelForwardRequestType = "cancel-tcpip-forward"
	forwardedChannelType     = "forwarded-tcpip"
	keepaliveRequestType     = "keepalive@openssh.com"
)

// RFC 4254 7.1, global request asking the server to listen on our behalf.
type remoteForwardRequest struct {
	BindAddr string
	BindPort uint32
}

// RFC 4254 7.1, reply payload carrying the port the server chose.
type remoteForwardSuccess struct {
	BindPort uint32
}

type remoteForwardCancelRequest struct {
	BindAddr string
	BindPort uint32
}

// RFC 4254 7.2, extra data attached to each forwarded-tcpip channel.
type remoteForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// Endpoint is a TCP host and port pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// PortRange describes the remote ports a session may bind, inclusive on
// both ends, with the candidate the binder probes first.
type PortRange struct {
	Min       int
	Max       int
	Preferred int
}

// SinglePort is the range holding exactly one candidate.
func SinglePort(port int) PortRange {
	return PortRange{Min: port, Max: port, Preferred: port}
}

// Validate checks that 1 <= Min <= Max <= 65535 and that Preferred lies
// inside [Min, Max].
func (r PortRange) Validate() error {
	if r.Min < 1 || r.Max > 65535 || r.Min > r.Max {
		return errors.Annotatef(ErrInvalidPortRange, "%d-%d", r.Min, r.Max)
	}
	if r.Preferred < r.Min || r.Preferred > r.Max {
		return errors.Annotatef(ErrInvalidPortRange, "preferred port %d outside %d-%d", r.Preferred, r.Min, r.Max)
	}
	return nil
}

// span is the number of distinct candidates, and therefore the number of
// bind attempts before the binder gives up.
func (r PortRange) span() int {
	return r.Max - r.Min + 1
}

// next advances to the following candidate, wrapping around to Min after
// Max so every port gets one probe regardless of where Preferred sits.
func (r PortRange) next(port int) int {
	port++
	if port > r.Max {
		port = r.Min
	}
	return port
}

// Credentials selects how the transport authenticates. Password and KeyFile
// may both be set; an SSH agent found via SSH_AUTH_SOCK is offered as well.
type Credentials struct {
	User     string
	Password string
	KeyFile  string
}

// SessionInfo is the metadata recorded for one tunnel session.
type SessionInfo struct {
	Server      Endpoint
	Destination Endpoint
	Ports       PortRange
	BoundPort   int
	StatusPath  string
	CreatedAt   time.Time
}
