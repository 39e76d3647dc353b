package sshreverse

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// ParseEndpoint parses "host", "host:port" or "[v6-host]:port". A spec
// without a port falls back to defaultPort.
func ParseEndpoint(spec string, defaultPort int) (Endpoint, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Endpoint{}, errors.New("empty endpoint")
	}
	if host, portStr, err := net.SplitHostPort(spec); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, errors.Errorf("invalid port %q in endpoint %q", portStr, spec)
		}
		if host == "" {
			return Endpoint{}, errors.Errorf("missing host in endpoint %q", spec)
		}
		return Endpoint{Host: host, Port: port}, nil
	}
	// No port, possibly a bare IPv6 literal in brackets.
	host := strings.TrimSuffix(strings.TrimPrefix(spec, "["), "]")
	if host == "" {
		return Endpoint{}, errors.Errorf("missing host in endpoint %q", spec)
	}
	return Endpoint{Host: host, Port: defaultPort}, nil
}

// ParsePortRange parses "port", "min-max" or "min-max:preferred". A bare
// port is a single-candidate range; a range without an explicit preferred
// candidate starts probing at Min.
func ParsePortRange(spec string) (PortRange, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return PortRange{}, errors.Annotate(ErrInvalidPortRange, "empty spec")
	}

	rangePart := spec
	preferredPart := ""
	if i := strings.IndexByte(spec, ':'); i >= 0 {
		rangePart, preferredPart = spec[:i], spec[i+1:]
	}

	var r PortRange
	if i := strings.IndexByte(rangePart, '-'); i >= 0 {
		min, err := strconv.Atoi(rangePart[:i])
		if err != nil {
			return PortRange{}, errors.Annotatef(ErrInvalidPortRange, "%q", spec)
		}
		max, err := strconv.Atoi(rangePart[i+1:])
		if err != nil {
			return PortRange{}, errors.Annotatef(ErrInvalidPortRange, "%q", spec)
		}
		r = PortRange{Min: min, Max: max, Preferred: min}
	} else {
		port, err := strconv.Atoi(rangePart)
		if err != nil {
			return PortRange{}, errors.Annotatef(ErrInvalidPortRange, "%q", spec)
		}
		r = SinglePort(port)
	}

	if preferredPart != "" {
		preferred, err := strconv.Atoi(preferredPart)
		if err != nil {
			return PortRange{}, errors.Annotatef(ErrInvalidPortRange, "%q", spec)
		}
		r.Preferred = preferred
	}

	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// localHostname names this machine in status markers. Falls back to
// "unknown" rather than failing: markers are best effort.
func localHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}
