package sshreverse

import (
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// bindRemotePort negotiates exactly one remote listening port within r.
// It probes r.Preferred first, then walks upward wrapping around to r.Min,
// and stops after every candidate has been tried once. Only a refusal by
// the peer moves on to the next candidate; any other failure aborts
// immediately.
func bindRemotePort(t Transport, bindAddr string, r PortRange, logger log.FieldLogger) (int, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	port := r.Preferred
	for attempt := 0; attempt < r.span(); attempt++ {
		metricBindAttempts.Inc()
		err := t.RequestBind(bindAddr, port)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, ErrPortUnavailable) {
			return 0, errors.Annotatef(err, "requesting remote bind on port %d", port)
		}
		logger.Debugf("remote port %d refused, trying next candidate", port)
		port = r.next(port)
	}
	return 0, errors.Annotatef(ErrPortsExhausted, "ports %d-%d", r.Min, r.Max)
}
