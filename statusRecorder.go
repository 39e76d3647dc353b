package sshreverse

import (
	"bytes"
	"fmt"
	"path"

	"github.com/juju/errors"
)

const (
	defaultStatusDir    = "/var/tmp/sshreverse"
	defaultStatusPrefix = "tunnel"
)

// StatusRecorder publishes a marker for every live session so an operator
// or a fleet monitor can see which tunnels exist without asking each
// process. Recorder failures are logged by the manager, never fatal.
type StatusRecorder interface {
	// Record publishes the marker for s and returns its path or key.
	Record(s *Session) (string, error)

	// Clear removes the marker for s.
	Clear(s *Session) error
}

// markerRecorder keeps lock-style marker files on the remote host itself,
// written over the session's own connection. The file name encodes who
// holds the tunnel and through which ports, so the marker's presence is
// the whole status.
type markerRecorder struct {
	dir    string
	prefix string
}

// NewMarkerRecorder records sessions as marker files under dir on the
// remote host. Empty arguments pick /var/tmp/sshreverse and the "tunnel"
// prefix.
func NewMarkerRecorder(dir, prefix string) StatusRecorder {
	if dir == "" {
		dir = defaultStatusDir
	}
	if prefix == "" {
		prefix = defaultStatusPrefix
	}
	return &markerRecorder{dir: dir, prefix: prefix}
}

func (r *markerRecorder) markerPath(info SessionInfo) string {
	name := fmt.Sprintf("%s.%s.%s:%d.%d.lock",
		r.prefix, localHostname(), info.Destination.Host, info.Destination.Port, info.BoundPort)
	return path.Join(r.dir, name)
}

func (r *markerRecorder) Record(s *Session) (string, error) {
	runner, ok := s.Runner()
	if !ok {
		return "", errors.New("transport does not support remote commands")
	}
	marker := r.markerPath(s.Info())
	cmd := fmt.Sprintf("mkdir -p %q && touch %q", r.dir, marker)
	_, stderr, err := runner.RunCommand(cmd)
	if err != nil {
		return "", errors.Annotatef(err, "creating marker %s", marker)
	}
	if len(stderr) > 0 {
		return "", errors.Errorf("creating marker %s: %s", marker, bytes.TrimSpace(stderr))
	}
	return marker, nil
}

func (r *markerRecorder) Clear(s *Session) error {
	runner, ok := s.Runner()
	if !ok {
		return errors.New("transport does not support remote commands")
	}
	marker := s.Info().StatusPath
	if marker == "" {
		marker = r.markerPath(s.Info())
	}
	_, stderr, err := runner.RunCommand(fmt.Sprintf("rm -f %q", marker))
	if err != nil {
		return errors.Annotatef(err, "removing marker %s", marker)
	}
	if len(stderr) > 0 {
		return errors.Errorf("removing marker %s: %s", marker, bytes.TrimSpace(stderr))
	}
	return nil
}
