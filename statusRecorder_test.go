package sshreverse

import (
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Status marker recorder", func() {

	var (
		transport *fakeExecTransport
		session   *Session
	)

	BeforeEach(func() {
		transport = newFakeExecTransport()
		session = newSession(transport, SessionInfo{
			Server:      Endpoint{Host: "bastion.test", Port: 22},
			Destination: Endpoint{Host: "127.0.0.1", Port: 7775},
			BoundPort:   10022,
		})
	})

	It("should name the marker after this host and the tunnel ports", func() {
		recorder := NewMarkerRecorder("", "")
		marker, err := recorder.Record(session)
		Expect(err).To(Not(HaveOccurred()))
		Expect(marker).To(Equal(fmt.Sprintf("/var/tmp/sshreverse/tunnel.%s.127.0.0.1:7775.10022.lock", localHostname())))

		commands := transport.ranCommands()
		Expect(commands).To(HaveLen(1))
		Expect(commands[0]).To(ContainSubstring(`mkdir -p "/var/tmp/sshreverse"`))
		Expect(commands[0]).To(ContainSubstring("touch"))
		Expect(commands[0]).To(ContainSubstring(marker))
	})

	It("should honor a custom directory and prefix", func() {
		recorder := NewMarkerRecorder("/run/tunnels", "edge")
		marker, err := recorder.Record(session)
		Expect(err).To(Not(HaveOccurred()))
		Expect(marker).To(Equal(fmt.Sprintf("/run/tunnels/edge.%s.127.0.0.1:7775.10022.lock", localHostname())))
	})

	It("should remove the recorded marker on Clear", func() {
		recorder := NewMarkerRecorder("", "")
		marker, err := recorder.Record(session)
		Expect(err).To(Not(HaveOccurred()))
		session.info.StatusPath = marker

		Expect(recorder.Clear(session)).To(Succeed())
		commands := transport.ranCommands()
		Expect(commands).To(HaveLen(2))
		Expect(commands[1]).To(ContainSubstring("rm -f"))
		Expect(commands[1]).To(ContainSubstring(marker))
	})

	It("should fail when the remote command writes to stderr", func() {
		transport.stderr = []byte("touch: cannot touch: Permission denied")
		recorder := NewMarkerRecorder("", "")
		_, err := recorder.Record(session)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("Permission denied"))
	})

	It("should fail on a transport without remote execution", func() {
		plain := newSession(newFakeTransport(), SessionInfo{BoundPort: 10022})
		recorder := NewMarkerRecorder("", "")
		_, err := recorder.Record(plain)
		Expect(err).To(HaveOccurred())
		Expect(recorder.Clear(plain)).To(Not(Succeed()))
	})
})
