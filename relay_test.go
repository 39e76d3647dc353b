package sshreverse

import (
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// farSideClosed reports whether reading the far end of a channel pair now
// fails, meaning the relay folded our side.
func farSideClosed(far net.Conn) func() bool {
	return func() bool {
		far.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		_, err := far.Read(make([]byte, 1))
		return err == io.EOF || err == io.ErrClosedPipe
	}
}

var _ = Describe("Connection relay", func() {

	It("should carry bytes in both directions unchanged", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Not(HaveOccurred()))
		defer listener.Close()
		dest := Endpoint{Host: "127.0.0.1", Port: listener.Addr().(*net.TCPAddr).Port}

		received := make(chan []byte, 1)
		go func() {
			defer GinkgoRecover()
			conn, err := listener.Accept()
			Expect(err).To(Not(HaveOccurred()))
			request := make([]byte, 5)
			_, err = io.ReadFull(conn, request)
			Expect(err).To(Not(HaveOccurred()))
			received <- request
			conn.Write([]byte("pong!"))
			conn.Close()
		}()

		channel, far := newChannelPair()
		done := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			runRelay(channel, dest, tcpDial, time.Second, done, testLogger())
			close(finished)
		}()

		_, err = far.Write([]byte("ping?"))
		Expect(err).To(Not(HaveOccurred()))
		Expect(<-received).To(Equal([]byte("ping?")))

		reply := make([]byte, 5)
		_, err = io.ReadFull(far, reply)
		Expect(err).To(Not(HaveOccurred()))
		Expect(reply).To(Equal([]byte("pong!")))

		// The destination hung up, so the relay must fold our side too.
		Eventually(farSideClosed(far), "2s", "20ms").Should(BeTrue())
		Eventually(finished, "2s").Should(BeClosed())
		Expect(channel.closes()).To(Equal(1))
	})

	It("should close the channel when the destination cannot be dialed", func() {
		channel, far := newChannelPair()
		runRelay(channel, deadEndpoint(), tcpDial, time.Second, make(chan struct{}), testLogger())
		Expect(channel.closes()).To(Equal(1))
		Eventually(farSideClosed(far), "2s", "20ms").Should(BeTrue())
	})

	It("should tear both ends down when the session stops", func() {
		listener, dest := startEchoListener()
		defer listener.Close()

		channel, far := newChannelPair()
		done := make(chan struct{})
		finished := make(chan struct{})
		go func() {
			runRelay(channel, dest, tcpDial, time.Second, done, testLogger())
			close(finished)
		}()

		_, err := far.Write([]byte("hold"))
		Expect(err).To(Not(HaveOccurred()))
		echoed := make([]byte, 4)
		_, err = io.ReadFull(far, echoed)
		Expect(err).To(Not(HaveOccurred()))
		Expect(echoed).To(Equal([]byte("hold")))

		close(done)
		Eventually(finished, "2s").Should(BeClosed())
		Expect(channel.closes()).To(Equal(1))
		Eventually(farSideClosed(far), "2s", "20ms").Should(BeTrue())
	})

	It("should keep concurrent relays independent", func() {
		listener, dest := startEchoListener()
		defer listener.Close()

		done := make(chan struct{})
		defer close(done)

		first, farFirst := newChannelPair()
		second, farSecond := newChannelPair()
		go runRelay(first, dest, tcpDial, time.Second, done, testLogger())
		go runRelay(second, dest, tcpDial, time.Second, done, testLogger())

		// Kill the second pair outright, the first must not notice.
		farSecond.Close()

		_, err := farFirst.Write([]byte("still here"))
		Expect(err).To(Not(HaveOccurred()))
		echoed := make([]byte, 10)
		_, err = io.ReadFull(farFirst, echoed)
		Expect(err).To(Not(HaveOccurred()))
		Expect(string(echoed)).To(Equal("still here"))

		Eventually(func() int { return second.closes() }, "2s", "20ms").Should(BeNumerically(">=", 1))
	})
})
