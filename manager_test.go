package sshreverse

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/juju/errors"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Session manager", func() {

	var (
		connector *fakeConnector
		echo      net.Listener
		dest      Endpoint
	)

	BeforeEach(func() {
		connector = &fakeConnector{}
		echo, dest = startEchoListener()
	})

	AfterEach(func() {
		echo.Close()
	})

	newManager := func(mutate func(*Config)) *Manager {
		cfg := Config{
			Server:       "bastion.test:22",
			Destination:  dest.String(),
			Ports:        PortRange{Min: 10000, Max: 10010, Preferred: 10000},
			Connector:    connector,
			Logger:       testLogger(),
			PollInterval: 20 * time.Millisecond,
			DialTimeout:  time.Second,
			ReadyWait:    time.Second,
		}
		if mutate != nil {
			mutate(&cfg)
		}
		manager, err := New(cfg)
		Expect(err).To(Not(HaveOccurred()))
		return manager
	}

	It("should validate its configuration", func() {
		_, err := New(Config{Destination: "x", Ports: SinglePort(1)})
		Expect(err).To(HaveOccurred())
		_, err = New(Config{Server: "x", Ports: SinglePort(1)})
		Expect(err).To(HaveOccurred())
		_, err = New(Config{Server: "x", Destination: "y", Ports: PortRange{Min: 20, Max: 10, Preferred: 15}})
		Expect(errors.Is(err, ErrInvalidPortRange)).To(BeTrue())
	})

	It("should fail creation on a malformed endpoint before connecting", func() {
		manager := newManager(func(cfg *Config) {
			cfg.Server = "bastion.test:badport"
		})
		err := manager.Create(context.Background(), true)
		Expect(err).To(HaveOccurred())
		Expect(connector.made).To(BeEmpty())
		Expect(manager.SessionCount()).To(Equal(0))
	})

	It("should stack sessions and report the newest as current", func() {
		first := newFakeTransport()
		second := newFakeTransport()
		second.reject(10000)
		connector.prepare(first, second)

		manager := newManager(nil)
		Expect(manager.Create(context.Background(), true)).To(Succeed())
		Expect(manager.Create(context.Background(), true)).To(Succeed())
		Expect(manager.SessionCount()).To(Equal(2))

		port, ok := manager.BoundPort()
		Expect(ok).To(BeTrue())
		Expect(port).To(Equal(10001))

		manager.Remove()
		port, ok = manager.BoundPort()
		Expect(ok).To(BeTrue())
		Expect(port).To(Equal(10000))

		manager.Remove()
		_, ok = manager.BoundPort()
		Expect(ok).To(BeFalse())
	})

	It("should check the destination before binding any remote port", func() {
		manager := newManager(func(cfg *Config) {
			cfg.Destination = deadEndpoint().String()
			cfg.DialTimeout = 200 * time.Millisecond
		})
		err := manager.Create(context.Background(), true)
		Expect(errors.Is(err, ErrDestinationUnreachable)).To(BeTrue())
		Expect(manager.SessionCount()).To(Equal(0))

		transport := connector.transport(0)
		Expect(transport.binds()).To(BeEmpty())
		Expect(transport.isClosed()).To(BeTrue())
	})

	It("should leave the stack unchanged when the range is exhausted", func() {
		good := newFakeTransport()
		bad := newFakeTransport()
		for port := 10000; port <= 10010; port++ {
			bad.reject(port)
		}
		connector.prepare(good, bad)

		manager := newManager(nil)
		Expect(manager.Create(context.Background(), true)).To(Succeed())

		err := manager.Create(context.Background(), true)
		Expect(errors.Is(err, ErrPortsExhausted)).To(BeTrue())
		Expect(manager.SessionCount()).To(Equal(1))
		Expect(bad.isClosed()).To(BeTrue())

		port, ok := manager.BoundPort()
		Expect(ok).To(BeTrue())
		Expect(port).To(Equal(10000))
	})

	It("should surface connector failures untouched by the stack", func() {
		connector.connectErr = ErrAuth
		manager := newManager(nil)
		err := manager.Create(context.Background(), true)
		Expect(errors.Is(err, ErrAuth)).To(BeTrue())
		Expect(manager.SessionCount()).To(Equal(0))
	})

	It("should ignore Remove on an empty stack", func() {
		manager := newManager(nil)
		manager.Remove()
		Expect(manager.SessionCount()).To(Equal(0))
	})

	It("should withdraw the bind and close the transport on Remove", func() {
		manager := newManager(nil)
		Expect(manager.Create(context.Background(), true)).To(Succeed())

		transport := connector.transport(0)
		manager.Remove()
		Expect(manager.SessionCount()).To(Equal(0))
		Expect(transport.isClosed()).To(BeTrue())
		Expect(transport.cancels()).To(Equal([]int{10000}))
	})

	It("should relay accepted channels into the destination", func() {
		manager := newManager(nil)
		Expect(manager.Create(context.Background(), true)).To(Succeed())

		channel, far := newChannelPair()
		connector.transport(0).deliver(channel)

		_, err := far.Write([]byte("hello"))
		Expect(err).To(Not(HaveOccurred()))
		echoed := make([]byte, 5)
		_, err = io.ReadFull(far, echoed)
		Expect(err).To(Not(HaveOccurred()))
		Expect(string(echoed)).To(Equal("hello"))

		// Removing the session must fold the in-flight relay too.
		manager.Remove()
		Eventually(farSideClosed(far), "2s", "20ms").Should(BeTrue())
	})

	It("should block a foreground create until the session is removed", func() {
		manager := newManager(nil)
		finished := make(chan error, 1)
		go func() {
			finished <- manager.Create(context.Background(), false)
		}()

		Eventually(func() int { return manager.SessionCount() }, "2s", "20ms").Should(Equal(1))
		manager.Remove()
		Eventually(finished, "2s").Should(Receive(BeNil()))
	})

	It("should record a status marker and clear it again", func() {
		transport := newFakeExecTransport()
		connector.prepare(transport)

		manager := newManager(func(cfg *Config) {
			cfg.Recorder = NewMarkerRecorder("/var/tmp/testmarkers", "")
		})
		Expect(manager.Create(context.Background(), true)).To(Succeed())

		expected := fmt.Sprintf("/var/tmp/testmarkers/tunnel.%s.%s:%d.10000.lock", localHostname(), dest.Host, dest.Port)
		info, ok := manager.Info()
		Expect(ok).To(BeTrue())
		Expect(info.StatusPath).To(Equal(expected))

		commands := transport.ranCommands()
		Expect(commands).To(HaveLen(1))
		Expect(commands[0]).To(ContainSubstring("mkdir -p"))
		Expect(commands[0]).To(ContainSubstring(expected))

		manager.Remove()
		commands = transport.ranCommands()
		Expect(commands).To(HaveLen(2))
		Expect(commands[1]).To(ContainSubstring("rm -f"))
		Expect(commands[1]).To(ContainSubstring(expected))
	})
})
