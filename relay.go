package sshreverse

import (
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const relayBufferSize = 32 << 10

var relayBufPool = sync.Pool{
	New: func() interface{} {
		buffer := make([]byte, relayBufferSize)
		return &buffer
	},
}

// dialFunc opens the TCP connection a relay forwards into. Swappable in
// tests; the default is net.DialTimeout.
type dialFunc func(addr string, timeout time.Duration) (net.Conn, error)

func tcpDial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

// runRelay shuttles bytes between one forwarded channel and a fresh TCP
// connection to dest until either side closes or done is signalled. Both
// ends are closed exactly once no matter which path exits first. Relay
// errors never propagate past this function; they are logged and the pair
// is torn down.
func runRelay(ch Channel, dest Endpoint, dial dialFunc, dialTimeout time.Duration, done <-chan struct{}, logger log.FieldLogger) {
	metricRelaysActive.Inc()
	defer metricRelaysActive.Dec()

	sock, err := dial(dest.String(), dialTimeout)
	if err != nil {
		logger.Printf("forwarding request from %s to %s failed: %s", ch.OriginAddr(), dest, err)
		metricRelayErrors.WithLabelValues("dial").Inc()
		ch.Close()
		return
	}

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			ch.Close()
			sock.Close()
		})
	}
	defer closeBoth()

	// Session teardown must not leave relays running. The watcher holds
	// no buffers, it only closes both ends so the copies below unblock.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-done:
			closeBoth()
		case <-watchDone:
		}
	}()

	logger.Debugf("tunnel open %s -> %s -> %s", ch.OriginAddr(), ch.PeerAddr(), dest)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		buffer := relayBufPool.Get().(*[]byte)
		defer relayBufPool.Put(buffer)
		n, err := io.CopyBuffer(sock, ch, *buffer)
		if err != nil {
			logger.Debugf("copy to %s ended: %s", dest, err)
			metricRelayErrors.WithLabelValues("copy").Inc()
		}
		metricRelayBytes.WithLabelValues("inbound").Add(float64(n))
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		buffer := relayBufPool.Get().(*[]byte)
		defer relayBufPool.Put(buffer)
		n, err := io.CopyBuffer(ch, sock, *buffer)
		if err != nil {
			logger.Debugf("copy from %s ended: %s", dest, err)
			metricRelayErrors.WithLabelValues("copy").Inc()
		}
		metricRelayBytes.WithLabelValues("outbound").Add(float64(n))
	}()
	wg.Wait()

	logger.Debugf("tunnel from %s closed", ch.OriginAddr())
}
