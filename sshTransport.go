package sshreverse

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/net/proxy"
)

const (
	defaultKeepaliveInterval  = 5 * time.Second
	defaultKeepaliveMaxMissed = 2
)

// SSHOptions tunes the real SSH connector. The zero value works.
type SSHOptions struct {
	Logger log.FieldLogger
	Clock  clock.Clock

	// KnownHostsFile defaults to ~/.ssh/known_hosts. Unknown hosts are
	// accepted with a warning; a key mismatch for a known host fails the
	// connection.
	KnownHostsFile string

	// InsecureHostKey skips host key verification entirely.
	InsecureHostKey bool

	// KeepaliveInterval is how often the transport pings the server.
	// Negative disables keepalives.
	KeepaliveInterval time.Duration

	// KeepaliveMaxMissed is how many unanswered pings in a row close the
	// connection.
	KeepaliveMaxMissed int
}

// SSHConnector opens real SSH transports. Outbound TCP goes through the
// proxy configured in the environment (ALL_PROXY and friends) when one is
// set.
type SSHConnector struct {
	opts SSHOptions
}

func NewSSHConnector(opts SSHOptions) *SSHConnector {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.KeepaliveMaxMissed <= 0 {
		opts.KeepaliveMaxMissed = defaultKeepaliveMaxMissed
	}
	return &SSHConnector{opts: opts}
}

// Connect dials the server and runs the SSH handshake, both bounded by
// ctx. Authentication rejections come back as ErrAuth, everything else as
// ErrConnect.
func (c *SSHConnector) Connect(ctx context.Context, server Endpoint, creds Credentials) (Transport, error) {
	userName := creds.User
	if userName == "" {
		userName = currentUsername()
	}
	methods, closeAgent, err := c.authMethods(creds)
	if err != nil {
		return nil, err
	}
	if closeAgent != nil {
		defer closeAgent()
	}
	cfg := &ssh.ClientConfig{
		User:            userName,
		Auth:            methods,
		HostKeyCallback: c.hostKeyCallback(),
	}

	raw, err := proxy.Dial(ctx, "tcp", server.String())
	if err != nil {
		return nil, errors.Annotatef(ErrConnect, "dialing %s: %v", server, err)
	}

	// The handshake itself takes no context; closing the socket from the
	// outside makes it return promptly when ctx expires.
	type handshake struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}
	done := make(chan handshake, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewClientConn(raw, server.String(), cfg)
		done <- handshake{conn, chans, reqs, err}
	}()

	var h handshake
	select {
	case <-ctx.Done():
		raw.Close()
		<-done
		return nil, errors.Annotatef(ErrConnect, "%s: %v", server, ctx.Err())
	case h = <-done:
	}
	if h.err != nil {
		raw.Close()
		if strings.Contains(h.err.Error(), "unable to authenticate") {
			return nil, errors.Annotatef(ErrAuth, "%s: %v", server, h.err)
		}
		return nil, errors.Annotatef(ErrConnect, "%s: %v", server, h.err)
	}

	client := ssh.NewClient(h.conn, h.chans, h.reqs)
	t := &sshTransport{
		client:   client,
		incoming: client.HandleChannelOpen(forwardedChannelType),
		clk:      c.opts.Clock,
		logger:   c.opts.Logger,
		dead:     make(chan struct{}),
	}
	go t.watch()
	if c.opts.KeepaliveInterval > 0 {
		go t.keepalive(c.opts.KeepaliveInterval, c.opts.KeepaliveMaxMissed)
	}
	return t, nil
}

// authMethods builds the methods offered to the server: an explicit key
// file, any agent at SSH_AUTH_SOCK, then password. The returned closer
// releases the agent socket once the handshake no longer needs it.
func (c *SSHConnector) authMethods(creds Credentials) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	if creds.KeyFile != "" {
		pem, err := os.ReadFile(creds.KeyFile)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "reading key file %s", creds.KeyFile)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "parsing key file %s", creds.KeyFile)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	var closeAgent func()
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			c.opts.Logger.Debugf("ssh agent at %s not reachable: %s", sock, err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		}
	}

	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}
	if len(methods) == 0 {
		if closeAgent != nil {
			closeAgent()
		}
		return nil, nil, errors.Annotate(ErrAuth, "no credentials available")
	}
	return methods, closeAgent, nil
}

func (c *SSHConnector) hostKeyCallback() ssh.HostKeyCallback {
	if c.opts.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey()
	}
	path := c.opts.KnownHostsFile
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	known, err := knownhosts.New(path)
	if err != nil {
		c.opts.Logger.Debugf("known hosts file %q not usable, accepting any host key: %s", path, err)
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			// Not in the file at all. A recorded key that does not
			// match still fails.
			c.opts.Logger.Printf("unknown host key for %s, continuing anyway", hostname)
			return nil
		}
		return err
	}
}

// sshTransport adapts one *ssh.Client to the Transport interface.
type sshTransport struct {
	client   *ssh.Client
	incoming <-chan ssh.NewChannel
	clk      clock.Clock
	logger   log.FieldLogger

	dead     chan struct{}
	deadOnce sync.Once
}

// watch flips the transport to dead the moment the connection ends, from
// whichever side.
func (t *sshTransport) watch() {
	t.client.Wait()
	t.markDead()
}

func (t *sshTransport) markDead() {
	t.deadOnce.Do(func() {
		close(t.dead)
	})
}

func (t *sshTransport) Alive() bool {
	select {
	case <-t.dead:
		return false
	default:
		return true
	}
}

func (t *sshTransport) RequestBind(bindAddr string, port int) error {
	ok, _, err := t.client.SendRequest(forwardRequestType, true, ssh.Marshal(&remoteForwardRequest{
		BindAddr: bindAddr,
		BindPort: uint32(port),
	}))
	if err != nil {
		return errors.Annotate(err, "tcpip-forward request")
	}
	if !ok {
		return errors.Annotatef(ErrPortUnavailable, "port %d", port)
	}
	return nil
}

func (t *sshTransport) CancelBind(bindAddr string, port int) error {
	ok, _, err := t.client.SendRequest(cancelForwardRequestType, true, ssh.Marshal(&remoteForwardCancelRequest{
		BindAddr: bindAddr,
		BindPort: uint32(port),
	}))
	if err != nil {
		return errors.Annotate(err, "cancel-tcpip-forward request")
	}
	if !ok {
		return errors.Errorf("server refused to cancel forward on port %d", port)
	}
	return nil
}

func (t *sshTransport) Accept(ctx context.Context) (Channel, error) {
	select {
	case nc, ok := <-t.incoming:
		if !ok {
			return nil, ErrTransportClosed
		}
		var payload remoteForwardChannelData
		if err := ssh.Unmarshal(nc.ExtraData(), &payload); err != nil {
			nc.Reject(ssh.ConnectionFailed, "invalid forwarded-tcpip payload")
			return nil, errors.Annotate(err, "parsing forwarded-tcpip payload")
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			return nil, errors.Annotate(err, "accepting forwarded channel")
		}
		go ssh.DiscardRequests(reqs)
		return &sshChannel{
			Channel: ch,
			origin:  net.JoinHostPort(payload.OriginAddr, strconv.Itoa(int(payload.OriginPort))),
			peer:    t.client.RemoteAddr().String(),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.dead:
		return nil, ErrTransportClosed
	}
}

// keepalive pings the server on a fixed interval and closes the connection
// after too many unanswered pings in a row. The request itself runs async
// because a wedged connection blocks SendRequest indefinitely.
func (t *sshTransport) keepalive(interval time.Duration, maxMissed int) {
	missed := 0
	acked := make(chan struct{}, 1)
	for {
		select {
		case <-t.dead:
			return
		case <-t.clk.After(interval):
		}
		select {
		case <-acked:
			missed = 0
		default:
		}
		if missed >= maxMissed {
			t.logger.Printf("ssh server stopped answering keepalives, closing connection")
			t.Close()
			return
		}
		missed++
		go func() {
			if _, _, err := t.client.SendRequest(keepaliveRequestType, true, nil); err == nil {
				select {
				case acked <- struct{}{}:
				default:
				}
			}
		}()
	}
}

// RunCommand executes cmd on the server and collects its output. Used for
// the remote status markers, not for tunnel traffic.
func (t *sshTransport) RunCommand(cmd string) ([]byte, []byte, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return nil, nil, errors.Annotate(err, "opening exec session")
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(cmd)
	return stdout.Bytes(), stderr.Bytes(), err
}

func (t *sshTransport) Close() error {
	err := t.client.Close()
	t.markDead()
	return err
}

// sshChannel carries one forwarded connection plus the origin metadata the
// server attached to it.
type sshChannel struct {
	ssh.Channel
	origin string
	peer   string
}

func (c *sshChannel) OriginAddr() string { return c.origin }

func (c *sshChannel) PeerAddr() string { return c.peer }

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "root"
}
