package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"sshreverse"
)

const (
	reconnectDelay    = 2 * time.Second
	reconnectMaxDelay = time.Minute
)

var errTunnelLost = errors.New("tunnel closed by the server")

func main() {

	// --server="bastion.example.com:22"
	serverPtr := flag.String("server", "", "SSH server to tunnel through, host[:port]. Port 22 if omitted.")

	// --dest="localhost:8080"
	destPtr := flag.String("dest", "", "Destination host[:port] that connections arriving on the remote port are forwarded to.")

	// --ports="10000-10200:10022"
	portsPtr := flag.String("ports", "", "Remote port(s) to bind: N, min-max, or min-max:preferred.")

	// --bind="127.0.0.1"
	bindPtr := flag.String("bind", "", "Address the remote listener binds. Empty means all interfaces on the server.")

	userPtr := flag.String("user", "", "SSH user name. Defaults to the local user.")
	passwordPtr := flag.String("password", "", "SSH password. Falls back to SSHREVERSE_PASSWORD.")
	keyPtr := flag.String("key", "", "Private key file for public key authentication.")

	// --env-file="secrets.env"
	envFilePtr := flag.String("env-file", "", "Env file to load secrets from before reading the environment.")

	// --log=info
	logPtr := flag.String("log", "info", "Log level: debug, info, warn, or error.")

	detachedPtr := flag.Bool("detached", false, "Report the bound port as soon as the tunnel listens instead of blocking on it.")
	reconnectPtr := flag.Bool("reconnect", false, "Reestablish the tunnel after a failure instead of exiting.")

	timeoutPtr := flag.Duration("timeout", 5*time.Second, "SSH connect timeout.")
	pollPtr := flag.Duration("poll", time.Second, "Accept poll interval; how quickly teardown and a dead server are noticed.")

	insecurePtr := flag.Bool("insecure-host-key", false, "Skip host key verification.")
	knownHostsPtr := flag.String("known-hosts", "", "Known hosts file. Defaults to ~/.ssh/known_hosts.")

	// --metrics=9090
	// Spin up prometheus and pprof endpoints at this port.
	metricsPtr := flag.Int("metrics", 0, "Port to serve /metrics and pprof endpoints on. Useful for fleet monitoring and troubleshooting.")

	// --status-dir="/var/tmp/sshreverse"
	statusDirPtr := flag.String("status-dir", "", "Record each tunnel as a marker file under this directory on the server.")
	statusPrefixPtr := flag.String("status-prefix", "", "Marker file prefix. Defaults to \"tunnel\".")

	// --redis="redis.example.com:6379"
	redisPtr := flag.String("redis", "", "Record tunnels in this redis (host:port) instead of marker files. Password read from REDIS_PASSWORD.")
	redisDBPtr := flag.Int("redis-db", 0, "Redis database number.")
	redisTTLPtr := flag.Duration("redis-ttl", 0, "Expiry on redis tunnel records. 0 keeps them until cleared.")

	flag.Parse()

	if *serverPtr == "" {
		log.Fatalln("SSH server is empty.")
	}
	if *destPtr == "" {
		log.Fatalln("Destination is empty.")
	}
	if *portsPtr == "" {
		log.Fatalln("Remote ports are empty.")
	}

	if *envFilePtr != "" {
		if err := godotenv.Load(*envFilePtr); err != nil {
			log.Fatalf("An error occured reading %s: %s", *envFilePtr, err)
		}
	}

	log.SetOutput(os.Stdout)

	logLevel, err := log.ParseLevel(*logPtr)
	if err != nil {
		log.Fatalf("An error occured parsing log level: %s", err)
	}
	log.SetLevel(logLevel)

	ports, err := sshreverse.ParsePortRange(*portsPtr)
	if err != nil {
		log.Fatalf("An error occured parsing remote ports: %s", err)
	}

	password := *passwordPtr
	if password == "" {
		password = os.Getenv("SSHREVERSE_PASSWORD")
	}

	var recorder sshreverse.StatusRecorder
	if *redisPtr != "" {
		recorder, err = sshreverse.NewRedisRecorder(*redisPtr, os.Getenv("REDIS_PASSWORD"), *redisDBPtr, *redisTTLPtr)
		if err != nil {
			log.Fatalf("Could not reach redis: %s", err)
		}
	} else if *statusDirPtr != "" {
		recorder = sshreverse.NewMarkerRecorder(*statusDirPtr, *statusPrefixPtr)
	}

	lost := make(chan sshreverse.SessionInfo, 1)
	manager, err := sshreverse.New(sshreverse.Config{
		Server:      *serverPtr,
		Destination: *destPtr,
		Ports:       ports,
		BindAddr:    *bindPtr,
		Credentials: sshreverse.Credentials{
			User:     *userPtr,
			Password: password,
			KeyFile:  *keyPtr,
		},
		Connector: sshreverse.NewSSHConnector(sshreverse.SSHOptions{
			KnownHostsFile:  *knownHostsPtr,
			InsecureHostKey: *insecurePtr,
		}),
		Recorder:       recorder,
		ConnectTimeout: *timeoutPtr,
		PollInterval:   *pollPtr,
		OnPeerShutdown: func(info sshreverse.SessionInfo) {
			select {
			case lost <- info:
			default:
			}
		},
	})
	if err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}

	// Wait for interrupt signal to gracefully shut the tunnel down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	stopping := make(chan struct{})
	removed := make(chan struct{})
	go func() {
		<-quit
		log.Println("Shutting down...")
		close(stopping)
		manager.RemoveAll()
		close(removed)
	}()

	// Did we specify a metrics port?
	var srv *http.Server
	if *metricsPtr > 0 {
		http.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{
			Addr: "localhost:" + strconv.Itoa(*metricsPtr),
		}
		go func() {
			log.Infof("Listening for HTTP metrics and pprof requests at %s...", srv.Addr)
			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				log.Infof("Shutting down HTTP server at %s...", srv.Addr)
			}
		}()
	}

	ctx := context.Background()
	if *detachedPtr {
		runDetached(ctx, manager, stopping, lost, *reconnectPtr)
	} else {
		runForeground(ctx, manager, stopping, *reconnectPtr)
	}

	// Let the signal handler finish tearing sessions down before exiting.
	if stopRequested(stopping) {
		<-removed
	}
	if srv != nil {
		srv.Close()
	}
	log.Infoln("Tunnel exiting")
}

// runForeground holds the tunnel in the calling goroutine: Create blocks
// until the session's accept loop ends, by shutdown signal or by the
// server withdrawing the tunnel.
func runForeground(ctx context.Context, manager *sshreverse.Manager, stopping <-chan struct{}, reconnect bool) {
	if !reconnect {
		if err := manager.Create(ctx, false); err != nil {
			log.Fatalf("Could not establish tunnel: %s", err)
		}
		if !stopRequested(stopping) {
			log.Fatalln("Tunnel closed by the server")
		}
		return
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := manager.Create(ctx, false); err != nil {
				return err
			}
			if stopRequested(stopping) {
				return nil
			}
			return errTunnelLost
		},
		Attempts:    -1, // keep trying until told to stop
		Delay:       reconnectDelay,
		MaxDelay:    reconnectMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clock.WallClock,
		Stop:        stopping,
		NotifyFunc: func(lastError error, attempt int) {
			log.Printf("Tunnel attempt %d failed: %s. Retrying...", attempt, lastError)
		},
	})
	if err != nil && !stopRequested(stopping) {
		log.Fatalf("Giving up on tunnel: %s", err)
	}
}

// runDetached brings the tunnel up, reports the bound port and then just
// supervises: reacting to shutdown and, when asked to, reconnecting after
// the server drops us.
func runDetached(ctx context.Context, manager *sshreverse.Manager, stopping <-chan struct{}, lost <-chan sshreverse.SessionInfo, reconnect bool) {
	if err := manager.Create(ctx, true); err != nil {
		log.Fatalf("Could not establish tunnel: %s", err)
	}
	if port, ok := manager.BoundPort(); ok {
		log.Printf("Tunnel up, remote port %d", port)
	}

	for {
		select {
		case <-stopping:
			return
		case info := <-lost:
			if !reconnect {
				log.Fatalf("Tunnel on remote port %d closed by the server", info.BoundPort)
			}
			log.Printf("Tunnel on remote port %d closed by the server. Reconnecting...", info.BoundPort)
			err := retry.Call(retry.CallArgs{
				Func: func() error {
					return manager.Create(ctx, true)
				},
				Attempts:    -1,
				Delay:       reconnectDelay,
				MaxDelay:    reconnectMaxDelay,
				BackoffFunc: retry.DoubleDelay,
				Clock:       clock.WallClock,
				Stop:        stopping,
				NotifyFunc: func(lastError error, attempt int) {
					log.Printf("Tunnel attempt %d failed: %s. Retrying...", attempt, lastError)
				},
			})
			if err != nil {
				if stopRequested(stopping) {
					return
				}
				log.Fatalf("Giving up on tunnel: %s", err)
			}
			if port, ok := manager.BoundPort(); ok {
				log.Printf("Tunnel up, remote port %d", port)
			}
		}
	}
}

func stopRequested(stopping <-chan struct{}) bool {
	select {
	case <-stopping:
		return true
	default:
		return false
	}
}
