// Package transport opens interactive shells on devices that sit behind a
// relay host. The two-hop dial and the error taxonomy live here; what gets
// typed into the shell is the engine's business.
package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/ampctl/internal/lg"
	"github.com/andrej220/ampctl/internal/profile"
)

// ErrorKind classifies connection failures so callers can report which hop
// failed without parsing error strings.
type ErrorKind int

const (
	RelayUnreachable ErrorKind = iota
	TargetUnreachable
	AuthRejected
)

func (k ErrorKind) String() string {
	switch k {
	case RelayUnreachable:
		return "relay unreachable"
	case TargetUnreachable:
		return "target unreachable"
	case AuthRejected:
		return "auth rejected"
	default:
		return "unknown"
	}
}

// ConnectError is returned for every failed Open, wrapping the underlying
// cause with the hop that failed.
type ConnectError struct {
	Kind ErrorKind
	Host string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Host, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Dialer opens device sessions. A shared circuit breaker guards session
// opens so a flapping relay fails fast instead of stalling every worker.
type Dialer struct {
	DialTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker
	log         lg.Logger
}

func NewDialer(log lg.Logger) *Dialer {
	if log == nil {
		log = lg.Discard
	}
	cbs := gobreaker.Settings{
		Name:        "ssh-session",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Dialer{
		DialTimeout: 10 * time.Second,
		breaker:     gobreaker.NewCircuitBreaker(cbs),
		log:         log,
	}
}

func clientConfig(user, password string, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
		BannerCallback:  func(string) error { return nil },
	}
}

func isAuthErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}

// Open dials the device at addr using the profile's credentials. When the
// profile names a relay, the device connection is tunneled through it;
// otherwise the device is dialed directly.
func (d *Dialer) Open(ctx context.Context, p profile.Profile, addr string) (*Session, error) {
	targetCfg := clientConfig(p.Username, p.Password, d.DialTimeout)

	var client, relay *ssh.Client
	if p.Relay.Host != "" {
		relayUser := p.Relay.Username
		if relayUser == "" {
			relayUser = p.Username
		}
		relayCfg := clientConfig(relayUser, p.Password, d.DialTimeout)

		rc, err := ssh.Dial("tcp", p.Relay.Host, relayCfg)
		if err != nil {
			kind := RelayUnreachable
			if isAuthErr(err) {
				kind = AuthRejected
			}
			return nil, &ConnectError{Kind: kind, Host: p.Relay.Host, Err: err}
		}
		relay = rc

		conn, err := relay.Dial("tcp", addr)
		if err != nil {
			relay.Close()
			return nil, &ConnectError{Kind: TargetUnreachable, Host: addr, Err: err}
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, targetCfg)
		if err != nil {
			conn.Close()
			relay.Close()
			kind := TargetUnreachable
			if isAuthErr(err) {
				kind = AuthRejected
			}
			return nil, &ConnectError{Kind: kind, Host: addr, Err: err}
		}
		client = ssh.NewClient(c, chans, reqs)
	} else {
		nd := net.Dialer{Timeout: d.DialTimeout}
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, &ConnectError{Kind: TargetUnreachable, Host: addr, Err: err}
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, targetCfg)
		if err != nil {
			conn.Close()
			kind := TargetUnreachable
			if isAuthErr(err) {
				kind = AuthRejected
			}
			return nil, &ConnectError{Kind: kind, Host: addr, Err: err}
		}
		client = ssh.NewClient(c, chans, reqs)
	}

	sess, err := d.newShell(client, addr)
	if err != nil {
		client.Close()
		if relay != nil {
			relay.Close()
		}
		return nil, &ConnectError{Kind: TargetUnreachable, Host: addr, Err: err}
	}
	sess.relay = relay
	d.log.Debug("session opened", lg.String("addr", addr), lg.Bool("relayed", relay != nil))
	return sess, nil
}

// newShell opens the interactive channel through the breaker and starts the
// chunk pump.
func (d *Dialer) newShell(client *ssh.Client, addr string) (*Session, error) {
	res, err := d.breaker.Execute(func() (any, error) {
		return client.NewSession()
	})
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	sh := res.(*ssh.Session)

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sh.RequestPty("vt100", 80, 200, modes); err != nil {
		sh.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sh.StdinPipe()
	if err != nil {
		sh.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sh.StdoutPipe()
	if err != nil {
		sh.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := sh.Shell(); err != nil {
		sh.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &Session{
		addr:    addr,
		client:  client,
		shell:   sh,
		stdin:   stdin,
		chunks:  make(chan []byte, 16),
		done:    make(chan struct{}),
		breaker: d.breaker,
		log:     d.log,
	}
	go s.pump(stdout)
	return s, nil
}
