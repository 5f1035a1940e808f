package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/ampctl/internal/lg"
)

// Session is one interactive shell on one device. It is owned by a single
// worker goroutine; only Close is safe to call from elsewhere.
type Session struct {
	addr    string
	client  *ssh.Client
	relay   *ssh.Client
	shell   *ssh.Session
	stdin   io.WriteCloser
	chunks  chan []byte
	done    chan struct{}
	breaker *gobreaker.CircuitBreaker
	log     lg.Logger

	closeOnce sync.Once
	closeErr  error
}

// Addr returns the device address this session is attached to.
func (s *Session) Addr() string { return s.addr }

// pump copies shell output into the chunk channel. The channel is closed on
// exit so readers can detect a dead session. A device that keeps talking
// after its consumer stopped draining would otherwise park the send forever,
// so every send also watches the session's done channel.
func (s *Session) pump(stdout io.Reader) {
	defer close(s.chunks)
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				s.log.Debug("shell read ended", lg.String("addr", s.addr), lg.Err(err))
			}
			return
		}
	}
}

// Send writes a command line to the shell.
func (s *Session) Send(cmd string) error {
	if _, err := io.WriteString(s.stdin, cmd+"\n"); err != nil {
		return fmt.Errorf("send %q to %s: %w", cmd, s.addr, err)
	}
	return nil
}

// Chunks exposes shell output as it arrives. The channel closes when the
// shell closes.
func (s *Session) Chunks() <-chan []byte {
	return s.chunks
}

// WaitReady consumes output until the login prompt appears, so the first
// command is not typed into a half-initialized shell.
func (s *Session) WaitReady(ctx context.Context, marker string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var buf strings.Builder
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return fmt.Errorf("shell on %s closed before prompt", s.addr)
			}
			buf.Write(chunk)
			if strings.Contains(buf.String(), marker) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("no prompt %q on %s within %s", marker, s.addr, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Exec runs a single non-interactive command on a fresh channel of the same
// connection, leaving the shell untouched. Used for stat and transfer of
// result files.
func (s *Session) Exec(ctx context.Context, cmd string) ([]byte, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		return s.client.NewSession()
	})
	if err != nil {
		return nil, fmt.Errorf("exec session on %s: %w", s.addr, err)
	}
	sess := res.(*ssh.Session)
	defer sess.Close()

	type execResult struct {
		out []byte
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- execResult{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
}

// Close tears the session down and releases the pump goroutine. Safe to call
// more than once and from a goroutine other than the owner; later calls
// return the first error.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.shell != nil {
			s.shell.Close()
		}
		if s.client != nil {
			if err := s.client.Close(); err != nil {
				s.closeErr = err
			}
		}
		if s.relay != nil {
			if err := s.relay.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
