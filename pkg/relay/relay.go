// Package relay couples two established byte streams into one session,
// copying concurrently in both directions until both sides finish, the
// session goes idle, or the owning context is cancelled.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrIdleTimeout ends a session that saw no traffic in either direction for
// the configured window. It is a graceful termination, not a failure.
var ErrIdleTimeout = errors.New("session idle timeout")

// writeHalfCloser is the shutdown-write half of a bidirectional stream.
// Both *net.TCPConn and *tls.Conn implement it.
type writeHalfCloser interface {
	CloseWrite() error
}

// activityConn stamps a shared clock on every successful read so the idle
// watchdog can observe traffic in either direction.
type activityConn struct {
	net.Conn
	lastActive *atomic.Int64
	count      *atomic.Int64
}

func (c *activityConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.count.Add(int64(n))
		c.lastActive.Store(time.Now().UnixNano())
	}
	return n, err
}

// Run relays bytes between the client-facing and origin-facing streams until
// both directions reach end-of-stream. End-of-stream in one direction
// half-closes the opposite stream while the other direction keeps draining.
//
// The session also ends when idleTimeout elapses with no traffic (returning
// ErrIdleTimeout) or when ctx is cancelled (returning ctx.Err()); in either
// case both underlying streams are closed promptly. Returns bytes read from
// the client and bytes read from the origin.
func Run(ctx context.Context, client, origin net.Conn, idleTimeout time.Duration) (int64, int64, error) {
	var lastActive atomic.Int64
	var fromClient, fromOrigin atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	clientSide := &activityConn{Conn: client, lastActive: &lastActive, count: &fromClient}
	originSide := &activityConn{Conn: origin, lastActive: &lastActive, count: &fromOrigin}

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr, originErr error
	pump := func(dst net.Conn, src net.Conn, copyErr *error) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		*copyErr = err
		if whc, ok := dst.(writeHalfCloser); ok {
			_ = whc.CloseWrite()
		}
	}
	go pump(origin, clientSide, &clientErr)
	go pump(client, originSide, &originErr)

	// Completion barrier for the watchdog.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var idle, cancelled bool
	interval := idleTimeout / 4
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

watch:
	for {
		select {
		case <-done:
			break watch
		case <-ctx.Done():
			cancelled = true
			_ = client.Close()
			_ = origin.Close()
			break watch
		case <-ticker.C:
			if idleTimeout <= 0 {
				continue
			}
			elapsed := time.Since(time.Unix(0, lastActive.Load()))
			if elapsed >= idleTimeout {
				idle = true
				_ = client.Close()
				_ = origin.Close()
				break watch
			}
		}
	}
	wg.Wait()
	_ = client.Close()
	_ = origin.Close()

	in, out := fromClient.Load(), fromOrigin.Load()
	switch {
	case cancelled:
		return in, out, ctx.Err()
	case idle:
		return in, out, ErrIdleTimeout
	}
	if err := firstRealError(clientErr, originErr); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("relay copy error")
		return in, out, err
	}
	return in, out, nil
}

// firstRealError filters the errors a normal teardown produces: EOF on either
// side, and "use of closed network connection" after our own close.
func firstRealError(errs ...error) error {
	for _, err := range errs {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			continue
		}
		return err
	}
	return nil
}
