package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/jnovack/tls-proxy/pkg/relay"
)

// Supervisor accepts connections and runs each through the interception
// pipeline in an isolated goroutine, bounded by a global concurrency limit.
type Supervisor struct {
	Addr       string
	Terminator *Terminator
	Originator *Originator

	// MaxConns bounds concurrent connections; beyond it new connections are
	// rejected immediately. Defaults to 256.
	MaxConns int64

	// IdleTimeout ends sessions with no traffic in either direction.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the downstream handshake. Defaults to 15s.
	HandshakeTimeout time.Duration

	// Grace bounds how long Close waits for in-flight sessions. Defaults to 5s.
	Grace time.Duration

	Metrics  Metrics
	Observer ConnectionObserver
	Records  *RecordStore

	ln           net.Listener
	sem          *semaphore.Weighted
	done         chan struct{}
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Start binds the listener and begins accepting until Close is called or the
// listener fails.
func (s *Supervisor) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.done = make(chan struct{})
	if s.MaxConns <= 0 {
		s.MaxConns = 256
	}
	s.sem = semaphore.NewWeighted(s.MaxConns)
	if s.Records == nil {
		s.Records = NewRecordStore(1000)
	}

	connCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.acceptLoop(connCtx)
	log.Info().Str("addr", ln.Addr().String()).Int64("max_conns", s.MaxConns).Msg("supervisor started")
	return nil
}

// ListenAddr returns the bound listener address.
func (s *Supervisor) ListenAddr() net.Addr {
	return s.ln.Addr()
}

// Close stops the listener, cancels in-flight sessions and waits for them up
// to the grace period.
func (s *Supervisor) Close() error {
	s.shutdownOnce.Do(func() {
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.done != nil {
			close(s.done)
		}
		if s.cancel != nil {
			s.cancel()
		}
	})

	grace := s.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("sessions still draining past grace period")
	}
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("listener closed, exiting accept loop")
				return
			}
			log.Warn().Err(err).Msg("accept error, retrying")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.reject(conn)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// reject closes a connection beyond the concurrency limit and records it.
func (s *Supervisor) reject(conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	_ = conn.Close()
	if s.Metrics != nil {
		s.Metrics.IncRejected()
	}
	rec := ConnectionRecord{
		ID:         uuid.Must(uuid.NewV7()).String(),
		Time:       time.Now(),
		ClientAddr: clientAddr,
		Outcome:    OutcomeRejected,
	}
	s.Records.Add(rec)
	NotifyObserver(s.Observer, rec)
	log.Warn().Str("client", clientAddr).Msg("connection rejected: concurrency limit reached")
}

// handleConn drives one connection through handshake, upstream dial and
// relay. Within a connection the downstream handshake strictly precedes the
// upstream dial, which strictly precedes relay start. A panic here is
// contained to this connection.
func (s *Supervisor) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("client", conn.RemoteAddr().String()).Msg("connection handler panicked")
		}
	}()

	connID := uuid.Must(uuid.NewV7())
	ctx = context.WithValue(ctx, ConnectionIDKey{}, connID)
	logger := log.With().Str("connection_id", connID.String()).Logger()
	ctx = logger.WithContext(ctx)

	start := time.Now()
	if s.Metrics != nil {
		s.Metrics.IncTotalConnections()
		s.Metrics.InflightAdd(connID.String())
		defer s.Metrics.InflightRemove(connID.String())
	}

	handshakeTimeout := s.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 15 * time.Second
	}

	var host string
	var bytesIn, bytesOut int64
	var err error

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	downstream, host, err := s.Terminator.Handshake(ctx, conn)
	if err == nil {
		_ = conn.SetDeadline(time.Time{})
		logger.Debug().Str("host", host).Msg("downstream handshake complete")

		var upstream net.Conn
		upstream, err = s.Originator.Connect(ctx, host)
		if err == nil {
			bytesIn, bytesOut, err = relay.Run(ctx, downstream, upstream, s.IdleTimeout)
		} else {
			_ = downstream.Close()
		}
	}

	outcome := Outcome(err)
	duration := time.Since(start)
	if s.Metrics != nil {
		s.countOutcome(outcome)
		s.Metrics.AddBytes(bytesIn, bytesOut)
		s.Metrics.ObserveDuration(outcome, duration.Seconds())
	}

	rec := ConnectionRecord{
		ID:           connID.String(),
		Time:         time.Now(),
		ClientAddr:   conn.RemoteAddr().String(),
		Host:         host,
		BytesIn:      bytesIn,
		BytesOut:     bytesOut,
		DurationSecs: duration.Seconds(),
		Outcome:      outcome,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	s.Records.Add(rec)
	NotifyObserver(s.Observer, rec)

	evt := logger.Info()
	if outcome != OutcomeRelayed && outcome != OutcomeIdleTimeout && outcome != OutcomeCancelled {
		evt = logger.Warn().Err(err)
	}
	evt.Str("client", conn.RemoteAddr().String()).
		Str("host", host).
		Int64("bytes_in", bytesIn).
		Int64("bytes_out", bytesOut).
		Dur("duration", duration).
		Str("outcome", outcome).
		Msg("connection closed")
}

func (s *Supervisor) countOutcome(outcome string) {
	switch outcome {
	case OutcomeRelayed:
		s.Metrics.IncRelayed()
	case OutcomeCryptoFailure:
		s.Metrics.IncCryptoFailures()
	case OutcomeHandshakeFailure, OutcomeError:
		s.Metrics.IncHandshakeFailures()
	case OutcomeResolutionFailed:
		s.Metrics.IncResolutionFailures()
	case OutcomeUpstreamUnreachable:
		s.Metrics.IncUpstreamUnreachable()
	case OutcomeIdleTimeout:
		s.Metrics.IncIdleTimeouts()
	case OutcomeCancelled:
		s.Metrics.IncCancelled()
	}
}
