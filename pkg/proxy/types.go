// Package proxy contains the interception pipeline: the downstream TLS
// terminator, the upstream TLS originator and the connection supervisor that
// binds them to the session relay.
package proxy

import (
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionIDKey is the context key carrying the per-connection uuid.
type ConnectionIDKey struct{}

// ConnectionRecord is the structured completion event emitted once per
// accepted connection.
type ConnectionRecord struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	ClientAddr   string    `json:"client_addr"`
	Host         string    `json:"host,omitempty"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
	DurationSecs float64   `json:"duration_secs"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
}

// ConnectionObserver receives ConnectionRecords. NotifyObserver invokes
// observers asynchronously.
type ConnectionObserver func(ConnectionRecord)

// Metrics is the minimal counter/histogram surface the supervisor reports to.
type Metrics interface {
	IncTotalConnections()
	IncRelayed()
	IncHandshakeFailures()
	IncCryptoFailures()
	IncResolutionFailures()
	IncUpstreamUnreachable()
	IncIdleTimeouts()
	IncCancelled()
	IncRejected()
	AddBytes(in, out int64)
	InflightAdd(id string)
	InflightRemove(id string)
	ObserveDuration(outcome string, seconds float64)
}

// NotifyObserver invokes an observer asynchronously. A panicking observer is
// logged and does not affect the connection that produced the record.
func NotifyObserver(obs ConnectionObserver, rec ConnectionRecord) {
	if obs == nil {
		return
	}
	go func(r ConnectionRecord) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("panic", err).
					Str("record_id", r.ID).
					Str("record_host", r.Host).
					Str("record_outcome", r.Outcome).
					Msg("observer panicked")
			}
		}()
		obs(r)
	}(rec)
}
