package backend

import (
	"time"

	"github.com/cdigby/distributed-stock-management-system/internal/pubsub"
)

// Config holds the configuration of a client backend
type Config struct {
	// ClientID is the unique identifier for this backend
	ClientID string

	// BindAddr is the address this backend binds to for heartbeat
	// replies and command outcomes
	BindAddr string

	// AdvertiseAddr is the address replicas send replies to. When
	// empty it is resolved from the bound socket on Start, which
	// supports binding to port zero.
	AdvertiseAddr string

	// Servers maps replica names to their client-facing addresses.
	// Names are ranked lexicographically: every backend trusts the
	// lowest-named replica it does not suspect, so backends with equal
	// suspicions agree on the leader.
	Servers map[string]string

	// InitialDelay is the starting heartbeat period
	InitialDelay time.Duration

	// DeltaDelay is added to the period after a false suspicion
	DeltaDelay time.Duration

	// LeaderWait bounds a single wait for a leader to be known
	LeaderWait time.Duration

	// ReplyTimeout bounds the wait for a replica's reply to a command
	ReplyTimeout time.Duration

	// MaxAttempts is the total number of submission attempts before a
	// command is failed
	MaxAttempts int

	// Bus, when non-nil, receives LeaderChangedEvent notifications
	Bus *pubsub.Bus

	// Logger for debugging
	Logger Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		InitialDelay: 2 * time.Second,
		DeltaDelay:   2 * time.Second,
		LeaderWait:   1 * time.Second,
		ReplyTimeout: 6 * time.Second,
		MaxAttempts:  5,
		Logger:       &defaultLogger{},
	}
}

// Logger interface for logging
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// defaultLogger is a no-op logger implementation
type defaultLogger struct{}

func (l *defaultLogger) Debugf(_ string, _ ...interface{}) {}
func (l *defaultLogger) Infof(_ string, _ ...interface{})  {}
func (l *defaultLogger) Warnf(_ string, _ ...interface{})  {}
func (l *defaultLogger) Errorf(_ string, _ ...interface{}) {}

// LeaderChangedEvent is published on the bus whenever the elector's
// trusted leader changes
const LeaderChangedEvent pubsub.EventType = 1

// LeaderChangePayload carries the old and new leader names. Either may
// be empty when no replica is trusted.
type LeaderChangePayload struct {
	Old string
	New string
}
