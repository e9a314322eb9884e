package paxos

import (
	"time"
)

// MessageType identifies the type of Paxos protocol message
type MessageType int

const (
	// PrepareMsg is phase-one ballot solicitation from a proposer
	PrepareMsg MessageType = iota
	// PreparedMsg is an acceptor's promise for a prepare
	PreparedMsg
	// AcceptMsg asks acceptors to accept a value at a ballot
	AcceptMsg
	// AcceptedMsg is an acceptor's acknowledgement of an accept
	AcceptedMsg
	// NackMsg rejects a prepare or accept carrying a stale ballot
	NackMsg
	// DecideMsg announces the chosen value for an instance
	DecideMsg
)

func (m MessageType) String() string {
	switch m {
	case PrepareMsg:
		return "Prepare"
	case PreparedMsg:
		return "Prepared"
	case AcceptMsg:
		return "Accept"
	case AcceptedMsg:
		return "Accepted"
	case NackMsg:
		return "Nack"
	case DecideMsg:
		return "Decide"
	default:
		return "Unknown"
	}
}

// Message represents a Paxos protocol message between peers
type Message struct {
	Type     MessageType
	From     string // Sender's node ID
	FromAddr string // Sender's address
	Instance uint64 // Consensus instance this message belongs to
	Ballot   uint64 // Ballot the message is carrying

	// AcceptedBallot and AcceptedValue report an acceptor's highest
	// accepted proposal in a Prepared message. AcceptedBallot zero
	// means nothing accepted yet.
	AcceptedBallot uint64
	AcceptedValue  []byte

	// Value carries the proposed value in Accept and the chosen value
	// in Decide.
	Value []byte
}

// ResultKind classifies the outcome delivered to a local proposer
type ResultKind int

const (
	// ResultDecision means the instance decided; Result.Value holds the
	// chosen value, which may differ from the proposed one
	ResultDecision ResultKind = iota
	// ResultAbort means the proposal was outrun by a higher ballot
	ResultAbort
)

func (k ResultKind) String() string {
	switch k {
	case ResultDecision:
		return "Decision"
	case ResultAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// Result is the outcome of a Propose call
type Result struct {
	Kind  ResultKind
	Value []byte
}

// Config holds the configuration of a Paxos node
type Config struct {
	// NodeID is the unique identifier for this node
	NodeID string

	// BindAddr is the address this node binds to
	BindAddr string

	// AdvertiseAddr is the address peers use to reach this node
	AdvertiseAddr string

	// Peers is the full participant list, self included. Order must be
	// identical on every node: a node's index in this list seeds its
	// ballot progression.
	Peers []string

	// Logger for debugging
	Logger Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Logger: &defaultLogger{},
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

// DecisionCallback is invoked once per instance when this node first
// learns the instance's decision. Callbacks run outside the node's
// lock but must not block for long.
type DecisionCallback func(instance uint64, value []byte)

// instance holds the per-instance acceptor, learner and proposer state
// of this node. All fields are guarded by the owning node's mutex.
type instance struct {
	// Acceptor state
	bal  uint64 // highest ballot promised
	aBal uint64 // highest ballot accepted
	aVal []byte // value accepted at aBal

	// Learner state
	decided  bool
	decision []byte

	// Proposer state, meaningful only while this node is proposing
	proposal          []byte
	proposalBal       uint64
	preparedResponses int
	prepareHighestBal uint64
	prepareHighestVal []byte
	value             []byte // value broadcast in the accept phase
	acceptedResponses int
	acceptSent        bool
	resultCh          chan Result // local caller awaiting the outcome
	proposedAt        time.Time
}
