package replica

import (
	"time"

	"github.com/cdigby/distributed-stock-management-system/internal/pubsub"
)

// Status classifies the outcome of a submitted command
type Status int

const (
	// StatusCreateItemOK confirms item creation
	StatusCreateItemOK Status = iota
	// StatusDeleteItemOK confirms item deletion
	StatusDeleteItemOK
	// StatusAddStockOK confirms a stock increase; Qty holds the new level
	StatusAddStockOK
	// StatusRemoveStockOK confirms a stock decrease; Qty holds the new level
	StatusRemoveStockOK
	// StatusQueryStockOK carries the queried level in Qty
	StatusQueryStockOK
	// StatusErrDuplicateItem rejects creating an item that already exists
	StatusErrDuplicateItem
	// StatusErrNoSuchItem rejects operating on an unknown item
	StatusErrNoSuchItem
	// StatusErrInsufficientStock rejects removing more stock than present
	StatusErrInsufficientStock
	// StatusAbort reports that another proposer outran this command
	StatusAbort
	// StatusTimeout reports that consensus made no progress in time
	StatusTimeout
	// StatusFail reports client-side retry exhaustion; never sent by a
	// replica
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusCreateItemOK:
		return "CreateItemOK"
	case StatusDeleteItemOK:
		return "DeleteItemOK"
	case StatusAddStockOK:
		return "AddStockOK"
	case StatusRemoveStockOK:
		return "RemoveStockOK"
	case StatusQueryStockOK:
		return "QueryStockOK"
	case StatusErrDuplicateItem:
		return "ErrDuplicateItem"
	case StatusErrNoSuchItem:
		return "ErrNoSuchItem"
	case StatusErrInsufficientStock:
		return "ErrInsufficientStock"
	case StatusAbort:
		return "Abort"
	case StatusTimeout:
		return "Timeout"
	case StatusFail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// OK reports whether the status is a successful application outcome
func (s Status) OK() bool {
	switch s {
	case StatusCreateItemOK, StatusDeleteItemOK, StatusAddStockOK, StatusRemoveStockOK, StatusQueryStockOK:
		return true
	default:
		return false
	}
}

// Reply is the outcome of applying a command to the store
type Reply struct {
	Status Status
	Qty    uint64
}

// MessageType identifies the type of replica-facing message
type MessageType int

const (
	// SubmitCommandMsg carries a client command to a replica
	SubmitCommandMsg MessageType = iota
	// HeartbeatRequestMsg probes a replica for liveness
	HeartbeatRequestMsg
	// HeartbeatReplyMsg answers a heartbeat probe
	HeartbeatReplyMsg
	// CommandReplyMsg carries a command outcome back to a client
	CommandReplyMsg
)

func (m MessageType) String() string {
	switch m {
	case SubmitCommandMsg:
		return "SubmitCommand"
	case HeartbeatRequestMsg:
		return "HeartbeatRequest"
	case HeartbeatReplyMsg:
		return "HeartbeatReply"
	case CommandReplyMsg:
		return "CommandReply"
	default:
		return "Unknown"
	}
}

// Message represents a message on the client-facing wire
type Message struct {
	Type     MessageType
	From     string // Sender's ID
	FromAddr string // Sender's address

	// SubmitCommand
	Command *Command

	// HeartbeatRequest: address the reply should go to
	ProbeAddr string

	// HeartbeatReply: the replying replica's name
	Replica string

	// CommandReply
	CommandID string
	Status    Status
	Qty       uint64
}

// Config holds the configuration of a replica
type Config struct {
	// NodeID is the unique identifier for this replica. Client
	// backends rank replicas by this name, so it must be stable and
	// unique across the cluster.
	NodeID string

	// BindAddr is the client-facing address this replica binds to
	BindAddr string

	// AdvertiseAddr is the client-facing address clients use to reach
	// this replica
	AdvertiseAddr string

	// ProposeTimeout bounds a single consensus proposal
	ProposeTimeout time.Duration

	// JournalPath, when non-empty, enables the bbolt applied-command
	// journal at that path. The journal is an audit record only; it is
	// never read back on startup.
	JournalPath string

	// Bus, when non-nil, receives CommandAppliedEvent notifications
	Bus *pubsub.Bus

	// Logger for debugging
	Logger Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		ProposeTimeout: 5 * time.Second,
		Logger:         &defaultLogger{},
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

// CommandAppliedEvent is published on the bus for every command applied
// to the local store
const CommandAppliedEvent pubsub.EventType = 1

// AppliedPayload carries the details of an applied command
type AppliedPayload struct {
	Instance uint64
	Command  *Command
	Status   Status
	Qty      uint64
}
