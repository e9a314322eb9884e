package replica

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CommandType identifies the operation a command performs on the stock
// store
type CommandType int

const (
	// CreateItem registers a new item with zero stock
	CreateItem CommandType = iota
	// DeleteItem removes an item and its stock level
	DeleteItem
	// AddStock increases an item's stock level
	AddStock
	// RemoveStock decreases an item's stock level
	RemoveStock
	// QueryStock reads an item's stock level
	QueryStock
)

func (t CommandType) String() string {
	switch t {
	case CreateItem:
		return "CreateItem"
	case DeleteItem:
		return "DeleteItem"
	case AddStock:
		return "AddStock"
	case RemoveStock:
		return "RemoveStock"
	case QueryStock:
		return "QueryStock"
	default:
		return "Unknown"
	}
}

// Command is one client operation submitted to the replicated state
// machine. The ID is unique per submission and is what replicas use to
// recognise a command they have already applied, so a command decided
// in an earlier instance is never applied twice. ClientID and
// ClientAddr identify the originating front end; only the replica that
// proposed the command uses them to reply.
type Command struct {
	ID         string
	Type       CommandType
	Item       string
	Qty        uint64
	ClientID   string
	ClientAddr string
}

// NewCommand builds a command with a fresh unique ID
func NewCommand(cmdType CommandType, item string, qty uint64, clientID, clientAddr string) *Command {
	return &Command{
		ID:         uuid.New().String(),
		Type:       cmdType,
		Item:       item,
		Qty:        qty,
		ClientID:   clientID,
		ClientAddr: clientAddr,
	}
}

// Encode serialises the command for use as a consensus value
func (c *Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand deserialises a consensus value back into a command
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("failed to decode command: %w", err)
	}
	return cmd, nil
}
