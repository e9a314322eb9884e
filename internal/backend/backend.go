package backend

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cdigby/distributed-stock-management-system/internal/replica"
)

var (
	ErrNotStarted    = errors.New("backend not started")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Backend is the client-side entry point to the cluster. It runs the
// leader elector and exposes the stock operations, funnelling each
// command to the currently trusted leader and retrying on transient
// consensus failures.
//
// Operation outcomes:
//   - application statuses (ok / duplicate / no such item /
//     insufficient stock) pass through unchanged;
//   - StatusTimeout means the leader reported that consensus made no
//     progress in time, or no reply arrived within ReplyTimeout;
//   - StatusFail means every retry attempt was used up by aborts,
//     leaderless rounds or failed sends, or the backend was not started
//     or was stopped while waiting.
type Backend struct {
	config    *Config
	transport replica.Transport
	elector   *Elector

	mu      sync.Mutex
	waiters map[string]chan replica.Reply
	started bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a new client backend
func New(config *Config) (*Backend, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	b := &Backend{
		config:  config,
		waiters: make(map[string]chan replica.Reply),
		stopCh:  make(chan struct{}),
	}

	b.transport = replica.NewUDPTransport(config.BindAddr, config.Logger)
	b.transport.SetMessageHandler(b.handleMessage)
	b.elector = NewElector(config, b.transport)

	return b, nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.ClientID == "" {
		return fmt.Errorf("%w: ClientID is required", ErrInvalidConfig)
	}
	if config.BindAddr == "" {
		return fmt.Errorf("%w: BindAddr is required", ErrInvalidConfig)
	}
	if len(config.Servers) == 0 {
		return fmt.Errorf("%w: Servers list is required", ErrInvalidConfig)
	}
	if config.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Start starts the backend
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	if err := b.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	// Binding to port zero is allowed; learn the reply address from
	// the socket.
	if b.config.AdvertiseAddr == "" {
		if udp, ok := b.transport.(*replica.UDPTransport); ok {
			b.config.AdvertiseAddr = udp.LocalAddr()
		} else {
			b.config.AdvertiseAddr = b.config.BindAddr
		}
	}

	b.elector.Start()
	b.started = true

	b.config.Logger.Infof("[Backend] %s started at %s", b.config.ClientID, b.config.AdvertiseAddr)
	return nil
}

// Stop stops the backend
func (b *Backend) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.elector.Stop()
		if err := b.transport.Stop(); err != nil {
			b.config.Logger.Errorf("[Backend] Error stopping transport: %v", err)
		}

		b.mu.Lock()
		b.started = false
		b.mu.Unlock()

		b.config.Logger.Infof("[Backend] %s stopped", b.config.ClientID)
	})
	return nil
}

// Elector returns the backend's leader elector
func (b *Backend) Elector() *Elector {
	return b.elector
}

// handleMessage dispatches incoming messages to the elector or to the
// submission waiting for the reply
func (b *Backend) handleMessage(msg *replica.Message) {
	switch msg.Type {
	case replica.HeartbeatReplyMsg:
		b.elector.HandleHeartbeatReply(msg.Replica)
	case replica.CommandReplyMsg:
		b.deliverReply(msg)
	default:
		b.config.Logger.Warnf("[Backend] Unexpected message type: %v", msg.Type)
	}
}

// deliverReply hands a command outcome to its waiter, dropping
// duplicates and replies for abandoned submissions
func (b *Backend) deliverReply(msg *replica.Message) {
	b.mu.Lock()
	ch, ok := b.waiters[msg.CommandID]
	if ok {
		delete(b.waiters, msg.CommandID)
	}
	b.mu.Unlock()

	if !ok {
		b.config.Logger.Debugf("[Backend] Dropping reply for unknown command %s", msg.CommandID)
		return
	}
	ch <- replica.Reply{Status: msg.Status, Qty: msg.Qty}
}

func (b *Backend) registerWaiter(commandID string) chan replica.Reply {
	ch := make(chan replica.Reply, 1)
	b.mu.Lock()
	b.waiters[commandID] = ch
	b.mu.Unlock()
	return ch
}

func (b *Backend) unregisterWaiter(commandID string) {
	b.mu.Lock()
	delete(b.waiters, commandID)
	b.mu.Unlock()
}

// CreateItem registers a new item with zero stock
func (b *Backend) CreateItem(item string) replica.Status {
	checkItem(item)
	rep := b.submit(replica.CreateItem, item, 0)
	return rep.Status
}

// DeleteItem removes an item
func (b *Backend) DeleteItem(item string) replica.Status {
	checkItem(item)
	rep := b.submit(replica.DeleteItem, item, 0)
	return rep.Status
}

// AddStock increases an item's stock by qty and returns the new level
func (b *Backend) AddStock(item string, qty uint64) (uint64, replica.Status) {
	checkItem(item)
	checkQty(qty)
	rep := b.submit(replica.AddStock, item, qty)
	return rep.Qty, rep.Status
}

// RemoveStock decreases an item's stock by qty and returns the new
// level
func (b *Backend) RemoveStock(item string, qty uint64) (uint64, replica.Status) {
	checkItem(item)
	checkQty(qty)
	rep := b.submit(replica.RemoveStock, item, qty)
	return rep.Qty, rep.Status
}

// QueryStock returns an item's current stock level. Queries run through
// consensus like every other command, so a backend reads its own
// writes regardless of which replica serves it.
func (b *Backend) QueryStock(item string) (uint64, replica.Status) {
	checkItem(item)
	rep := b.submit(replica.QueryStock, item, 0)
	return rep.Qty, rep.Status
}

// checkItem and checkQty guard the API boundary. Violations are
// programmer errors and never reach a replica.
func checkItem(item string) {
	if item == "" {
		panic("backend: item name must not be empty")
	}
}

func checkQty(qty uint64) {
	if qty < 1 {
		panic("backend: quantity must be at least 1")
	}
}

// submit runs the bounded retry loop for one command. A leaderless wait,
// a failed send and an abort each consume one attempt; a reply timeout and every
// application-level outcome are terminal.
func (b *Backend) submit(cmdType replica.CommandType, item string, qty uint64) replica.Reply {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		b.config.Logger.Errorf("[Backend] Submit before Start")
		return replica.Reply{Status: replica.StatusFail}
	}

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		leaderName, leaderAddr, ok := b.waitForLeader()
		if !ok {
			b.config.Logger.Warnf("[Backend] %s no leader available (attempt %d/%d)",
				b.config.ClientID, attempt, b.config.MaxAttempts)
			continue
		}

		cmd := replica.NewCommand(cmdType, item, qty, b.config.ClientID, b.config.AdvertiseAddr)
		ch := b.registerWaiter(cmd.ID)

		msg := &replica.Message{
			Type:     replica.SubmitCommandMsg,
			From:     b.config.ClientID,
			FromAddr: b.config.AdvertiseAddr,
			Command:  cmd,
		}
		if err := b.transport.SendMessage(leaderAddr, msg); err != nil {
			b.config.Logger.Errorf("[Backend] Failed to submit to %s: %v", leaderName, err)
			b.unregisterWaiter(cmd.ID)
			continue
		}

		b.config.Logger.Debugf("[Backend] %s submitted %s %s to %s (attempt %d/%d)",
			b.config.ClientID, cmdType, item, leaderName, attempt, b.config.MaxAttempts)

		timer := time.NewTimer(b.config.ReplyTimeout)
		select {
		case rep := <-ch:
			timer.Stop()
			if rep.Status == replica.StatusAbort {
				b.config.Logger.Debugf("[Backend] %s command %s aborted, retrying", b.config.ClientID, cmd.ID)
				continue
			}
			return rep
		case <-timer.C:
			b.unregisterWaiter(cmd.ID)
			return replica.Reply{Status: replica.StatusTimeout}
		case <-b.stopCh:
			timer.Stop()
			b.unregisterWaiter(cmd.ID)
			return replica.Reply{Status: replica.StatusFail}
		}
	}

	return replica.Reply{Status: replica.StatusFail}
}

// waitForLeader polls the elector for up to LeaderWait. When no leader
// emerges it sleeps out the wait so a leaderless burst does not spin
// through the remaining attempts instantly.
func (b *Backend) waitForLeader() (string, string, bool) {
	deadline := time.Now().Add(b.config.LeaderWait)
	for {
		if name, addr, ok := b.elector.Leader(); ok {
			return name, addr, true
		}
		if time.Now().After(deadline) {
			return "", "", false
		}

		select {
		case <-time.After(50 * time.Millisecond):
		case <-b.stopCh:
			return "", "", false
		}
	}
}
