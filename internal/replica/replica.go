package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cdigby/distributed-stock-management-system/internal/paxos"
	"github.com/cdigby/distributed-stock-management-system/internal/pubsub"
)

var (
	ErrNotStarted    = errors.New("replica not started")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// appliedRecord remembers the outcome of an applied command so a
// duplicate decision of the same command consumes its instance without
// touching the store, and so the original reply can be repeated.
type appliedRecord struct {
	instance uint64
	status   Status
	qty      uint64
}

// Replica is the replicated state machine server. It linearises locally
// submitted commands into the shared consensus log and applies every
// decided command, in instance order, to its deterministic stock store.
//
// Commands arrive over the client-facing transport and queue in a FIFO
// pending list; a single processing goroutine drains the list, catching
// up on instances decided elsewhere before proposing each command at
// the next free instance. Only this replica replies to the clients of
// commands it received; decisions proposed by other replicas are
// applied silently.
type Replica struct {
	config    *Config
	pax       *paxos.Node
	transport Transport
	store     *Store
	journal   *Journal

	mu          sync.Mutex
	pending     []*Command
	lastApplied uint64
	applied     map[string]appliedRecord

	notifyCh chan struct{}
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a replica bound to its collocated consensus module
func New(config *Config, pax *paxos.Node) (*Replica, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if pax == nil {
		return nil, fmt.Errorf("%w: consensus module is required", ErrInvalidConfig)
	}

	r := &Replica{
		config:   config,
		pax:      pax,
		store:    NewStore(),
		applied:  make(map[string]appliedRecord),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	r.transport = NewUDPTransport(config.BindAddr, config.Logger)
	r.transport.SetMessageHandler(r.handleMessage)
	pax.SetDecisionCallback(r.onDecision)

	return r, nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.NodeID == "" {
		return fmt.Errorf("%w: NodeID is required", ErrInvalidConfig)
	}
	if config.BindAddr == "" {
		return fmt.Errorf("%w: BindAddr is required", ErrInvalidConfig)
	}
	if config.AdvertiseAddr == "" {
		return fmt.Errorf("%w: AdvertiseAddr is required", ErrInvalidConfig)
	}
	if config.ProposeTimeout <= 0 {
		return fmt.Errorf("%w: ProposeTimeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Start starts the replica
func (r *Replica) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	if r.config.JournalPath != "" {
		journal, err := OpenJournal(r.config.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		r.journal = journal
	}

	if err := r.transport.Start(); err != nil {
		if r.journal != nil {
			r.journal.Close()
			r.journal = nil
		}
		return fmt.Errorf("failed to start transport: %w", err)
	}

	r.wg.Add(1)
	go r.run()

	r.started = true
	r.config.Logger.Infof("[Replica] %s started at %s", r.config.NodeID, r.config.AdvertiseAddr)
	return nil
}

// Stop stops the replica
func (r *Replica) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if err := r.transport.Stop(); err != nil {
			r.config.Logger.Errorf("[Replica] Error stopping transport: %v", err)
		}
		r.wg.Wait()

		r.mu.Lock()
		r.started = false
		journal := r.journal
		r.journal = nil
		r.mu.Unlock()

		if journal != nil {
			if err := journal.Close(); err != nil {
				r.config.Logger.Errorf("[Replica] Error closing journal: %v", err)
			}
		}

		r.config.Logger.Infof("[Replica] %s stopped", r.config.NodeID)
	})
	return nil
}

// onDecision nudges the processing loop whenever the consensus module
// learns a new decision, so catch-up runs without polling
func (r *Replica) onDecision(_ uint64, _ []byte) {
	r.notify()
}

func (r *Replica) notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

// handleMessage handles incoming client-facing messages
func (r *Replica) handleMessage(msg *Message) {
	switch msg.Type {
	case SubmitCommandMsg:
		r.handleSubmitCommand(msg)
	case HeartbeatRequestMsg:
		r.handleHeartbeatRequest(msg)
	default:
		r.config.Logger.Warnf("[Replica] Unexpected message type: %v", msg.Type)
	}
}

// handleSubmitCommand appends a client command to the pending queue
func (r *Replica) handleSubmitCommand(msg *Message) {
	if msg.Command == nil || msg.Command.ID == "" {
		r.config.Logger.Warnf("[Replica] Dropping malformed submit from %s", msg.FromAddr)
		return
	}

	r.mu.Lock()
	r.pending = append(r.pending, msg.Command)
	depth := len(r.pending)
	r.mu.Unlock()

	r.config.Logger.Debugf("[Replica] %s queued %s %s (pending %d)",
		r.config.NodeID, msg.Command.Type, msg.Command.ID, depth)
	r.notify()
}

// handleHeartbeatRequest answers a backend's liveness probe. Replies go
// out immediately, independent of the processing loop, so a busy
// replica is still seen as alive.
func (r *Replica) handleHeartbeatRequest(msg *Message) {
	if msg.ProbeAddr == "" {
		return
	}

	reply := &Message{
		Type:     HeartbeatReplyMsg,
		From:     r.config.NodeID,
		FromAddr: r.config.AdvertiseAddr,
		Replica:  r.config.NodeID,
	}
	if err := r.transport.SendMessage(msg.ProbeAddr, reply); err != nil {
		r.config.Logger.Errorf("[Replica] Failed to send heartbeat reply to %s: %v", msg.ProbeAddr, err)
	}
}

// run is the replica's single processing goroutine. The replica fate-
// shares with its consensus module: when the module stops, the replica
// stops too so client backends fail it over.
func (r *Replica) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.notifyCh:
			r.process()
		case <-r.pax.Done():
			r.config.Logger.Errorf("[Replica] %s consensus module stopped, shutting down", r.config.NodeID)
			go r.Stop()
			return
		case <-r.stopCh:
			return
		}
	}
}

// process drains the pending queue: catch up on decided instances,
// then propose the oldest pending command at the next free instance.
func (r *Replica) process() {
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.catchUp()

		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return
		}
		cmd := r.pending[0]
		if _, ok := r.applied[cmd.ID]; ok {
			// Decided in an earlier instance and applied during
			// catch-up, which already answered the client.
			r.pending = r.pending[1:]
			r.mu.Unlock()
			continue
		}
		next := r.lastApplied + 1
		r.mu.Unlock()

		payload, err := cmd.Encode()
		if err != nil {
			r.config.Logger.Errorf("[Replica] Failed to encode command %s: %v", cmd.ID, err)
			r.reply(cmd, Reply{Status: StatusAbort})
			r.dropPending(cmd.ID)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.config.ProposeTimeout)
		res, err := r.pax.Propose(ctx, next, payload)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			r.config.Logger.Warnf("[Replica] %s proposal for %s timed out at instance %d",
				r.config.NodeID, cmd.ID, next)
			r.reply(cmd, Reply{Status: StatusTimeout})
			r.dropPending(cmd.ID)

		case err != nil:
			// Consensus module refused or went away; the run loop
			// notices a stopped module via its Done channel.
			r.config.Logger.Errorf("[Replica] %s propose failed at instance %d: %v",
				r.config.NodeID, next, err)
			return

		case res.Kind == paxos.ResultAbort:
			r.reply(cmd, Reply{Status: StatusAbort})
			r.dropPending(cmd.ID)

		default:
			decided, err := DecodeCommand(res.Value)
			if err != nil {
				r.config.Logger.Errorf("[Replica] Undecodable decision at instance %d: %v", next, err)
				return
			}
			r.applyDecision(next, decided)
			// If a competing command won this instance, ours stays at
			// the head of pending and is retried at the next instance.
		}
	}
}

// catchUp applies every contiguously decided instance beyond
// lastApplied. Decisions for commands this replica still has pending
// are answered here; everything else applies silently.
func (r *Replica) catchUp() {
	for {
		r.mu.Lock()
		next := r.lastApplied + 1
		r.mu.Unlock()

		value, ok := r.pax.GetDecision(next)
		if !ok {
			return
		}

		cmd, err := DecodeCommand(value)
		if err != nil {
			r.config.Logger.Errorf("[Replica] Undecodable decision at instance %d: %v", next, err)
			return
		}
		r.applyDecision(next, cmd)
	}
}

// applyDecision consumes one decided instance: apply the command to the
// store (unless its ID was applied before), advance the cursor, journal
// the outcome, and reply if the command is one of ours.
func (r *Replica) applyDecision(instance uint64, cmd *Command) {
	r.mu.Lock()
	if instance != r.lastApplied+1 {
		r.mu.Unlock()
		return
	}

	var rep Reply
	if rec, dup := r.applied[cmd.ID]; dup {
		// The command was re-proposed before its first decision was
		// observed and won a second instance. The slot is consumed,
		// the store is not touched, and the recorded outcome stands.
		rep = Reply{Status: rec.status, Qty: rec.qty}
	} else {
		rep = r.store.Apply(cmd)
		r.applied[cmd.ID] = appliedRecord{instance: instance, status: rep.Status, qty: rep.Qty}
	}
	r.lastApplied = instance

	var replyTo *Command
	for i, p := range r.pending {
		if p.ID == cmd.ID {
			replyTo = p
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	journal := r.journal
	r.mu.Unlock()

	r.config.Logger.Debugf("[Replica] %s applied instance %d: %s %s -> %s",
		r.config.NodeID, instance, cmd.Type, cmd.Item, rep.Status)

	if journal != nil {
		if err := journal.Record(instance, cmd, rep); err != nil {
			r.config.Logger.Errorf("[Replica] Failed to journal instance %d: %v", instance, err)
		}
	}

	if replyTo != nil {
		r.reply(replyTo, rep)
	}

	if r.config.Bus != nil {
		pubsub.Publish(r.config.Bus, pubsub.NewEvent(CommandAppliedEvent, AppliedPayload{
			Instance: instance,
			Command:  cmd,
			Status:   rep.Status,
			Qty:      rep.Qty,
		}))
	}
}

// dropPending removes a command from the pending queue by ID
func (r *Replica) dropPending(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.pending {
		if p.ID == commandID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// reply sends a command outcome to the originating client
func (r *Replica) reply(cmd *Command, rep Reply) {
	if cmd.ClientAddr == "" {
		return
	}

	msg := &Message{
		Type:      CommandReplyMsg,
		From:      r.config.NodeID,
		FromAddr:  r.config.AdvertiseAddr,
		CommandID: cmd.ID,
		Status:    rep.Status,
		Qty:       rep.Qty,
	}
	if err := r.transport.SendMessage(cmd.ClientAddr, msg); err != nil {
		r.config.Logger.Errorf("[Replica] Failed to reply to %s: %v", cmd.ClientAddr, err)
	}
}

// Store returns the replica's stock store
func (r *Replica) Store() *Store {
	return r.store
}

// LastApplied returns the greatest instance applied locally
func (r *Replica) LastApplied() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastApplied
}

// NumPending returns the number of commands awaiting proposal
func (r *Replica) NumPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
