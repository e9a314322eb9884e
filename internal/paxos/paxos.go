package paxos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotStarted       = errors.New("paxos node not started")
	ErrStopped          = errors.New("paxos node stopped")
	ErrProposalInFlight = errors.New("proposal already in flight for instance")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// Node is a Paxos participant. It plays proposer, acceptor and learner
// for every consensus instance on demand. Instance state is created
// lazily on the first Propose or peer message naming the instance;
// GetDecision and MaxInstance only read existing state.
//
// Ballots are partitioned across participants: the node at index k of
// the peer list draws ballots from the progression k+N, k+2N, … where
// N is the cluster size, so ballots are globally unique and totally
// ordered.
type Node struct {
	config    *Config
	transport Transport
	metrics   *Metrics

	mu         sync.Mutex
	instances  map[uint64]*instance
	lastBallot uint64 // highest ballot this node has used, any instance

	selfIndex int
	peerCount int

	decisionCallback DecisionCallback
	callbackMu       sync.RWMutex

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a new Paxos node
func New(config *Config) (*Node, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	selfIndex := -1
	for i, peer := range config.Peers {
		if peer == config.AdvertiseAddr {
			selfIndex = i
			break
		}
	}
	if selfIndex < 0 {
		return nil, fmt.Errorf("%w: AdvertiseAddr %s not in Peers", ErrInvalidConfig, config.AdvertiseAddr)
	}

	n := &Node{
		config:     config,
		instances:  make(map[uint64]*instance),
		lastBallot: uint64(selfIndex),
		selfIndex:  selfIndex,
		peerCount:  len(config.Peers),
		metrics:    NewMetrics(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	n.transport = NewUDPTransport(config.BindAddr, config.Logger)
	n.transport.SetMessageHandler(n.handleMessage)

	return n, nil
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
	if len(config.Peers) == 0 {
		return fmt.Errorf("%w: Peers list is required", ErrInvalidConfig)
	}
	return nil
}

// Start starts the Paxos node
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return nil
	}

	if err := n.transport.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	n.started = true
	n.config.Logger.Infof("[Paxos] Node %s started at %s (index %d of %d)",
		n.config.NodeID, n.config.AdvertiseAddr, n.selfIndex, n.peerCount)
	return nil
}

// Stop stops the Paxos node. Proposals still in flight are released
// with ErrStopped.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.mu.Unlock()

	close(n.stopCh)
	if err := n.transport.Stop(); err != nil {
		n.config.Logger.Errorf("[Paxos] Error stopping transport: %v", err)
	}
	close(n.doneCh)

	n.config.Logger.Infof("[Paxos] Node %s stopped", n.config.NodeID)
	return nil
}

// Done returns a channel closed when the node has stopped. The
// collocated replica watches it to fate-share with its consensus
// module.
func (n *Node) Done() <-chan struct{} {
	return n.doneCh
}

// SetDecisionCallback registers a callback invoked once per instance
// when this node first learns its decision
func (n *Node) SetDecisionCallback(callback DecisionCallback) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.decisionCallback = callback
}

// quorum returns the number of responses that constitutes a majority
func (n *Node) quorum() int {
	return n.peerCount/2 + 1
}

// getInstance returns the state for inst, creating it if absent.
// Caller must hold n.mu.
func (n *Node) getInstance(inst uint64) *instance {
	ins, ok := n.instances[inst]
	if !ok {
		ins = &instance{}
		n.instances[inst] = ins
	}
	return ins
}

// Propose runs this node as the proposer for instance inst with the
// given value and blocks until the instance decides, the proposal is
// nacked, the context expires or the node stops. The decided value may
// differ from the proposed one when another proposer's value won the
// instance.
//
// If the instance has already decided locally, the existing decision
// is returned immediately.
func (n *Node) Propose(ctx context.Context, inst uint64, value []byte) (Result, error) {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return Result{}, ErrNotStarted
	}

	ins := n.getInstance(inst)
	if ins.decided {
		decision := ins.decision
		n.mu.Unlock()
		return Result{Kind: ResultDecision, Value: decision}, nil
	}
	if ins.resultCh != nil {
		n.mu.Unlock()
		return Result{}, ErrProposalInFlight
	}

	// Draw the next ballot from this node's progression, strictly
	// greater than any ballot it has used for any instance.
	n.lastBallot += uint64(n.peerCount)
	ballot := n.lastBallot

	ins.proposal = value
	ins.proposalBal = ballot
	ins.preparedResponses = 0
	ins.prepareHighestBal = 0
	ins.prepareHighestVal = nil
	ins.value = nil
	ins.acceptedResponses = 0
	ins.acceptSent = false
	ins.resultCh = make(chan Result, 1)
	ins.proposedAt = time.Now()
	resultCh := ins.resultCh
	n.mu.Unlock()

	n.metrics.RecordProposalStarted()
	n.config.Logger.Debugf("[Paxos] %s proposing instance %d at ballot %d", n.config.NodeID, inst, ballot)

	n.broadcast(&Message{
		Type:     PrepareMsg,
		From:     n.config.NodeID,
		FromAddr: n.config.AdvertiseAddr,
		Instance: inst,
		Ballot:   ballot,
	})

	select {
	case res := <-resultCh:
		if res.Kind == ResultDecision {
			n.metrics.RecordProposalLatency(time.Since(ins.proposedAt))
		}
		return res, nil
	case <-ctx.Done():
		n.abandonProposal(inst, resultCh)
		n.metrics.RecordProposalTimeout()
		return Result{}, ctx.Err()
	case <-n.stopCh:
		n.abandonProposal(inst, resultCh)
		return Result{}, ErrStopped
	}
}

// abandonProposal detaches the local caller from an in-flight proposal
// attempt. The instance itself keeps running: a late majority may still
// decide it, which catch-up will observe.
func (n *Node) abandonProposal(inst uint64, resultCh chan Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ins := n.getInstance(inst)
	if ins.resultCh == resultCh {
		ins.resultCh = nil
	}
}

// GetDecision reports the locally known decision for inst. Pure local
// read: it never contacts peers.
func (n *Node) GetDecision(inst uint64) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ins, ok := n.instances[inst]
	if !ok || !ins.decided {
		return nil, false
	}
	return ins.decision, true
}

// MaxInstance returns the highest instance id this node has state for,
// or zero if none
func (n *Node) MaxInstance() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	var max uint64
	for inst := range n.instances {
		if inst > max {
			max = inst
		}
	}
	return max
}

// handleMessage handles incoming protocol messages
func (n *Node) handleMessage(msg *Message) {
	n.metrics.RecordMessageIn(msg.Type)

	switch msg.Type {
	case PrepareMsg:
		n.handlePrepare(msg)
	case PreparedMsg:
		n.handlePrepared(msg)
	case AcceptMsg:
		n.handleAccept(msg)
	case AcceptedMsg:
		n.handleAccepted(msg)
	case NackMsg:
		n.handleNack(msg)
	case DecideMsg:
		n.handleDecide(msg)
	default:
		n.config.Logger.Warnf("[Paxos] Unknown message type: %v", msg.Type)
	}
}

// handlePrepare handles a proposer's phase-one solicitation. The
// acceptor promises the ballot if it is higher than any promised so
// far, reporting its highest accepted proposal; otherwise it nacks.
func (n *Node) handlePrepare(msg *Message) {
	n.mu.Lock()
	ins := n.getInstance(msg.Instance)

	var reply *Message
	if msg.Ballot > ins.bal {
		ins.bal = msg.Ballot
		reply = &Message{
			Type:           PreparedMsg,
			From:           n.config.NodeID,
			FromAddr:       n.config.AdvertiseAddr,
			Instance:       msg.Instance,
			Ballot:         msg.Ballot,
			AcceptedBallot: ins.aBal,
			AcceptedValue:  ins.aVal,
		}
	} else {
		reply = &Message{
			Type:     NackMsg,
			From:     n.config.NodeID,
			FromAddr: n.config.AdvertiseAddr,
			Instance: msg.Instance,
			Ballot:   msg.Ballot,
		}
	}
	n.mu.Unlock()

	n.send(msg.FromAddr, reply)
}

// handlePrepared handles an acceptor's promise. Once a majority has
// promised, the proposer must propose the value accepted at the
// highest reported ballot, or its own value if none was reported.
func (n *Node) handlePrepared(msg *Message) {
	n.mu.Lock()
	ins := n.getInstance(msg.Instance)

	// Stale promise from an earlier attempt, or duplicate delivery
	// after the accept phase already began. The attempt keeps running
	// even if the local caller timed out and detached: a late majority
	// may still decide the instance for catch-up to observe.
	if msg.Ballot != ins.proposalBal || ins.acceptSent {
		n.mu.Unlock()
		return
	}

	ins.preparedResponses++
	if msg.AcceptedBallot > ins.prepareHighestBal {
		ins.prepareHighestBal = msg.AcceptedBallot
		ins.prepareHighestVal = msg.AcceptedValue
	}

	if ins.preparedResponses < n.quorum() {
		n.mu.Unlock()
		return
	}

	value := ins.proposal
	if ins.prepareHighestBal > 0 {
		value = ins.prepareHighestVal
	}
	ins.value = value
	ins.acceptSent = true
	ballot := ins.proposalBal
	n.mu.Unlock()

	n.config.Logger.Debugf("[Paxos] %s entering accept phase for instance %d at ballot %d",
		n.config.NodeID, msg.Instance, ballot)

	n.broadcast(&Message{
		Type:     AcceptMsg,
		From:     n.config.NodeID,
		FromAddr: n.config.AdvertiseAddr,
		Instance: msg.Instance,
		Ballot:   ballot,
		Value:    value,
	})
}

// handleAccept handles a proposer's phase-two request
func (n *Node) handleAccept(msg *Message) {
	n.mu.Lock()
	ins := n.getInstance(msg.Instance)

	var reply *Message
	if msg.Ballot >= ins.bal {
		ins.bal = msg.Ballot
		ins.aBal = msg.Ballot
		ins.aVal = msg.Value
		reply = &Message{
			Type:     AcceptedMsg,
			From:     n.config.NodeID,
			FromAddr: n.config.AdvertiseAddr,
			Instance: msg.Instance,
			Ballot:   msg.Ballot,
		}
	} else {
		reply = &Message{
			Type:     NackMsg,
			From:     n.config.NodeID,
			FromAddr: n.config.AdvertiseAddr,
			Instance: msg.Instance,
			Ballot:   msg.Ballot,
		}
	}
	n.mu.Unlock()

	n.send(msg.FromAddr, reply)
}

// handleAccepted handles an acceptor's phase-two acknowledgement. A
// majority of acceptances decides the instance.
func (n *Node) handleAccepted(msg *Message) {
	n.mu.Lock()
	ins := n.getInstance(msg.Instance)

	if ins.decided || msg.Ballot != ins.proposalBal || !ins.acceptSent {
		n.mu.Unlock()
		return
	}

	ins.acceptedResponses++
	if ins.acceptedResponses < n.quorum() {
		n.mu.Unlock()
		return
	}

	ins.decided = true
	ins.decision = ins.value
	value := ins.value
	n.deliverLocked(ins, Result{Kind: ResultDecision, Value: value})
	n.mu.Unlock()

	n.metrics.RecordDecision()
	n.config.Logger.Debugf("[Paxos] %s decided instance %d at ballot %d", n.config.NodeID, msg.Instance, msg.Ballot)

	n.broadcast(&Message{
		Type:     DecideMsg,
		From:     n.config.NodeID,
		FromAddr: n.config.AdvertiseAddr,
		Instance: msg.Instance,
		Value:    value,
	})

	n.notifyDecision(msg.Instance, value)
}

// handleNack aborts the local proposal attempt the nack refers to.
// Nacks for the current ballot abort the caller even after the accept
// phase began; nacks for earlier attempts are stale and ignored.
func (n *Node) handleNack(msg *Message) {
	n.mu.Lock()
	ins := n.getInstance(msg.Instance)

	if ins.decided || ins.resultCh == nil || msg.Ballot != ins.proposalBal {
		n.mu.Unlock()
		return
	}

	n.deliverLocked(ins, Result{Kind: ResultAbort})
	n.mu.Unlock()

	n.metrics.RecordProposalAborted()
	n.config.Logger.Debugf("[Paxos] %s proposal for instance %d at ballot %d nacked",
		n.config.NodeID, msg.Instance, msg.Ballot)
}

// handleDecide idempotently latches the decision announced by a peer
func (n *Node) handleDecide(msg *Message) {
	n.mu.Lock()
	ins := n.getInstance(msg.Instance)

	if ins.decided {
		n.mu.Unlock()
		return
	}

	ins.decided = true
	ins.decision = msg.Value
	n.deliverLocked(ins, Result{Kind: ResultDecision, Value: msg.Value})
	n.mu.Unlock()

	n.metrics.RecordDecision()
	n.notifyDecision(msg.Instance, msg.Value)
}

// deliverLocked hands the outcome to the local caller awaiting this
// instance, if any. Caller must hold n.mu. The result channel is
// buffered so delivery never blocks.
func (n *Node) deliverLocked(ins *instance, res Result) {
	if ins.resultCh == nil {
		return
	}
	ins.resultCh <- res
	ins.resultCh = nil
}

// notifyDecision invokes the decision callback outside the node lock
func (n *Node) notifyDecision(inst uint64, value []byte) {
	n.callbackMu.RLock()
	callback := n.decisionCallback
	n.callbackMu.RUnlock()

	if callback != nil {
		callback(inst, value)
	}
}

// broadcast sends a message to every participant, self included. The
// local acceptor learns about proposals the same way remote ones do.
func (n *Node) broadcast(msg *Message) {
	for _, peerAddr := range n.config.Peers {
		n.send(peerAddr, msg)
	}
}

// send transmits a message, logging failures. Sends are fire and
// forget: the protocol tolerates loss.
func (n *Node) send(targetAddr string, msg *Message) {
	if err := n.transport.SendMessage(targetAddr, msg); err != nil {
		n.config.Logger.Errorf("[Paxos] Failed to send %s to %s: %v", msg.Type, targetAddr, err)
		return
	}
	n.metrics.RecordMessageOut(msg.Type)
}

// GetMetrics returns the metrics collector
func (n *Node) GetMetrics() *Metrics {
	return n.metrics
}
