package paxos

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryNetwork connects memoryTransports by address so a whole cluster
// runs in-process without sockets
type memoryNetwork struct {
	mu         sync.RWMutex
	transports map[string]*memoryTransport
}

func newMemoryNetwork() *memoryNetwork {
	return &memoryNetwork{
		transports: make(map[string]*memoryTransport),
	}
}

func (n *memoryNetwork) transport(addr string) *memoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t, ok := n.transports[addr]
	if !ok {
		t = &memoryTransport{net: n, addr: addr}
		n.transports[addr] = t
	}
	return t
}

// memoryTransport implements Transport with synchronous in-process
// delivery. Messages to stopped or blocked transports are dropped,
// which models the fair-loss wire.
type memoryTransport struct {
	net     *memoryNetwork
	addr    string
	mu      sync.RWMutex
	handler func(*Message)
	started bool
	blocked bool
}

func (t *memoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *memoryTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	return nil
}

func (t *memoryTransport) SendMessage(targetAddr string, msg *Message) error {
	t.net.mu.RLock()
	target, ok := t.net.transports[targetAddr]
	t.net.mu.RUnlock()
	if !ok {
		return nil
	}

	target.mu.RLock()
	handler := target.handler
	deliver := target.started && !target.blocked
	target.mu.RUnlock()

	if deliver && handler != nil {
		// Copy so a receiver never aliases the sender's message
		copied := *msg
		handler(&copied)
	}
	return nil
}

func (t *memoryTransport) SetMessageHandler(handler func(*Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *memoryTransport) block() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = true
}

// newTestCluster builds size nodes wired over a shared memory network
func newTestCluster(t *testing.T, size int) (*memoryNetwork, []*Node) {
	t.Helper()

	net := newMemoryNetwork()
	peers := make([]string, size)
	for i := range peers {
		peers[i] = fmt.Sprintf("mem://node-%d", i)
	}

	nodes := make([]*Node, size)
	for i := range nodes {
		config := DefaultConfig()
		config.NodeID = fmt.Sprintf("node-%d", i)
		config.BindAddr = peers[i]
		config.AdvertiseAddr = peers[i]
		config.Peers = peers

		node, err := New(config)
		require.NoError(t, err)

		node.transport = net.transport(peers[i])
		node.transport.SetMessageHandler(node.handleMessage)
		require.NoError(t, node.Start())
		nodes[i] = node
	}

	t.Cleanup(func() {
		for _, node := range nodes {
			node.Stop()
		}
	})

	return net, nodes
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing NodeID", func(c *Config) { c.NodeID = "" }},
		{"missing BindAddr", func(c *Config) { c.BindAddr = "" }},
		{"missing AdvertiseAddr", func(c *Config) { c.AdvertiseAddr = "" }},
		{"missing Peers", func(c *Config) { c.Peers = nil }},
		{"self not in Peers", func(c *Config) { c.Peers = []string{"other:1"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.NodeID = "node-0"
			config.BindAddr = "127.0.0.1:0"
			config.AdvertiseAddr = "127.0.0.1:0"
			config.Peers = []string{"127.0.0.1:0"}
			tt.mutate(config)

			_, err := New(config)
			assert.Error(t, err)
		})
	}
}

func TestBallotProgression_UniquePerNode(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	// Each node draws ballots from index + k*N, so no two nodes can
	// ever use the same ballot number.
	seen := make(map[uint64]string)
	for _, node := range nodes {
		for attempt := 0; attempt < 5; attempt++ {
			node.mu.Lock()
			node.lastBallot += uint64(node.peerCount)
			ballot := node.lastBallot
			node.mu.Unlock()

			owner, dup := seen[ballot]
			assert.False(t, dup, "ballot %d drawn by both %s and %s", ballot, owner, node.config.NodeID)
			seen[ballot] = node.config.NodeID
			assert.Equal(t, uint64(node.selfIndex), ballot%uint64(node.peerCount))
		}
	}
}

func TestPropose_DecidesOwnValue(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := nodes[0].Propose(ctx, 1, []byte("value-a"))
	require.NoError(t, err)
	assert.Equal(t, ResultDecision, res.Kind)
	assert.Equal(t, []byte("value-a"), res.Value)

	// Every node learns the same decision
	for _, node := range nodes {
		value, ok := node.GetDecision(1)
		require.True(t, ok, "node %s has no decision", node.config.NodeID)
		assert.Equal(t, []byte("value-a"), value)
	}
}

func TestPropose_AlreadyDecidedReturnsExistingDecision(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := nodes[0].Propose(ctx, 1, []byte("first"))
	require.NoError(t, err)
	require.Equal(t, []byte("first"), res.Value)

	// A later proposal for the decided instance must observe the
	// existing decision, whatever value it carries.
	res, err = nodes[1].Propose(ctx, 1, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, ResultDecision, res.Kind)
	assert.Equal(t, []byte("first"), res.Value)
}

func TestPropose_IndependentInstances(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for inst := uint64(1); inst <= 5; inst++ {
		proposer := nodes[int(inst)%len(nodes)]
		value := []byte(fmt.Sprintf("value-%d", inst))

		res, err := proposer.Propose(ctx, inst, value)
		require.NoError(t, err)
		require.Equal(t, ResultDecision, res.Kind)
		assert.Equal(t, value, res.Value)
	}

	for _, node := range nodes {
		assert.Equal(t, uint64(5), node.MaxInstance())
		for inst := uint64(1); inst <= 5; inst++ {
			value, ok := node.GetDecision(inst)
			require.True(t, ok)
			assert.Equal(t, []byte(fmt.Sprintf("value-%d", inst)), value)
		}
	}
}

func TestGetDecision_Undecided(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	value, ok := nodes[0].GetDecision(7)
	assert.False(t, ok)
	assert.Nil(t, value)
}

func TestPropose_TimesOutWithoutQuorum(t *testing.T) {
	net, nodes := newTestCluster(t, 3)

	// Silence a majority: the proposer can never gather promises.
	net.transport(nodes[1].config.AdvertiseAddr).block()
	net.transport(nodes[2].config.AdvertiseAddr).block()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := nodes[0].Propose(ctx, 1, []byte("value"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), nodes[0].GetMetrics().GetProposalsTimedOut())

	// The instance stayed undecided
	_, ok := nodes[0].GetDecision(1)
	assert.False(t, ok)
}

func TestPropose_AbortedByHigherBallot(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	// A competing proposer has already been promised a ballot higher
	// than anything node-0 will draw on its first attempt.
	for _, node := range nodes {
		node.handlePrepare(&Message{
			Type:     PrepareMsg,
			From:     "node-1",
			FromAddr: nodes[1].config.AdvertiseAddr,
			Instance: 1,
			Ballot:   100,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := nodes[0].Propose(ctx, 1, []byte("value"))
	require.NoError(t, err)
	assert.Equal(t, ResultAbort, res.Kind)
}

func TestPropose_AdoptsHighestAcceptedValue(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	// A majority already accepted "accepted-value" at ballot 2 from a
	// proposer that then went quiet. A new proposer must adopt it
	// rather than push its own value.
	for _, node := range nodes[:2] {
		node.handleAccept(&Message{
			Type:     AcceptMsg,
			From:     "node-2",
			FromAddr: nodes[2].config.AdvertiseAddr,
			Instance: 1,
			Ballot:   2,
			Value:    []byte("accepted-value"),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := nodes[0].Propose(ctx, 1, []byte("my-value"))
	require.NoError(t, err)
	require.Equal(t, ResultDecision, res.Kind)
	assert.Equal(t, []byte("accepted-value"), res.Value)
}

func TestConcurrentProposers_AgreeOnOneValue(t *testing.T) {
	_, nodes := newTestCluster(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make([]Result, len(nodes))
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node *Node) {
			defer wg.Done()
			results[i], errs[i] = node.Propose(ctx, 1, []byte(fmt.Sprintf("value-%d", i)))
		}(i, node)
	}
	wg.Wait()

	// At least one proposer observes the decision; any non-aborted
	// result must carry the same value.
	var decision []byte
	for i := range nodes {
		if errs[i] == nil && results[i].Kind == ResultDecision {
			if decision == nil {
				decision = results[i].Value
			}
			assert.Equal(t, decision, results[i].Value)
		}
	}
	require.NotNil(t, decision, "no proposer observed a decision")

	// And every node that holds a decision holds the same one
	for _, node := range nodes {
		if value, ok := node.GetDecision(1); ok {
			assert.Equal(t, decision, value)
		}
	}
}

func TestMinorityCrash_ClusterStillDecides(t *testing.T) {
	net, nodes := newTestCluster(t, 5)

	net.transport(nodes[3].config.AdvertiseAddr).block()
	net.transport(nodes[4].config.AdvertiseAddr).block()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	res, err := nodes[0].Propose(ctx, 1, []byte("survives"))
	require.NoError(t, err)
	assert.Equal(t, ResultDecision, res.Kind)

	// A third failure removes the quorum
	net.transport(nodes[2].config.AdvertiseAddr).block()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()

	_, err = nodes[0].Propose(ctx2, 2, []byte("stalls"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlePrepare_PromisesHigherBallotsOnly(t *testing.T) {
	_, nodes := newTestCluster(t, 3)
	node := nodes[0]
	sink := newCaptureTransport()
	node.transport = sink

	node.handlePrepare(&Message{Type: PrepareMsg, FromAddr: "caller", Instance: 1, Ballot: 10})
	node.handlePrepare(&Message{Type: PrepareMsg, FromAddr: "caller", Instance: 1, Ballot: 5})

	sent := sink.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, PreparedMsg, sent[0].Type)
	assert.Equal(t, uint64(10), sent[0].Ballot)
	assert.Equal(t, NackMsg, sent[1].Type)
	assert.Equal(t, uint64(5), sent[1].Ballot)
}

func TestHandleAccept_ReportsAcceptedStateInLaterPromise(t *testing.T) {
	_, nodes := newTestCluster(t, 3)
	node := nodes[0]
	sink := newCaptureTransport()
	node.transport = sink

	node.handleAccept(&Message{Type: AcceptMsg, FromAddr: "p1", Instance: 4, Ballot: 7, Value: []byte("v")})
	node.handlePrepare(&Message{Type: PrepareMsg, FromAddr: "p2", Instance: 4, Ballot: 9})

	sent := sink.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, AcceptedMsg, sent[0].Type)

	promise := sent[1]
	require.Equal(t, PreparedMsg, promise.Type)
	assert.Equal(t, uint64(7), promise.AcceptedBallot)
	assert.Equal(t, []byte("v"), promise.AcceptedValue)
}

func TestHandleAccept_RejectsStaleBallot(t *testing.T) {
	_, nodes := newTestCluster(t, 3)
	node := nodes[0]
	sink := newCaptureTransport()
	node.transport = sink

	node.handlePrepare(&Message{Type: PrepareMsg, FromAddr: "p1", Instance: 1, Ballot: 20})
	node.handleAccept(&Message{Type: AcceptMsg, FromAddr: "p2", Instance: 1, Ballot: 10, Value: []byte("v")})

	sent := sink.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, NackMsg, sent[1].Type)
}

func TestHandlePrepared_LazilyCreatesInstance(t *testing.T) {
	_, nodes := newTestCluster(t, 3)
	node := nodes[0]

	// A promise for an instance this node never touched must not panic
	// and must leave lazily created state behind.
	node.handlePrepared(&Message{Type: PreparedMsg, FromAddr: "p1", Instance: 42, Ballot: 3})

	node.mu.Lock()
	_, ok := node.instances[42]
	node.mu.Unlock()
	assert.True(t, ok)
}

func TestHandleDecide_IdempotentAndNotifiesOnce(t *testing.T) {
	_, nodes := newTestCluster(t, 3)
	node := nodes[0]

	var mu sync.Mutex
	notifications := 0
	node.SetDecisionCallback(func(inst uint64, value []byte) {
		mu.Lock()
		notifications++
		mu.Unlock()
	})

	decide := &Message{Type: DecideMsg, FromAddr: "p1", Instance: 3, Value: []byte("v")}
	node.handleDecide(decide)
	node.handleDecide(decide)

	value, ok := node.GetDecision(3)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notifications)
}

func TestDuplicatePrepared_NoSecondAcceptBroadcast(t *testing.T) {
	_, nodes := newTestCluster(t, 3)
	node := nodes[0]

	// Route all sends into a sink so the proposal stalls in the
	// prepare phase and promises can be fed by hand.
	sink := newCaptureTransport()
	node.transport = sink

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		node.Propose(ctx, 1, []byte("v"))
	}()

	// Wait for the proposal attempt to register
	require.Eventually(t, func() bool {
		node.mu.Lock()
		defer node.mu.Unlock()
		ins, ok := node.instances[1]
		return ok && ins.proposalBal > 0
	}, time.Second, 10*time.Millisecond)

	node.mu.Lock()
	ballot := node.instances[1].proposalBal
	node.mu.Unlock()

	promise := &Message{Type: PreparedMsg, FromAddr: "p1", Instance: 1, Ballot: ballot}
	node.handlePrepared(promise)
	node.handlePrepared(promise) // quorum of two reached here
	node.handlePrepared(promise) // duplicate past the threshold

	accepts := 0
	for _, msg := range sink.sent() {
		if msg.Type == AcceptMsg {
			accepts++
		}
	}
	// One accept broadcast (one message per peer), never a second round
	assert.Equal(t, 3, accepts)
	<-done
}

// captureTransport records sent messages for handler-level assertions
type captureTransport struct {
	mu   sync.Mutex
	msgs []*Message
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{}
}

func (c *captureTransport) Start() error { return nil }
func (c *captureTransport) Stop() error  { return nil }

func (c *captureTransport) SendMessage(targetAddr string, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *msg
	c.msgs = append(c.msgs, &copied)
	return nil
}

func (c *captureTransport) SetMessageHandler(func(*Message)) {}

func (c *captureTransport) sent() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]*Message, len(c.msgs))
	copy(result, c.msgs)
	return result
}
