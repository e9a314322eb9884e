package backend

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdigby/distributed-stock-management-system/internal/pubsub"
	"github.com/cdigby/distributed-stock-management-system/internal/replica"
)

// fakeTransport records sent messages without touching the network
type fakeTransport struct {
	mu   sync.Mutex
	msgs []*replica.Message
}

func (f *fakeTransport) Start() error { return nil }
func (f *fakeTransport) Stop() error  { return nil }

func (f *fakeTransport) SendMessage(targetAddr string, msg *replica.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *msg
	f.msgs = append(f.msgs, &copied)
	return nil
}

func (f *fakeTransport) SetMessageHandler(func(*replica.Message)) {}

func (f *fakeTransport) sent() []*replica.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]*replica.Message, len(f.msgs))
	copy(result, f.msgs)
	return result
}

func newTestElector(bus *pubsub.Bus) (*Elector, *fakeTransport) {
	config := DefaultConfig()
	config.ClientID = "client-1"
	config.BindAddr = "127.0.0.1:0"
	config.AdvertiseAddr = "127.0.0.1:7000"
	config.Servers = map[string]string{
		"s1": "127.0.0.1:7101",
		"s2": "127.0.0.1:7102",
		"s3": "127.0.0.1:7103",
	}
	config.Bus = bus

	transport := &fakeTransport{}
	return NewElector(config, transport), transport
}

// replyAll marks every replica alive for the current round
func replyAll(e *Elector) {
	for _, name := range []string{"s1", "s2", "s3"} {
		e.HandleHeartbeatReply(name)
	}
}

func TestElector_LeaderIsLowestRankedAlive(t *testing.T) {
	e, _ := newTestElector(nil)

	replyAll(e)
	e.step()

	name, addr, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "s1", name)
	assert.Equal(t, "127.0.0.1:7101", addr)
	assert.Empty(t, e.Suspected())
}

func TestElector_SuspectsSilentReplicas(t *testing.T) {
	e, _ := newTestElector(nil)

	// s1 never answers; the round that finds it silent suspects it and
	// the leadership moves to the next rank.
	e.HandleHeartbeatReply("s2")
	e.HandleHeartbeatReply("s3")
	e.step()

	assert.Equal(t, []string{"s1"}, e.Suspected())

	name, addr, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "s2", name)
	assert.Equal(t, "127.0.0.1:7102", addr)
}

func TestElector_NoLeaderWhenAllSuspected(t *testing.T) {
	e, _ := newTestElector(nil)

	e.step() // nothing replied

	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, e.Suspected())
	_, _, ok := e.Leader()
	assert.False(t, ok)
}

func TestElector_FalseSuspicionIncreasesDelay(t *testing.T) {
	e, _ := newTestElector(nil)

	e.step() // everyone suspected
	require.Equal(t, e.config.InitialDelay, e.currentDelay())

	// The suspects answer after all: the suspicion was false, so the
	// period grows and the suspects are trusted again.
	replyAll(e)
	e.step()

	assert.Equal(t, e.config.InitialDelay+e.config.DeltaDelay, e.currentDelay())
	assert.Empty(t, e.Suspected())

	name, _, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "s1", name)
}

func TestElector_HeartbeatsProbeEveryReplica(t *testing.T) {
	e, transport := newTestElector(nil)

	e.sendHeartbeats()

	sent := transport.sent()
	require.Len(t, sent, 3)
	for _, msg := range sent {
		assert.Equal(t, replica.HeartbeatRequestMsg, msg.Type)
		assert.Equal(t, "127.0.0.1:7000", msg.ProbeAddr)
		assert.Equal(t, "client-1", msg.From)
	}
}

func TestElector_IgnoresUnknownReplica(t *testing.T) {
	e, _ := newTestElector(nil)

	e.HandleHeartbeatReply("intruder")
	replyAll(e)
	e.step()

	assert.Empty(t, e.Suspected())
	name, _, ok := e.Leader()
	require.True(t, ok)
	assert.Equal(t, "s1", name)
}

func TestElector_PublishesLeaderChanges(t *testing.T) {
	bus := pubsub.NewBus()
	_, events := pubsub.Subscribe[LeaderChangePayload](bus, LeaderChangedEvent, 8)

	e, _ := newTestElector(bus)

	// The first round establishes s1 as the initial leader
	replyAll(e)
	e.step()

	select {
	case event := <-events:
		assert.Equal(t, "", event.Payload.Old)
		assert.Equal(t, "s1", event.Payload.New)
	case <-time.After(time.Second):
		t.Fatal("no initial leader event")
	}

	// s1 goes silent: leadership moves to s2 and an event fires
	e.HandleHeartbeatReply("s2")
	e.HandleHeartbeatReply("s3")
	e.step()

	select {
	case event := <-events:
		assert.Equal(t, "s1", event.Payload.Old)
		assert.Equal(t, "s2", event.Payload.New)
	case <-time.After(time.Second):
		t.Fatal("no leader change event")
	}
}

func TestElector_RunLoopProbesPeriodically(t *testing.T) {
	e, transport := newTestElector(nil)
	e.config.InitialDelay = 20 * time.Millisecond

	e.mu.Lock()
	e.delay = 20 * time.Millisecond
	e.mu.Unlock()

	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool {
		return len(transport.sent()) >= 6 // at least two full probe rounds
	}, time.Second, 5*time.Millisecond)
}
