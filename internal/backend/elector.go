package backend

import (
	"sort"
	"sync"
	"time"

	"github.com/cdigby/distributed-stock-management-system/internal/pubsub"
	"github.com/cdigby/distributed-stock-management-system/internal/replica"
)

// Elector is an eventually-strong failure detector over the replica
// set with a monarchical leader rule. Every period it reconciles the
// suspected set against the heartbeat replies collected since the last
// round, probes every replica again, and grows the period whenever a
// suspicion turned out to be false. Under a stable network all backends
// converge on the same suspected set and therefore, by ranking replica
// names, on the same leader.
type Elector struct {
	config    *Config
	transport replica.Transport

	mu         sync.Mutex
	alive      map[string]bool
	suspected  map[string]bool
	delay      time.Duration
	lastLeader string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewElector creates an elector probing over the given transport
func NewElector(config *Config, transport replica.Transport) *Elector {
	return &Elector{
		config:    config,
		transport: transport,
		alive:     make(map[string]bool),
		suspected: make(map[string]bool),
		delay:     config.InitialDelay,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the heartbeat loop
func (e *Elector) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop stops the heartbeat loop
func (e *Elector) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// run sends an initial probe round, then reconciles and re-probes every
// delay. The timer is re-armed each round because the delay grows.
func (e *Elector) run() {
	defer e.wg.Done()

	e.sendHeartbeats()

	timer := time.NewTimer(e.currentDelay())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			e.step()
			timer.Reset(e.currentDelay())
		case <-e.stopCh:
			return
		}
	}
}

func (e *Elector) currentDelay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delay
}

// step runs one failure-detection round: correct the period if any
// suspicion proved false, reconcile the suspected set against replies
// collected during the last period, then probe everyone again.
func (e *Elector) step() {
	e.mu.Lock()

	falsePositive := false
	for name := range e.alive {
		if e.suspected[name] {
			falsePositive = true
			break
		}
	}
	if falsePositive {
		e.delay += e.config.DeltaDelay
		e.config.Logger.Infof("[Elector] %s false suspicion detected, delay now %v", e.config.ClientID, e.delay)
	}

	for name := range e.config.Servers {
		switch {
		case !e.alive[name] && !e.suspected[name]:
			e.suspected[name] = true
			e.config.Logger.Warnf("[Elector] %s suspecting replica %s", e.config.ClientID, name)
		case e.alive[name] && e.suspected[name]:
			delete(e.suspected, name)
			e.config.Logger.Infof("[Elector] %s trusting replica %s again", e.config.ClientID, name)
		}
	}

	e.alive = make(map[string]bool)
	leader, _, _ := e.leaderLocked()
	changed := leader != e.lastLeader
	old := e.lastLeader
	e.lastLeader = leader
	e.mu.Unlock()

	if changed {
		e.config.Logger.Infof("[Elector] %s leader changed: %q -> %q", e.config.ClientID, old, leader)
		if e.config.Bus != nil {
			pubsub.Publish(e.config.Bus, pubsub.NewEvent(LeaderChangedEvent, LeaderChangePayload{
				Old: old,
				New: leader,
			}))
		}
	}

	e.sendHeartbeats()
}

// sendHeartbeats probes every replica, fire and forget
func (e *Elector) sendHeartbeats() {
	msg := &replica.Message{
		Type:      replica.HeartbeatRequestMsg,
		From:      e.config.ClientID,
		FromAddr:  e.config.AdvertiseAddr,
		ProbeAddr: e.config.AdvertiseAddr,
	}

	for name, addr := range e.config.Servers {
		if err := e.transport.SendMessage(addr, msg); err != nil {
			e.config.Logger.Errorf("[Elector] Failed to send heartbeat to %s: %v", name, err)
		}
	}
}

// HandleHeartbeatReply records a replica as alive for the current round
func (e *Elector) HandleHeartbeatReply(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.config.Servers[name]; !ok {
		return
	}
	e.alive[name] = true
}

// Leader returns the currently trusted leader: the lowest-named replica
// not under suspicion. ok is false when every replica is suspected.
func (e *Elector) Leader() (name, addr string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderLocked()
}

func (e *Elector) leaderLocked() (string, string, bool) {
	names := make([]string, 0, len(e.config.Servers))
	for name := range e.config.Servers {
		if !e.suspected[name] {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", "", false
	}

	sort.Strings(names)
	leader := names[0]
	return leader, e.config.Servers[leader], true
}

// Suspected returns a snapshot of the currently suspected replicas
func (e *Elector) Suspected() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.suspected))
	for name := range e.suspected {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
