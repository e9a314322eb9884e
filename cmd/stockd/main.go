package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cdigby/distributed-stock-management-system/internal/paxos"
	"github.com/cdigby/distributed-stock-management-system/internal/pubsub"
	"github.com/cdigby/distributed-stock-management-system/internal/replica"
)

// SimpleLogger implements the paxos.Logger and replica.Logger interfaces
type SimpleLogger struct {
	nodeID string
}

func (l *SimpleLogger) Debugf(format string, args ...interface{}) {
	log.Printf("[%s] DEBUG: "+format, append([]interface{}{l.nodeID}, args...)...)
}

func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	log.Printf("[%s] INFO: "+format, append([]interface{}{l.nodeID}, args...)...)
}

func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	log.Printf("[%s] WARN: "+format, append([]interface{}{l.nodeID}, args...)...)
}

func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("[%s] ERROR: "+format, append([]interface{}{l.nodeID}, args...)...)
}

func main() {
	nodeID := flag.String("id", "s1", "Replica ID (client backends rank replicas by this name)")
	paxosBind := flag.String("paxos-bind", "127.0.0.1:9101", "Bind address for consensus traffic")
	paxosAdvertise := flag.String("paxos-advertise", "", "Advertise address for consensus traffic (defaults to bind address)")
	paxosPeers := flag.String("paxos-peers", "", "Comma-separated consensus addresses of all replicas, self included, in cluster order")
	clientBind := flag.String("client-bind", "127.0.0.1:9201", "Bind address for client traffic")
	clientAdvertise := flag.String("client-advertise", "", "Advertise address for client traffic (defaults to bind address)")
	journalPath := flag.String("journal", "", "Path to the bbolt applied-command journal (disabled when empty)")
	flag.Parse()

	if *paxosAdvertise == "" {
		*paxosAdvertise = *paxosBind
	}
	if *clientAdvertise == "" {
		*clientAdvertise = *clientBind
	}
	if *paxosPeers == "" {
		fmt.Fprintln(os.Stderr, "-paxos-peers is required")
		os.Exit(2)
	}
	peers := strings.Split(*paxosPeers, ",")

	logger := &SimpleLogger{nodeID: *nodeID}

	paxosConfig := paxos.DefaultConfig()
	paxosConfig.NodeID = *nodeID
	paxosConfig.BindAddr = *paxosBind
	paxosConfig.AdvertiseAddr = *paxosAdvertise
	paxosConfig.Peers = peers
	paxosConfig.Logger = logger

	node, err := paxos.New(paxosConfig)
	if err != nil {
		log.Fatalf("Failed to create consensus node: %v", err)
	}

	bus := pubsub.NewBus()

	replicaConfig := replica.DefaultConfig()
	replicaConfig.NodeID = *nodeID
	replicaConfig.BindAddr = *clientBind
	replicaConfig.AdvertiseAddr = *clientAdvertise
	replicaConfig.JournalPath = *journalPath
	replicaConfig.Bus = bus
	replicaConfig.Logger = logger

	server, err := replica.New(replicaConfig, node)
	if err != nil {
		log.Fatalf("Failed to create replica: %v", err)
	}

	_, applied := pubsub.Subscribe[replica.AppliedPayload](bus, replica.CommandAppliedEvent, 64)
	go func() {
		for event := range applied {
			p := event.Payload
			log.Printf("[%s] APPLIED: instance=%d %s %s -> %s (qty=%d)",
				*nodeID, p.Instance, p.Command.Type, p.Command.Item, p.Status, p.Qty)
		}
	}()

	if err := node.Start(); err != nil {
		log.Fatalf("Failed to start consensus node: %v", err)
	}
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start replica: %v", err)
	}

	log.Printf("[%s] Replica running: consensus on %s, clients on %s, peers %v",
		*nodeID, *paxosAdvertise, *clientAdvertise, peers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	if err := server.Stop(); err != nil {
		log.Printf("Error stopping replica: %v", err)
	}
	if err := node.Stop(); err != nil {
		log.Printf("Error stopping consensus node: %v", err)
	}

	log.Printf("[%s] Replica stopped", *nodeID)
}
