package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/cdigby/distributed-stock-management-system/internal/backend"
	"github.com/cdigby/distributed-stock-management-system/internal/replica"
)

const usage = `Usage: stockctl -servers s1=ADDR,s2=ADDR,... COMMAND

Commands:
  create ITEM        register a new item with zero stock
  delete ITEM        remove an item
  add ITEM QTY       increase an item's stock
  remove ITEM QTY    decrease an item's stock
  query ITEM         read an item's stock level
`

// SimpleLogger implements the backend.Logger interface
type SimpleLogger struct{}

func (l *SimpleLogger) Debugf(_ string, _ ...interface{}) {}
func (l *SimpleLogger) Infof(format string, args ...interface{}) {
	log.Printf("INFO: "+format, args...)
}
func (l *SimpleLogger) Warnf(format string, args ...interface{}) {
	log.Printf("WARN: "+format, args...)
}
func (l *SimpleLogger) Errorf(format string, args ...interface{}) {
	log.Printf("ERROR: "+format, args...)
}

func main() {
	servers := flag.String("servers", "", "Comma-separated name=address pairs for every replica")
	bindAddr := flag.String("bind", "127.0.0.1:0", "Bind address for replies")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	serverMap, err := parseServers(*servers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -servers: %v\n", err)
		os.Exit(2)
	}

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		os.Exit(2)
	}

	config := backend.DefaultConfig()
	config.ClientID = "stockctl-" + uuid.New().String()
	config.BindAddr = *bindAddr
	config.Servers = serverMap
	config.Logger = &SimpleLogger{}

	b, err := backend.New(config)
	if err != nil {
		log.Fatalf("Failed to create backend: %v", err)
	}
	if err := b.Start(); err != nil {
		log.Fatalf("Failed to start backend: %v", err)
	}
	defer b.Stop()

	verb, item := args[0], args[1]

	var status replica.Status
	var qty uint64
	switch verb {
	case "create":
		status = b.CreateItem(item)
	case "delete":
		status = b.DeleteItem(item)
	case "add", "remove":
		if len(args) < 3 {
			flag.Usage()
			os.Exit(2)
		}
		n, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil || n < 1 {
			fmt.Fprintf(os.Stderr, "invalid quantity %q\n", args[2])
			os.Exit(2)
		}
		if verb == "add" {
			qty, status = b.AddStock(item, n)
		} else {
			qty, status = b.RemoveStock(item, n)
		}
	case "query":
		qty, status = b.QueryStock(item)
	default:
		flag.Usage()
		os.Exit(2)
	}

	switch status {
	case replica.StatusAddStockOK, replica.StatusRemoveStockOK, replica.StatusQueryStockOK:
		fmt.Printf("%s: %s %s -> %d\n", status, verb, item, qty)
	default:
		fmt.Printf("%s: %s %s\n", status, verb, item)
	}

	if !status.OK() {
		os.Exit(1)
	}
}

// parseServers parses "s1=127.0.0.1:9201,s2=127.0.0.1:9202" into a
// name-to-address map
func parseServers(list string) (map[string]string, error) {
	if list == "" {
		return nil, fmt.Errorf("at least one replica is required")
	}

	servers := make(map[string]string)
	for _, pair := range strings.Split(list, ",") {
		name, addr, ok := strings.Cut(pair, "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		servers[name] = addr
	}
	return servers, nil
}
