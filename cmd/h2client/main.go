// Command h2client is an interactive REPL around a ClientAgent: type a
// command, see the response. Per-authority endpoint coalescing is
// exercised transparently across repeated `get`s to the same authority.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/baranov-labs/h2session/internal/config"
	"github.com/baranov-labs/h2session/internal/h2core"
	"github.com/baranov-labs/h2session/internal/logging"
	"github.com/baranov-labs/h2session/internal/metrics"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "", "config path (optional)")
	flag.Parse()

	var cfg config.Config
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = *loaded
	}

	zlog, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer zlog.Sync()

	if cfg.Metrics.Enabled {
		metrics.Enable()
	}

	agent := h2core.NewClientAgent(h2core.ClientOptions{
		Logger:           zlog,
		DialTimeout:      cfg.Client.DialTimeout,
		NegotiationRPS:   cfg.Client.NegotiationRPS,
		NegotiationBurst: cfg.Client.NegotiationBurst,
	})
	agent.OnPush = metrics.ObservePush
	agent.OnEndpointCount = func(n int) { metrics.SetEndpointCount("client", n) }
	defer agent.Close()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		fmt.Fprintln(os.Stderr, "closing agent...")
		agent.Close()
		os.Exit(0)
	}()

	pending := newPendingPushes()

	fmt.Println("h2client - type `help` for commands")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("h2> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		args, err := shlex.Split(line)
		if err != nil || len(args) == 0 {
			continue
		}
		dispatch(agent, pending, args)
	}
}

// pendingPushes lets the REPL name a still-open server push by a small
// integer so `push-cancel N` can address it without the user having to
// type a stream id.
type pendingPushes struct {
	mu   sync.Mutex
	next int
	byID map[int]*h2core.IncomingPromise
}

func newPendingPushes() *pendingPushes {
	return &pendingPushes{byID: make(map[int]*h2core.IncomingPromise)}
}

func (p *pendingPushes) add(promise *h2core.IncomingPromise) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	p.byID[p.next] = promise
	return p.next
}

func (p *pendingPushes) take(id int) (*h2core.IncomingPromise, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	promise, ok := p.byID[id]
	if ok {
		delete(p.byID, id)
	}
	return promise, ok
}

func dispatch(agent *h2core.ClientAgent, pending *pendingPushes, args []string) {
	switch args[0] {
	case "help":
		fmt.Println("commands: get <host> <port> <path> [--plain], push-cancel <id>, endpoints, quit")
	case "quit", "exit":
		os.Exit(0)
	case "endpoints":
		for _, s := range agent.Snapshot() {
			fmt.Println(s)
		}
	case "get":
		runGet(agent, pending, args[1:])
	case "push-cancel":
		runPushCancel(pending, args[1:])
	default:
		fmt.Printf("unknown command %q\n", args[0])
	}
}

func runPushCancel(pending *pendingPushes, args []string) {
	if len(args) != 1 {
		fmt.Println("usage: push-cancel <id>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("bad id: %v\n", err)
		return
	}
	promise, ok := pending.take(id)
	if !ok {
		fmt.Printf("no pending push %d\n", id)
		return
	}
	if err := promise.Cancel(); err != nil {
		fmt.Printf("cancel failed: %v\n", err)
	}
}

func runGet(agent *h2core.ClientAgent, pending *pendingPushes, args []string) {
	plain := false
	rest := args[:0:0]
	for _, a := range args {
		if a == "--plain" {
			plain = true
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) < 3 {
		fmt.Println("usage: get <host> <port> <path> [--plain]")
		return
	}
	port, err := strconv.Atoi(rest[1])
	if err != nil {
		fmt.Printf("bad port: %v\n", err)
		return
	}
	scheme := "https"
	if plain {
		scheme = "http"
	}

	req, err := agent.Get(h2core.RequestOptions{
		Method: "GET",
		Scheme: scheme,
		Host:   rest[0],
		Port:   port,
		Path:   rest[2],
		Plain:  plain,
		OnPush: func(p *h2core.IncomingPromise) {
			id := pending.add(p)
			fmt.Printf("\n(push %d) %s %s%s\n", id, p.Method(), p.Host(), p.URL().Path)
		},
	})
	if err != nil {
		fmt.Printf("request failed: %v\n", err)
		return
	}

	select {
	case resp := <-req.Response():
		body, _ := io.ReadAll(resp)
		fmt.Printf("status %d\n%s\n", resp.StatusCode(), body)
	case err := <-req.Err():
		fmt.Printf("error: %v\n", err)
	case <-time.After(15 * time.Second):
		fmt.Println("timed out waiting for response")
	}
}
