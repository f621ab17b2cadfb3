// Command liarslie-agent runs a single agent as its own process. The
// interactive client spawns agents in-process; this binary exists for
// populations spread across machines. It prints a READY line with the
// bound address and public key so a launcher can collect roster entries.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"liarslie/internal/agent"
	"liarslie/internal/identity"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runAgent(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: liarslie-agent run [args]")
	fmt.Fprintln(w, "  --id <n>             agent id (required)")
	fmt.Fprintln(w, "  --value <n>          true network value (required)")
	fmt.Fprintln(w, "  --client-pub <hex>   client public key authorized to kill (required)")
	fmt.Fprintln(w, "  --addr <ip:port>     listen address (default 127.0.0.1:0)")
	fmt.Fprintln(w, "  --liar               report a fixed lie instead of the value")
	fmt.Fprintln(w, "  --max-value <n>      value range upper bound (required with --liar)")
	fmt.Fprintln(w, "  --tamper-chance <p>  probability of forging relayed claims")
	fmt.Fprintln(w, "  --reach <ids>        comma-separated ids this agent can relay to")
	fmt.Fprintln(w, "  --debug              enable debug logging")
}

func runAgent(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.Uint64("id", 0, "agent id")
	value := fs.Uint64("value", 0, "true network value")
	clientPub := fs.String("client-pub", "", "client public key (hex)")
	addr := fs.String("addr", "127.0.0.1:0", "listen address")
	liar := fs.Bool("liar", false, "report a fixed lie")
	maxValue := fs.Uint64("max-value", 0, "value range upper bound")
	tamperChance := fs.Float64("tamper-chance", 0, "relay forgery probability")
	reach := fs.String("reach", "", "comma-separated reachable ids")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if *id == 0 {
		fmt.Fprintln(stderr, "missing --id")
		return 1
	}
	if *clientPub == "" {
		fmt.Fprintln(stderr, "missing --client-pub")
		return 1
	}
	pub, err := identity.ParsePubKey(*clientPub)
	if err != nil {
		fmt.Fprintf(stderr, "bad --client-pub: %v\n", err)
		return 1
	}
	reachIDs, err := parseReach(*reach)
	if err != nil {
		fmt.Fprintf(stderr, "bad --reach: %v\n", err)
		return 1
	}

	opts := agent.Options{TamperChance: *tamperChance, Reach: reachIDs}
	var a *agent.Agent
	if *liar {
		a, err = agent.NewLiar(*id, *value, *maxValue, pub, opts)
	} else {
		a, err = agent.NewHonest(*id, *value, pub, opts)
	}
	if err != nil {
		fmt.Fprintf(stderr, "agent setup failed: %v\n", err)
		return 1
	}

	bound, err := a.Start(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY id=%d addr=%s pubkey=%s\n", a.ID(), bound, a.PubHex())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-a.Done():
		// Killed over the wire by a signed client message.
	case <-sig:
		a.Stop()
	}
	return 0
}

func parseReach(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
