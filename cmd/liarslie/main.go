// Command liarslie is the interactive client. It launches and manages a
// population of local agents and runs rounds against them to determine
// the network value by majority vote over verified signed claims.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"liarslie/internal/game"
)

func main() {
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)
	if os.Getenv("LIARSLIE_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	g, err := game.New(game.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	if err := repl(g, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// repl reads one command per line and executes it. Unknown commands and
// bad flags report an error and the loop continues; only stop (or EOF)
// ends the session.
func repl(g *game.Game, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "liarslie: find the value a network of partial liars agrees on")
	fmt.Fprintln(out, `type "help" for commands, "stop" to tear down and exit`)

	stopped := false
	scanner := bufio.NewScanner(in)
	for !stopped {
		fmt.Fprint(out, ">> ")
		if !scanner.Scan() {
			break
		}
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}
		cmd := newRootCmd(g, out, &stopped)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err != nil {
			fmt.Fprintf(out, "ERROR: %v\n", err)
		}
	}
	// Agents left running are orphaned when the client exits, so a
	// session ended by EOF is torn down like an explicit stop.
	if !stopped && g.Ready() {
		return g.Stop(context.Background())
	}
	return scanner.Err()
}

func newRootCmd(g *game.Game, out io.Writer, stopped *bool) *cobra.Command {
	root := &cobra.Command{
		Use:           "liarslie",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)
	root.AddCommand(
		newStartCmd(g, out),
		newPlayCmd(g, out),
		newPlayExpertCmd(g, out),
		newExtendCmd(g, out),
		newKillCmd(g, out),
		newStopCmd(g, out, stopped),
		newMetricsCmd(g, out),
	)
	return root
}

func newStartCmd(g *game.Game, out io.Writer) *cobra.Command {
	var (
		value        uint64
		maxValue     uint64
		numAgents    int
		liarRatio    float64
		tamperChance float64
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Launch the agent population and publish agents.config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.Start(value, maxValue, numAgents, liarRatio, tamperChance); err != nil {
				return err
			}
			fmt.Fprintf(out, "started %d agents\n", numAgents)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&value, "value", 0, "true network value")
	cmd.Flags().Uint64Var(&maxValue, "max-value", 0, "upper bound of the value range")
	cmd.Flags().IntVar(&numAgents, "num-agents", 0, "number of agents to launch")
	cmd.Flags().Float64Var(&liarRatio, "liar-ratio", 0, "fraction of agents that lie")
	cmd.Flags().Float64Var(&tamperChance, "tamper-chance", 0, "probability a liar forges relayed claims")
	for _, f := range []string{"value", "max-value", "num-agents", "liar-ratio"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func newPlayCmd(g *game.Game, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "play",
		Short: "Query every agent directly and resolve the network value",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := g.Play(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "the network value is %d (%d verified claims)\n", result.Value, len(result.Claims))
			return nil
		},
	}
}

func newPlayExpertCmd(g *game.Game, out io.Writer) *cobra.Command {
	var (
		numAgents int
		liarRatio float64
	)
	cmd := &cobra.Command{
		Use:   "playexpert",
		Short: "Resolve the value with direct access to a random subset only",
		RunE: func(cmd *cobra.Command, args []string) error {
			subset, result, err := g.PlayExpert(cmd.Context(), numAgents, liarRatio)
			if len(subset) > 0 {
				sorted := append([]uint64(nil), subset...)
				sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
				fmt.Fprintf(out, "directly reachable agents: %v\n", sorted)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "the network value is %d (%d verified claims)\n", result.Value, len(result.Claims))
			return nil
		},
	}
	cmd.Flags().IntVar(&numAgents, "num-agents", 0, "size of the directly reachable subset")
	cmd.Flags().Float64Var(&liarRatio, "liar-ratio", 0, "fraction of liars in the subset")
	_ = cmd.MarkFlagRequired("num-agents")
	_ = cmd.MarkFlagRequired("liar-ratio")
	return cmd
}

func newExtendCmd(g *game.Game, out io.Writer) *cobra.Command {
	var (
		numAgents int
		liarRatio float64
	)
	cmd := &cobra.Command{
		Use:   "extend",
		Short: "Add agents to the running game",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.Extend(numAgents, liarRatio); err != nil {
				return err
			}
			fmt.Fprintf(out, "extended by %d agents\n", numAgents)
			return nil
		},
	}
	cmd.Flags().IntVar(&numAgents, "num-agents", 0, "number of agents to add")
	cmd.Flags().Float64Var(&liarRatio, "liar-ratio", 0, "fraction of added agents that lie")
	_ = cmd.MarkFlagRequired("num-agents")
	_ = cmd.MarkFlagRequired("liar-ratio")
	return cmd
}

func newKillCmd(g *game.Game, out io.Writer) *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Terminate one agent and drop it from the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.Kill(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(out, "killed agent %d\n", id)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "agent id to kill")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newStopCmd(g *game.Game, out io.Writer, stopped *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Kill all agents, remove agents.config and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.Stop(cmd.Context()); err != nil {
				return err
			}
			*stopped = true
			fmt.Fprintln(out, "stopped")
			return nil
		},
	}
}

func newMetricsCmd(g *game.Game, out io.Writer) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print or write a snapshot of round and claim counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path != "" {
				return g.Metrics().WriteSnapshot(path)
			}
			data, err := json.MarshalIndent(g.Metrics().Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "out", "", "write the snapshot to this file instead of stdout")
	return cmd
}
