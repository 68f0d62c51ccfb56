package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/getsentry/callprof/internal/measure"
	"github.com/getsentry/callprof/internal/nodetree"
	"github.com/getsentry/callprof/internal/profiler"
	"github.com/getsentry/callprof/internal/snapshot"
)

func newReplayCmd() *cobra.Command {
	var (
		configPath string
		mode       string
		track      bool
		out        string
	)
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Replay an event stream and print the call trees or write a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := profiler.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("mode") {
				if cfg.MeasureMode, err = measure.ParseMode(mode); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("track-allocations") {
				cfg.TrackAllocations = track
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			rec, err := profiler.Replay(cfg, f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			if out != "" {
				p := snapshot.Dump(snapshot.NewID(), rec)
				if err := writeSnapshot(out, p); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", p.ID)
				return nil
			}
			for _, c := range rec.Contexts() {
				fmt.Fprintf(cmd.OutOrStdout(), "context %s\n", c.ID)
				printTree(cmd.OutOrStdout(), nodetree.FromTree(c.Tree()), 1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML recorder configuration")
	cmd.Flags().StringVar(&mode, "mode", "wall", "measure mode: wall, cpu, allocations or memory")
	cmd.Flags().BoolVar(&track, "track-allocations", false, "record allocations")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write a snapshot instead of printing")
	return cmd
}

func printTree(w io.Writer, n *nodetree.Node, depth int) {
	if n == nil {
		return
	}
	name := n.Scope + "#" + n.Name
	if n.Recursive {
		name += " (recursive)"
	}
	fmt.Fprintf(w, "%s%s total=%.6f self=%.6f wait=%.6f calls=%d\n",
		strings.Repeat("  ", depth), name, n.TotalTime, n.SelfTime, n.WaitTime, n.CallCount)
	for _, c := range n.Children {
		printTree(w, c, depth+1)
	}
}
