package main

import (
	"github.com/spf13/cobra"

	"github.com/getsentry/callprof/internal/snapshot"
)

func newMergeCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "merge <a.json> <b.json>",
		Short: "Merge two snapshots, context by context",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := readSnapshot(args[0])
			if err != nil {
				return err
			}
			b, err := readSnapshot(args[1])
			if err != nil {
				return err
			}
			merged, err := snapshot.Merge(snapshot.NewID(), a, b)
			if err != nil {
				return err
			}
			return writeSnapshot(out, merged)
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "merged snapshot path")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
