package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/getsentry/callprof/internal/logutil"
	"github.com/getsentry/callprof/internal/snapshot"
)

var release = "dev"

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:     "calltrace",
		Short:   "Record call trees from event streams and work with their snapshots",
		Version: release,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logutil.ConfigureLogger(logLevel)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	root.AddCommand(newReplayCmd(), newMergeCmd(), newExportCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readSnapshot(path string) (snapshot.Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return snapshot.Profile{}, err
	}
	return snapshot.Unmarshal(b)
}

func writeSnapshot(path string, p snapshot.Profile) error {
	b, err := snapshot.Marshal(p)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// output returns the file at path, or stdout when path is empty or "-".
func output(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
