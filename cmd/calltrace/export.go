package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/getsentry/callprof/internal/chrometrace"
	"github.com/getsentry/callprof/internal/pprofutil"
	"github.com/getsentry/callprof/internal/snapshot"
	"github.com/getsentry/callprof/internal/speedscope"
)

func newExportCmd() *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export <snapshot.json>",
		Short: "Render a snapshot as speedscope, chrometrace or pprof",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "speedscope" && format != "pprof" && format != "chrometrace" {
				return fmt.Errorf("unknown format %q", format)
			}
			p, err := readSnapshot(args[0])
			if err != nil {
				return err
			}
			rec, err := snapshot.Load(p)
			if err != nil {
				return err
			}
			w, closeOutput, err := output(cmd, out)
			if err != nil {
				return err
			}
			switch format {
			case "speedscope":
				o := speedscope.FromContexts(p.ID, p.MeasureMode, rec.Config().MainContext(), rec.Contexts())
				err = json.NewEncoder(w).Encode(o)
			case "chrometrace":
				err = json.NewEncoder(w).Encode(chrometrace.FromContexts(p.ID, p.MeasureMode, rec.Contexts()))
			case "pprof":
				err = pprofutil.Write(w, p.MeasureMode, rec.Contexts())
			}
			if cerr := closeOutput(); err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "speedscope", "speedscope, chrometrace or pprof")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path, stdout by default")
	return cmd
}
