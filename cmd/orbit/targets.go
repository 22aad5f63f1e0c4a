package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/orbit/internal/domain"
)

func targetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets <fitable-id>",
		Short: "Show the targets a fitable resolves to",
		Long:  "Resolves a fitable id of the form genericable@version/fitable@version through static entries and the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := domain.ParseFitableID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(10 * time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			targets, err := rt.broker.Locator().Lookup(ctx, id)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				fmt.Println("No targets found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tHOST\tENVIRONMENT\tENDPOINTS\tFORMATS")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.WorkerID, t.Host, t.Environment, endpoints(t), formats(t))
			}
			return w.Flush()
		},
	}
	return cmd
}

func endpoints(t domain.Target) string {
	parts := make([]string, 0, len(t.Endpoints))
	for _, ep := range t.Endpoints {
		parts = append(parts, fmt.Sprintf("%s:%d", ep.Protocol, ep.Port))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func formats(t domain.Target) string {
	parts := make([]string, 0, len(t.Formats))
	for _, f := range t.Formats {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ",")
}
