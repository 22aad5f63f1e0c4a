package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/orbit/internal/broker"
	"github.com/oriys/orbit/internal/domain"
)

func invokeCmd() *cobra.Command {
	var (
		fitables   []string
		tags       []string
		timeout    time.Duration
		retry      int
		degradable bool
		multicast  bool
		env        string
		protocol   string
		format     string
	)

	cmd := &cobra.Command{
		Use:   "invoke <genericable@version> [json-arg...]",
		Short: "Invoke a genericable with JSON arguments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid, err := parseGenericable(args[0])
			if err != nil {
				return err
			}
			callArgs := make([]any, 0, len(args)-1)
			for i, raw := range args[1:] {
				var v any
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					return fmt.Errorf("argument %d is not JSON: %w", i, err)
				}
				callArgs = append(callArgs, v)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cfg.Invocation.Timeout + 5*time.Second)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)
			b := rt.broker

			if _, ok := b.Genericable(gid); !ok {
				spec := broker.GenericableSpec{ID: gid.ID, Version: gid.Version}
				if len(fitables) == 0 {
					fitables = []string{"default@" + gid.Version}
				}
				for _, f := range fitables {
					id, version, _ := strings.Cut(f, "@")
					spec.Fitables = append(spec.Fitables, broker.FitableSpec{ID: id, Version: version})
				}
				if _, err := b.Define(spec); err != nil {
					return err
				}
			}

			ic := b.NewContext()
			if err := cfg.Invocation.Apply(ic); err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				ic.Timeout = timeout
			}
			if cmd.Flags().Changed("retry") {
				ic.Retry = retry
			}
			if cmd.Flags().Changed("degradable") {
				ic.Degradable = degradable
			}
			if env != "" {
				ic.Environment = env
			}
			if protocol != "" {
				ic.Protocol = domain.ParseProtocol(protocol)
			}
			if format != "" {
				ic.Format = domain.ParseFormat(format)
			}
			if len(tags) > 0 {
				ic.Extensions = make(map[string]string, len(tags))
				for _, t := range tags {
					k, v, _ := strings.Cut(t, "=")
					ic.Extensions[k] = v
				}
			}
			if multicast {
				ic = ic.WithMulticast(collect)
			}

			result, err := b.Invoke(ctx, gid, ic, callArgs)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&fitables, "fitable", nil, "Fitable id@version when the genericable is not in config (repeatable)")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Extension tag key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Call timeout")
	cmd.Flags().IntVar(&retry, "retry", 0, "Additional attempts on retryable failures")
	cmd.Flags().BoolVar(&degradable, "degradable", false, "Follow degradation targets on degradable failures")
	cmd.Flags().BoolVar(&multicast, "multicast", false, "Call every fitable and target, collecting results")
	cmd.Flags().StringVar(&env, "env", "", "Pin the target environment")
	cmd.Flags().StringVar(&protocol, "protocol", "", "Preferred protocol (grpc, http)")
	cmd.Flags().StringVar(&format, "format", "", "Preferred format (json, struct, protobuf)")

	return cmd
}

// collect folds multicast results into a flat list.
func collect(acc, next any) any {
	list, ok := acc.([]any)
	if !ok {
		list = []any{acc}
	}
	return append(list, next)
}

func parseGenericable(raw string) (domain.GenericableID, error) {
	id, version, _ := strings.Cut(raw, "@")
	if id == "" {
		return domain.GenericableID{}, fmt.Errorf("invalid genericable %q, want id@version", raw)
	}
	return domain.GenericableID{ID: id, Version: version}, nil
}
