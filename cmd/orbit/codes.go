package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/translator"
)

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Inspect or edit the remote error code table",
	}
	cmd.AddCommand(codesListCmd(), codesSetCmd(), codesDeleteCmd())
	return cmd
}

func codesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the effective code table",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			tr := rt.broker.Translator()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tCLASS")
			for _, code := range tr.Codes() {
				fmt.Fprintf(w, "%s\t%s\n", faults.Code(code), tr.ClassFor(code))
			}
			return w.Flush()
		},
	}
}

func codesSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <code> <class>",
		Short: "Store a code class in Postgres",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCodeArg(args[0])
			if err != nil {
				return err
			}
			return withPostgres(func(ctx context.Context, s *translator.PostgresStore) error {
				if err := s.Put(ctx, code, args[1]); err != nil {
					return err
				}
				fmt.Printf("Code %s set to %s\n", faults.Code(code), args[1])
				return nil
			})
		},
	}
}

func codesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <code>",
		Short: "Remove a code from Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := parseCodeArg(args[0])
			if err != nil {
				return err
			}
			return withPostgres(func(ctx context.Context, s *translator.PostgresStore) error {
				if err := s.Delete(ctx, code); err != nil {
					return err
				}
				fmt.Printf("Code %s deleted\n", faults.Code(code))
				return nil
			})
		},
	}
}

func withPostgres(fn func(ctx context.Context, s *translator.PostgresStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres DSN not configured (set postgres.dsn or ORBIT_POSTGRES_DSN)")
	}
	ctx, cancel := withTimeout(10 * time.Second)
	defer cancel()

	s, err := translator.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func parseCodeArg(raw string) (int32, error) {
	v, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid code %q: %w", raw, err)
	}
	return int32(v), nil
}
