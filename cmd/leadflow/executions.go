package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/abhogle/leadops-os-sub001"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStartCmd(a *app) *cobra.Command {
	var contextJSON string
	cmd := &cobra.Command{
		Use:   "start <definition-id> <subject-ref>",
		Short: "Start an execution of the latest active definition version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var initial map[string]any
			if contextJSON != "" {
				if err := json.Unmarshal([]byte(contextJSON), &initial); err != nil {
					return fmt.Errorf("--context: %w", err)
				}
			}
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				id, err := b.Runtime.StartWorkflow(ctx, args[0], args[1], initial)
				if id != "" {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&contextJSON, "context", "", `initial context as a JSON object, e.g. '{"first_name":"Ada"}'`)
	return cmd
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running or waiting execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				return b.Runtime.CancelWorkflow(ctx, args[0])
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print an execution as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				exec, err := b.Runtime.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), exec)
			})
		},
	}
}

func newStepsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "steps <execution-id>",
		Short: "List the recorded steps of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				steps, err := b.Runtime.ListSteps(ctx, args[0])
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tNODE\tTYPE\tSTATUS\tATTEMPT\tBRANCH\tERROR")
				for _, s := range steps {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
						s.CreatedAt.Format(time.RFC3339), s.NodeID, s.NodeType, s.Status, s.Attempt, s.Branch, s.Error)
				}
				return tw.Flush()
			})
		},
	}
}

func newDeadLettersCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dead-letters <queue>",
		Short: "List dead-lettered jobs of the immediate or delayed queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				jobs, err := b.Runtime.DeadLetters(ctx, args[0], limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "JOB\tEXECUTION\tNODE\tATTEMPTS\tLAST ERROR")
				for _, j := range jobs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", j.ID, j.ExecutionID, j.NodeID, j.Attempts, j.LastError)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	cmd.AddCommand(&cobra.Command{
		Use:   "redrive <queue> <job-id>",
		Short: "Move a dead-lettered job back to its queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBundle(ctx, func(b *leadflow.Bundle) error {
				return b.Runtime.Redrive(ctx, args[0], args[1])
			})
		},
	})
	return cmd
}
