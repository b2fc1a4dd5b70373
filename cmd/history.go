package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"rexec/internal/recorder"
	"rexec/internal/store"
	"rexec/internal/types"
	"rexec/internal/util"
)

func newHistoryCmd() *cobra.Command {
	var hostRef, templateRef string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded executions, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			ctx := context.Background()

			f := store.ExecutionFilter{Limit: limit}
			if hostRef != "" {
				f.HostID = a.findHost(ctx, hostRef).ID
			}
			if templateRef != "" {
				f.TemplateID = a.findTemplate(ctx, templateRef).ID
			}
			list, err := a.db.ListExecutions(ctx, f)
			if err != nil {
				fail("Failed to read history: %v", err)
			}
			if len(list) == 0 {
				util.Default.Println("💡 No executions recorded")
				return
			}
			names := a.nameLookup(ctx)
			util.Default.Printf("%-5s %-36s %-19s %-20s %-20s %-8s %5s %10s\n", "SEQ", "ID", "STARTED", "TEMPLATE", "HOST", "OUTCOME", "EXIT", "DURATION")
			for _, e := range list {
				util.Default.Printf("%-5d %-36s %-19s %-20s %-20s %-8s %5d %10s\n",
					e.Seq, e.ID, e.StartedAt.Local().Format("2006-01-02 15:04:05"),
					names(e.TemplateID), names(e.HostID), e.Outcome, e.ExitCode, e.Duration.Round(time.Millisecond))
			}
		},
	}
	cmd.Flags().StringVar(&hostRef, "host", "", "Only executions on this host (id or name)")
	cmd.Flags().StringVar(&templateRef, "template", "", "Only executions of this template (id or name)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records (0 for all)")
	cmd.AddCommand(newHistoryShowCmd())
	return cmd
}

// nameLookup maps host and template ids to names for display. Ids of deleted rows are
// shown as they are.
func (a *app) nameLookup(ctx context.Context) func(id string) string {
	names := map[string]string{}
	if hosts, err := a.db.ListHosts(ctx); err == nil {
		for _, h := range hosts {
			names[h.ID] = h.Name
		}
	}
	if tpls, err := a.db.ListTemplates(ctx); err == nil {
		for _, t := range tpls {
			names[t.ID] = t.Name
		}
	}
	return func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}
}

func newHistoryShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one recorded execution with its output",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			ctx := context.Background()

			e, err := a.db.GetExecution(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				fail("Execution '%s' not found", args[0])
			}
			if err != nil {
				fail("Failed to read execution: %v", err)
			}
			if jsonOut {
				b, err := json.MarshalIndent(e, "", "  ")
				if err != nil {
					fail("Failed to encode execution: %v", err)
				}
				util.Default.PrintBlock(string(b))
				return
			}
			printExecution(e, a.nameLookup(ctx))
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the record as JSON")
	return cmd
}

func printExecution(e types.Execution, names func(string) string) {
	util.Default.Printf("Execution #%d %s\n", e.Seq, e.ID)
	util.Default.Printf("  template: %s\n  host:     %s\n", names(e.TemplateID), names(e.HostID))
	util.Default.Printf("  started:  %s\n  duration: %s\n", e.StartedAt.Local().Format(time.RFC3339), e.Duration.Round(time.Millisecond))
	util.Default.Printf("  outcome:  %s (exit %d)\n", e.Outcome, e.ExitCode)
	if e.ErrorKind != "" {
		util.Default.Printf("  error:    %s\n", e.ErrorMessage)
	}
	if e.Parameters != nil {
		keys := make([]string, 0, len(e.Parameters))
		for k := range e.Parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		util.Default.Println("  parameters:")
		for _, k := range keys {
			util.Default.Printf("    %s = %s\n", k, e.Parameters[k])
		}
	}
	if e.Stdout != "" {
		util.Default.Println("--- stdout ---")
		util.Default.PrintBlock(e.Stdout)
	}
	if e.Stderr != "" {
		util.Default.Println("--- stderr ---")
		util.Default.PrintBlock(e.Stderr)
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the execution history hash chain",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()

			n, err := a.rec.Verify(context.Background())
			var chainErr *recorder.ChainError
			switch {
			case errors.As(err, &chainErr):
				util.Default.Printf("❌ %v\n", chainErr)
				util.Default.Printf("   %d records before it are intact\n", n)
				a.exit(1)
			case err != nil:
				fail("Verification failed: %v", err)
			}
			util.Default.Printf("✅ %d records verified\n", n)
		},
	}
}
