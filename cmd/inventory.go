package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"rexec/internal/types"
	"rexec/internal/util"
)

func newHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List registered hosts",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			hosts, err := a.db.ListHosts(context.Background())
			if err != nil {
				fail("Failed to list hosts: %v", err)
			}
			if len(hosts) == 0 {
				util.Default.Println("💡 No hosts registered. Use 'rexec import <catalog.yaml>'.")
				return
			}
			util.Default.Printf("%-20s %-14s %-28s %-12s %-14s %-9s %s\n", "NAME", "KIND", "ADDRESS", "USER", "ELEVATION", "STATUS", "CHECKED")
			for _, h := range hosts {
				util.Default.Printf("%-20s %-14s %-28s %-12s %-14s %-9s %s\n",
					h.Name, h.Kind, h.Addr(), h.Username, elevationLabel(h.Elevation), h.Status, checkedLabel(h.StatusChecked))
			}
		},
	}
}

func elevationLabel(e types.Elevation) string {
	if !e.Enabled() {
		return "-"
	}
	return "su " + e.User
}

func checkedLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func newTemplatesCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List command templates",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			tpls, err := a.db.ListTemplates(context.Background())
			if err != nil {
				fail("Failed to list templates: %v", err)
			}
			if len(tpls) == 0 {
				util.Default.Println("💡 No templates yet. Use 'rexec import <catalog.yaml>'.")
				return
			}
			for _, t := range tpls {
				util.Default.Printf("📄 %s\n", menuLabel(t.Category, t.Name, t.Description))
				if !verbose {
					continue
				}
				kinds := make([]string, len(t.HostKinds))
				for i, k := range t.HostKinds {
					kinds[i] = string(k)
				}
				timeout := "none"
				if t.TimeoutSeconds > 0 {
					timeout = t.Timeout().String()
				}
				util.Default.Printf("   command: %s\n   kinds: %s  timeout: %s  confirm: %v\n",
					t.Command, strings.Join(kinds, ","), timeout, t.Confirm)
				for _, p := range t.Params {
					util.Default.Printf("   - %s\n", paramLabel(p))
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show commands and parameters")
	return cmd
}

func paramLabel(p types.ParamSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s", p.Name, p.Type)
	if p.Required {
		b.WriteString(", required")
	}
	if p.Sensitive {
		b.WriteString(", sensitive")
	}
	b.WriteString(")")
	switch {
	case p.Type == types.ParamEnum:
		fmt.Fprintf(&b, " one of %s", strings.Join(p.Options, "|"))
	case p.Pattern != "":
		fmt.Fprintf(&b, " matching %s", p.Pattern)
	}
	if p.Min != nil {
		fmt.Fprintf(&b, " min %d", *p.Min)
	}
	if p.Max != nil {
		fmt.Fprintf(&b, " max %d", *p.Max)
	}
	if p.Default != nil && !p.Sensitive {
		fmt.Fprintf(&b, " default %q", *p.Default)
	}
	return b.String()
}

func newTestCmd() *cobra.Command {
	var all, jsonOut bool
	var parallel int
	cmd := &cobra.Command{
		Use:   "test [host...]",
		Short: "Test connectivity (login and elevation) to hosts",
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			ctx, cancel := signalContext()
			defer cancel()

			var hosts []types.Host
			switch {
			case all:
				list, err := a.db.ListHosts(ctx)
				if err != nil {
					fail("Failed to list hosts: %v", err)
				}
				hosts = list
			case len(args) > 0:
				for _, ref := range args {
					hosts = append(hosts, a.findHost(ctx, ref))
				}
			default:
				fail("Name at least one host or pass --all")
			}
			if parallel <= 0 {
				parallel = a.cfg.SSH.Parallel
			}

			var failed atomic.Int32
			tasks := make([]util.ConcurrentTask, len(hosts))
			for i, h := range hosts {
				h := h
				tasks[i] = func(ctx context.Context) error {
					res, err := a.engine.TestConnection(ctx, h.ID)
					if err != nil {
						return fmt.Errorf("host %s: %w", h.Name, err)
					}
					if jsonOut {
						env, err := res.Envelope()
						if err != nil {
							return err
						}
						line, err := json.Marshal(struct {
							Host   string          `json:"host"`
							Result json.RawMessage `json:"result"`
						}{h.Name, env})
						if err != nil {
							return err
						}
						util.Default.PrintBlock(string(line))
						if !res.Success {
							failed.Add(1)
						}
						return nil
					}
					if res.Success {
						util.Default.Printf("✅ %-20s %-8s %s\n", h.Name, res.Status, res.Latency.Round(time.Millisecond))
						return nil
					}
					failed.Add(1)
					util.Default.Printf("❌ %-20s %-8s %v\n", h.Name, res.Status, res.Err)
					return nil
				}
			}
			if err := util.RunConcurrent(ctx, tasks, parallel); err != nil {
				fail("Connection test aborted: %v", err)
			}
			if n := failed.Load(); n > 0 {
				util.Default.Printf("⚠️  %d of %d hosts failed\n", n, len(hosts))
				a.exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Test every registered host")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "Concurrent tests (default from config)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print one JSON result per host")
	return cmd
}
