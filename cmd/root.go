package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"rexec/internal/executor"
	"rexec/internal/types"
	"rexec/internal/util"
)

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "rexec",
		Short: "Run command templates on remote hosts over SSH",
		Long: `rexec runs parameterized command templates against registered hosts over SSH,
optionally switching user with su, and keeps a tamper-evident execution history.`,
		Run: func(cmd *cobra.Command, args []string) {
			showMenu()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default ./rexec.yaml)")
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTestCmd())
	rootCmd.AddCommand(newHostsCmd())
	rootCmd.AddCommand(newTemplatesCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newImportCmd())
	rootCmd.AddCommand(newVaultCmd())
}

func Execute() error {
	return rootCmd.Execute()
}

type runOptions struct {
	params         []string
	yes            bool
	timeout        time.Duration
	connectTimeout time.Duration
	jsonOut        bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <template> <host>",
		Short: "Run a command template on a host",
		Long: `Run a command template on a host. Templates and hosts are referenced by id or name.
Parameters are passed as --param name=value and may be repeated.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			a := mustOpenApp()
			defer a.Close()
			ctx, cancel := signalContext()
			defer cancel()

			tpl := a.findTemplate(ctx, args[0])
			host := a.findHost(ctx, args[1])
			raw, err := parseParams(opts.params)
			if err != nil {
				fail("%v", err)
			}
			if isInteractive() && !opts.jsonOut {
				promptMissing(tpl, raw)
			}
			a.exit(a.runTemplate(ctx, tpl, host, raw, opts))
		},
	}
	cmd.Flags().StringArrayVarP(&opts.params, "param", "p", nil, "Template parameter (name=value)")
	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Command timeout (overrides the template's)")
	cmd.Flags().DurationVar(&opts.connectTimeout, "connect-timeout", 0, "Connection timeout (overrides the config)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the result as JSON instead of streaming output")
	return cmd
}

func parseParams(pairs []string) (map[string]string, error) {
	raw := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q (want name=value)", p)
		}
		raw[name] = value
	}
	return raw, nil
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// promptMissing asks for required parameters that have neither a value nor a default.
func promptMissing(tpl types.CommandTemplate, raw map[string]string) {
	for _, p := range tpl.Params {
		if raw[p.Name] != "" || p.Default != nil || !p.Required {
			continue
		}
		raw[p.Name] = promptParam(p)
	}
}

func promptParam(p types.ParamSpec) string {
	label := p.Label
	if label == "" {
		label = p.Name
	}
	if p.Type == types.ParamEnum {
		sel := promptui.Select{Label: label, Items: p.Options, Size: 10}
		_, v, err := sel.Run()
		if err != nil {
			fail("Cancelled: %v", err)
		}
		return v
	}
	prompt := promptui.Prompt{Label: label}
	if p.Default != nil {
		prompt.Default = *p.Default
	}
	if p.Sensitive {
		prompt.Mask = '*'
	}
	v, err := prompt.Run()
	if err != nil {
		fail("Cancelled: %v", err)
	}
	return v
}

// confirm asks before running templates flagged for confirmation. Without a terminal the
// run is refused unless --yes was given.
func confirm(tpl types.CommandTemplate, host types.Host, yes bool) bool {
	if !tpl.Confirm || yes {
		return true
	}
	if !isInteractive() {
		util.Default.Printf("❌ Template '%s' requires confirmation; rerun with --yes\n", tpl.Name)
		return false
	}
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("Run '%s' on %s (%s)", tpl.Name, host.Name, host.Addr()),
		IsConfirm: true,
	}
	_, err := prompt.Run()
	return err == nil
}

// runTemplate executes and reports; the return value is the process exit code.
func (a *app) runTemplate(ctx context.Context, tpl types.CommandTemplate, host types.Host, raw map[string]string, opts runOptions) int {
	if !confirm(tpl, host, opts.yes) {
		util.Default.Println("⚠️  Not run")
		return 1
	}

	req := executor.Request{
		TemplateID:     tpl.ID,
		HostID:         host.ID,
		Params:         raw,
		CommandTimeout: opts.timeout,
		ConnectTimeout: opts.connectTimeout,
	}
	if !opts.jsonOut {
		req.Stdout = os.Stdout
		req.Stderr = os.Stderr
		util.Default.Printf("🚀 Running '%s' on %s\n", tpl.Name, host.Name)
	}
	res, err := a.engine.Run(ctx, req)
	if err != nil && res == nil {
		fail("Execution failed: %v", err)
	}

	if opts.jsonOut {
		b, jerr := res.Envelope()
		if jerr != nil {
			fail("Failed to encode result: %v", jerr)
		}
		util.Default.PrintBlock(string(b))
	} else {
		reportResult(res)
	}
	if err != nil {
		util.Default.Printf("❌ %v\n", err)
		return 1
	}
	switch {
	case res.Success:
		return 0
	case res.Err != nil && res.Err.Kind == types.KindRemoteNonZeroExit && res.ExitCode > 0 && res.ExitCode < 256:
		return res.ExitCode
	default:
		return 1
	}
}

func reportResult(res *executor.Result) {
	id := res.ExecutionID
	if id == "" {
		id = "not recorded"
	}
	switch {
	case res.Success:
		util.Default.Printf("✅ Exit 0 in %s (execution %s)\n", res.Duration.Round(time.Millisecond), id)
	case res.Err != nil && res.Err.Kind == types.KindRemoteNonZeroExit:
		util.Default.Printf("❌ Exit %d in %s (execution %s)\n", res.ExitCode, res.Duration.Round(time.Millisecond), id)
	default:
		util.Default.Printf("❌ %v (execution %s)\n", res.Err, id)
	}
}

// showMenu walks through template, host and parameter selection.
func showMenu() {
	a := mustOpenApp()
	defer a.Close()
	ctx, cancel := signalContext()
	defer cancel()

	if !isInteractive() {
		fail("The interactive menu needs a terminal; use 'rexec run' instead")
	}

	tpls, err := a.db.ListTemplates(ctx)
	if err != nil {
		fail("Failed to list templates: %v", err)
	}
	if len(tpls) == 0 {
		util.Default.Println("💡 No templates yet. Use 'rexec import <catalog.yaml>' to add some.")
		return
	}
	items := make([]string, len(tpls))
	for i, t := range tpls {
		items[i] = menuLabel(t.Category, t.Name, t.Description)
	}
	tsel := promptui.Select{Label: "Select a command template", Items: items, Size: 10}
	ti, _, err := tsel.Run()
	if err != nil {
		util.Default.Printf("❌ Menu cancelled: %v\n", err)
		return
	}
	tpl := tpls[ti]

	hosts, err := a.db.ListHosts(ctx)
	if err != nil {
		fail("Failed to list hosts: %v", err)
	}
	var compatible []types.Host
	var hostItems []string
	for _, h := range hosts {
		if tpl.Supports(h.Kind) {
			compatible = append(compatible, h)
			hostItems = append(hostItems, fmt.Sprintf("%s (%s@%s) [%s]", h.Name, h.Username, h.Addr(), h.Status))
		}
	}
	if len(compatible) == 0 {
		util.Default.Printf("⚠️  No host supports template '%s'\n", tpl.Name)
		return
	}
	hsel := promptui.Select{Label: "Select a host", Items: hostItems, Size: 10}
	hi, _, err := hsel.Run()
	if err != nil {
		util.Default.Printf("❌ Menu cancelled: %v\n", err)
		return
	}

	raw := make(map[string]string, len(tpl.Params))
	for _, p := range tpl.Params {
		raw[p.Name] = promptParam(p)
	}
	a.exit(a.runTemplate(ctx, tpl, compatible[hi], raw, runOptions{}))
}

func menuLabel(category, name, description string) string {
	label := name
	if category != "" {
		label = category + " / " + name
	}
	if description != "" {
		label += " - " + firstLine(description)
	}
	return label
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// readSecret reads one line without echo from a terminal, or plainly from a pipe.
func readSecret(label string, in *os.File) (string, error) {
	if term.IsTerminal(int(in.Fd())) {
		util.Default.Printf("%s: ", label)
		b, err := term.ReadPassword(int(in.Fd()))
		util.Default.Println()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
