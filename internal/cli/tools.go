package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/exprtools/internal/tracing"
	"github.com/harun/exprtools/pkg/expr"
	"github.com/harun/exprtools/pkg/loader"
	"github.com/harun/exprtools/pkg/toolexecutor"
)

var (
	listJSON bool
	callJSON string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	Long:  `Load the descriptor directory and list every tool that compiled.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var callCmd = &cobra.Command{
	Use:   "call <tool> [name=value ...]",
	Short: "Invoke a tool",
	Long: `Load the descriptor directory and invoke one tool. Arguments are given as
name=value pairs or as a JSON object with --json. Values are coerced to the
declared parameter types.`,
	Example: `  exprtools call add a=2 b=3
  exprtools call add --json '{"a": 2, "b": 3}'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

var checkCmd = &cobra.Command{
	Use:   "check [source ...]",
	Short: "Validate descriptors",
	Long: `Load the descriptor directory, or only the given sources, and report every
descriptor that failed to parse or compile, and every warning. Sources are paths
inside the descriptor directory. Exits non-zero when any descriptor failed.`,
	RunE: runCheck,
}

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "List the functions expressions may call",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range expr.Functions() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print tool descriptions as JSON")
	callCmd.Flags().StringVar(&callJSON, "json", "", "arguments as a JSON object")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(functionsCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.load(cmd.Context()); err != nil {
		return err
	}

	infos := a.registry.Describe()
	out := cmd.OutOrStdout()

	if listJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMETERS\tSOURCE\tDESCRIPTION")
	for _, info := range infos {
		tool, ok := a.registry.Get(info.Name)
		if !ok {
			continue
		}
		params := make([]string, 0, len(tool.Parameters()))
		for _, p := range tool.Parameters() {
			params = append(params, p.Name+":"+string(p.Type))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Name, strings.Join(params, ","), info.Source, info.Description)
	}
	return tw.Flush()
}

func runCall(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseCallArgs(args[1:], callJSON)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.load(cmd.Context()); err != nil {
		return err
	}

	ctx := tracing.NewRequestContext(cmd.Context(), "cli", "")
	ctx = toolexecutor.ContextWithExecContext(ctx, &toolexecutor.ExecutionContext{Caller: "cli"})
	result := a.executor.Execute(ctx, args[0], toolArgs)
	if !result.Success {
		return fmt.Errorf("tool %s failed (%s): %s", args[0], result.ErrorType, result.Error)
	}

	output := fmt.Sprint(result.Output)
	if v, ok := expr.FromInterface(result.Output); ok {
		output = v.String()
	}
	fmt.Fprintln(cmd.OutOrStdout(), output)
	return nil
}

// parseCallArgs merges a JSON object with name=value pairs. Pairs win.
func parseCallArgs(pairs []string, raw string) (map[string]interface{}, error) {
	args := map[string]interface{}{}

	if raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&args); err != nil {
			return nil, fmt.Errorf("invalid --json arguments: %w", err)
		}
		if args == nil {
			args = map[string]interface{}{}
		}
	}

	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid argument %q (expected name=value)", pair)
		}
		args[name] = value
	}

	return args, nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var report *loader.Report
	if len(args) > 0 {
		report, err = a.loadSources(cmd.Context(), args)
	} else {
		report, err = a.load(cmd.Context())
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, f := range report.Failures {
		fmt.Fprintf(out, "FAIL  %s [%s]: %v\n", f.Source, f.Kind(), f.Err)
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "WARN  [%s] %s\n", w.Kind(), w.Error())
	}
	fmt.Fprintf(out, "%d sources, %d tools registered, %d failed, %d warnings\n",
		len(report.Sources), len(report.Registered), len(report.Failures), len(report.Warnings))

	if !report.OK() {
		return fmt.Errorf("%d of %d descriptors failed", len(report.Failures), len(report.Sources))
	}
	return nil
}
