// Command auditctl evaluates a YAML rule pack against a JSON claims file without a database.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/liamcoop/claimrules/audit"
	"github.com/liamcoop/claimrules/claims"
	"github.com/liamcoop/claimrules/internal/logger"
	"github.com/liamcoop/claimrules/rules"
)

func main() {
	// results go to stdout, logs to stderr
	logger.SetOutput(os.Stderr)
	logger.SetSampleRate(1)

	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AUDITCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Offline pharmacy claim rule evaluation",
		Long: `auditctl loads a rule pack (YAML) and a claims file (JSON array) into memory
and evaluates every active rule against every claim.

Examples:
  auditctl validate pack.yaml
  auditctl evaluate --pack pack.yaml --claims claims.json
  auditctl evaluate --pack pack.yaml --claims claims.json --run --json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logger.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			return nil
		},
	}
	root.SetOut(out)

	root.PersistentFlags().String("tenant", "local", "tenant the claims and rules belong to")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().String("log-level", "WARN", "log level: TRACE, DEBUG, INFO, WARN, ERROR")
	_ = v.BindPFlag("tenant", root.PersistentFlags().Lookup("tenant"))
	_ = v.BindPFlag("json", root.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(validateCmd(v))
	root.AddCommand(evaluateCmd(v))
	return root
}

func validateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pack.yaml>",
		Short: "Check every rule definition in a pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pack, err := rules.LoadPack(args[0])
			if err != nil {
				return err
			}
			if err := pack.Validate(); err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"name": pack.Name, "rules": len(pack.Rules), "valid": true})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pack %q: %d rules valid\n", pack.Name, len(pack.Rules))
			return nil
		},
	}
}

type evaluateOptions struct {
	pack        string
	claims      string
	blocked     string
	ingestionID string
	run         bool
	all         bool
	workers     int
}

func evaluateCmd(v *viper.Viper) *cobra.Command {
	var opts evaluateOptions
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a rule pack against a claims file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd.Context(), cmd.OutOrStdout(), v.GetString("tenant"), v.GetBool("json"), opts)
		},
	}
	cmd.Flags().StringVar(&opts.pack, "pack", "", "rule pack YAML file (required)")
	cmd.Flags().StringVar(&opts.claims, "claims", "", "claims JSON file (required)")
	cmd.Flags().StringVar(&opts.blocked, "blocked", "", "file of blocked NDCs, one per line")
	cmd.Flags().StringVar(&opts.ingestionID, "ingestion", "cli", "ingestion ID stamped on loaded claims")
	cmd.Flags().BoolVar(&opts.run, "run", false, "perform an audit run and report flags instead of per-claim results")
	cmd.Flags().BoolVar(&opts.all, "all", false, "include rules that did not match")
	cmd.Flags().IntVar(&opts.workers, "workers", 4, "parallel workers for --run")
	_ = cmd.MarkFlagRequired("pack")
	_ = cmd.MarkFlagRequired("claims")
	return cmd
}

func runEvaluate(ctx context.Context, out io.Writer, tenantID string, asJSON bool, opts evaluateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	pack, err := rules.LoadPack(opts.pack)
	if err != nil {
		return err
	}
	loaded, err := loadClaims(opts.claims)
	if err != nil {
		return err
	}

	store := claims.NewMemoryStore()
	for _, c := range loaded {
		c.TenantID = tenantID
		if c.IngestionID == "" {
			c.IngestionID = opts.ingestionID
		}
		if err := store.Add(ctx, c); err != nil {
			return err
		}
	}
	if opts.blocked != "" {
		if err := loadBlocked(ctx, store, tenantID, opts.blocked); err != nil {
			return err
		}
	}

	engine, err := rules.NewEngine(rules.NewInMemoryRuleStore(),
		rules.WithTenant(tenantID),
		rules.WithLookup(store),
		rules.WithReferenceLists(store),
		rules.WithLogger(logger.Logger),
	)
	if err != nil {
		return err
	}
	for _, r := range pack.Rules {
		if err := engine.AddRule(ctx, r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}

	if opts.run {
		return runAudit(ctx, out, engine, store, asJSON, opts)
	}

	type claimResults struct {
		Claim   string                    `json:"claim_id"`
		Results []*rules.EvaluationResult `json:"results"`
		Errors  []string                  `json:"errors,omitempty"`
	}
	var report []claimResults
	for _, c := range loaded {
		results, err := engine.EvaluateAll(ctx, c)
		entry := claimResults{Claim: c.ClaimID}
		if err != nil {
			entry.Errors = splitErrors(err)
		}
		for _, res := range results {
			if res.Matched || opts.all {
				entry.Results = append(entry.Results, res)
			}
		}
		report = append(report, entry)
	}

	if asJSON {
		return printJSON(out, report)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Claim", "Rule", "Kind", "Severity", "Matched", "Summary"})
	for _, entry := range report {
		for _, res := range entry.Results {
			tw.AppendRow(table.Row{entry.Claim, res.RuleName, res.LogicKind, res.Severity, res.Matched, res.Explanation.Summary()})
		}
		for _, msg := range entry.Errors {
			tw.AppendRow(table.Row{entry.Claim, "", "", "", "error", msg})
		}
	}
	tw.Render()
	return nil
}

func runAudit(ctx context.Context, out io.Writer, engine *rules.Engine, store *claims.MemoryStore, asJSON bool, opts evaluateOptions) error {
	flags := audit.NewInMemoryFlagStore()
	runner := audit.NewRunner(store, flags, audit.NewInMemoryRunStore(),
		audit.WithWorkers(opts.workers),
		audit.WithRunLogger(logger.Logger))

	// the store holds only this invocation's claims, so the run covers the whole tenant
	run, err := runner.Run(ctx, engine, audit.RunRequest{})
	if err != nil {
		return err
	}
	flagged, err := flags.List(ctx, audit.FlagFilter{TenantID: engine.TenantID(), RunID: run.ID})
	if err != nil {
		return err
	}

	if asJSON {
		return printJSON(out, map[string]any{"run": run, "flags": flagged})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Claim", "Rule", "Severity", "Recoupable", "Summary"})
	for _, f := range flagged {
		tw.AppendRow(table.Row{f.ClaimNumber, f.RuleName, f.Severity, f.Recoupable, f.Explanation.Summary()})
	}
	tw.AppendFooter(table.Row{"", "", "", "Flags", run.FlagsGenerated})
	tw.Render()
	fmt.Fprintf(out, "run %s: %s, %d claims x %d rules, %d errors\n",
		run.ID, run.Status, run.ClaimsProcessed, run.RulesExecuted, run.ErrorCount)
	for _, msg := range run.ErrorMessages {
		fmt.Fprintln(out, "  error:", msg)
	}
	return nil
}

func loadClaims(path string) ([]*claims.Claim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []*claims.Claim
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse claims file %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("claims file %s has no claims", path)
	}
	return out, nil
}

func loadBlocked(ctx context.Context, store *claims.MemoryStore, tenantID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := store.BlockNDC(ctx, tenantID, line, "blocked list file"); err != nil {
			return err
		}
	}
	return sc.Err()
}

// splitErrors unpacks an errors.Join result into one message per rule
func splitErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
