// Package main implements fixplan, the operator CLI for a fixpland daemon.
// It submits plan files, shows status and audit trails, and records review
// decisions over the HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/fixplan/internal/engine"
	apihttp "github.com/fyrsmithlabs/fixplan/internal/http"
	"github.com/fyrsmithlabs/fixplan/internal/plan"
)

// version information (set via ldflags during build)
var version = "dev"

const defaultServer = "http://127.0.0.1:8420"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the persistent flags of one invocation.
type app struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func (a *app) client() *client { return newClient(a.server, a.token, a.timeout) }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "fixplan",
		Short: "Operate a fixpland daemon",
		Long: `fixplan submits remediation plans to a fixpland daemon, follows them through
review and execution, and records review decisions.

The server URL and reviewer token default to $FIXPLAN_SERVER and $FIXPLAN_TOKEN.`,
		Version:      version,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.server, "server", envOr("FIXPLAN_SERVER", defaultServer), "fixpland server URL")
	pf.StringVar(&a.token, "token", os.Getenv("FIXPLAN_TOKEN"), "reviewer bearer token")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")
	pf.BoolVar(&a.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		submitCmd(a),
		statusCmd(a),
		listCmd(a),
		auditCmd(a),
		pendingCmd(a),
		decisionCmd(a, "approve"),
		decisionCmd(a, "reject"),
		cancelCmd(a),
		searchCmd(a),
		healthCmd(a),
		statsCmd(a),
		monitorCmd(a),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "fixplan %s\n", version)
			},
		},
	)
	return root
}

func submitCmd(a *app) *cobra.Command {
	var (
		file  string
		draft bool
	)
	cmd := &cobra.Command{
		Use:   "submit -f plan.yaml",
		Short: "Submit a plan file (.yaml, .yml, .json or .toml)",
		Example: `  fixplan submit -f raise-pool.yaml
  fixplan submit -f wip.toml --draft`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", file, err)
			}
			sub, err := plan.DecodeFile(file, data)
			if err != nil {
				return err
			}
			var p plan.Plan
			req := apihttp.SubmitRequest{Submission: *sub, Draft: draft}
			if err := a.client().do(cmd.Context(), http.MethodPost, "/api/v1/plans", nil, req, &p); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s (%s)\n", p.ID, p.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "plan file")
	cmd.Flags().BoolVar(&draft, "draft", false, "keep the plan editable instead of submitting it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan with its feedback and execution log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p plan.Plan
			if err := a.client().do(cmd.Context(), http.MethodGet, "/api/v1/plans/"+url.PathEscape(args[0]), nil, nil, &p); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), p)
			}
			printPlan(cmd.OutOrStdout(), &p)
			return nil
		},
	}
}

func listCmd(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			return a.listPlans(cmd, "/api/v1/plans", q)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only plans in this status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of plans")
	return cmd
}

func pendingCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List plans awaiting a review decision, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.listPlans(cmd, "/api/v1/reviews/pending", nil)
		},
	}
}

func (a *app) listPlans(cmd *cobra.Command, path string, q url.Values) error {
	var list apihttp.PlanList
	if err := a.client().do(cmd.Context(), http.MethodGet, path, q, nil, &list); err != nil {
		return err
	}
	if a.json {
		return printJSON(cmd.OutOrStdout(), list)
	}
	printPlans(cmd.OutOrStdout(), list.Plans)
	return nil
}

func auditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <plan-id>",
		Short: "Show the audit trail of a plan and verify its hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var trail engine.AuditTrail
			if err := a.client().do(cmd.Context(), http.MethodGet, "/api/v1/plans/"+url.PathEscape(args[0])+"/audit", nil, nil, &trail); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), trail)
			}
			printAudit(cmd.OutOrStdout(), &trail)
			if !trail.Verified {
				return fmt.Errorf("audit chain of %s does not verify", args[0])
			}
			return nil
		},
	}
}

// decisionCmd builds approve and reject; reject requires a justification.
func decisionCmd(a *app, decision string) *cobra.Command {
	var justification string
	cmd := &cobra.Command{
		Use:   decision + " <plan-id>",
		Short: strings.ToUpper(decision[:1]) + decision[1:] + " a plan awaiting review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.token == "" {
				return fmt.Errorf("%s needs a reviewer token (--token or FIXPLAN_TOKEN)", decision)
			}
			var res apihttp.DecisionResponse
			req := apihttp.DecisionRequest{Decision: decision, Justification: justification}
			path := "/api/v1/plans/" + url.PathEscape(args[0]) + "/decision"
			if err := a.client().do(cmd.Context(), http.MethodPost, path, nil, req, &res); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], res.Status)
			return nil
		},
	}
	cmd.Flags().StringVarP(&justification, "justification", "j", "", "reason for the decision")
	if decision == "reject" {
		_ = cmd.MarkFlagRequired("justification")
	}
	return cmd
}

func cancelCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Request cancellation of an approved, queued or running plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.token == "" {
				return fmt.Errorf("cancel needs a reviewer token (--token or FIXPLAN_TOKEN)")
			}
			var p plan.Plan
			path := "/api/v1/plans/" + url.PathEscape(args[0]) + "/cancel"
			if err := a.client().do(cmd.Context(), http.MethodPost, path, nil, apihttp.CancelRequest{Reason: reason}, &p); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), p)
			}
			if p.CancelRequested && !p.Status.Terminal() {
				fmt.Fprintf(cmd.OutOrStdout(), "cancellation of %s requested (%s)\n", p.ID, p.Status)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", p.ID, p.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "why the plan is cancelled")
	return cmd
}

func searchCmd(a *app) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search knowledge distilled from succeeded plans",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}}
			if k > 0 {
				q.Set("k", strconv.Itoa(k))
			}
			var res apihttp.SearchResponse
			if err := a.client().do(cmd.Context(), http.MethodGet, "/api/v1/knowledge/search", q, nil, &res); err != nil {
				return err
			}
			if a.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printMatches(cmd.OutOrStdout(), res.Matches)
			return nil
		},
	}
	cmd.Flags().IntVarP(&k, "limit", "k", 0, "maximum number of matches (server default 5)")
	return cmd
}

func healthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check fixpland health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			var h apihttp.HealthResponse
			if err := a.client().do(ctx, http.MethodGet, "/health", nil, nil, &h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\nServer URL: %s\n", h.Status, a.server)
			return nil
		},
	}
}
