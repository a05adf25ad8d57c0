package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	sdk "github.com/cordum/tradeflow/sdk/client"
)

const defaultGateway = "http://localhost:8081"

type globalOptions struct {
	gateway   string
	apiKey    string
	principal string
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "tradeflowctl",
		Short: "Tradeflow gateway CLI",
		Long: `tradeflowctl talks to a tradeflow gateway: submit queries, review and
decide pending approvals, and follow run events.

Examples:
  tradeflowctl query "buy stock X, 10 units" --level 2
  tradeflowctl decide <request_id> --modify quantity=5
  tradeflowctl decide <request_id> --approve
  tradeflowctl run watch <run_id>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.gateway, "gateway", envOr("TRADEFLOW_GATEWAY", defaultGateway), "gateway base url")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", envOr("TRADEFLOW_API_KEY", ""), "api key")
	root.PersistentFlags().StringVar(&opts.principal, "principal", envOr("TRADEFLOW_PRINCIPAL", ""), "principal id sent as X-Principal-Id")

	root.AddCommand(
		newQueryCmd(opts),
		newDecideCmd(opts),
		newRunCmd(opts),
		newApprovalsCmd(opts),
		newCatalogCmd(opts),
		newStatusCmd(opts),
	)
	return root
}

func (o *globalOptions) client() *sdk.Client {
	c := sdk.New(strings.TrimRight(o.gateway, "/"), o.apiKey)
	c.PrincipalID = o.principal
	return c
}

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var threadID, userID string
	var level int
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Submit a natural-language query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &sdk.QueryRequest{
				Query:    strings.Join(args, " "),
				ThreadID: threadID,
				UserID:   userID,
			}
			if cmd.Flags().Changed("level") {
				req.AutomationLevel = &level
			}
			resp, err := opts.client().Query(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "continue an existing thread")
	cmd.Flags().StringVar(&userID, "user", "", "user id whose portfolio the query concerns")
	cmd.Flags().IntVar(&level, "level", 2, "automation level (1 full, 2 major-only, 3 manual)")
	return cmd
}

func newDecideCmd(opts *globalOptions) *cobra.Command {
	var approve, reject bool
	var modify []string
	var freeText, notes string
	cmd := &cobra.Command{
		Use:   "decide <request_id>",
		Short: "Approve, reject or modify a pending approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &sdk.DecisionRequest{RequestID: args[0], FreeText: freeText, Notes: notes}
			switch {
			case approve && !reject && len(modify) == 0 && freeText == "":
				req.Verdict = "approved"
			case reject && !approve && len(modify) == 0 && freeText == "":
				req.Verdict = "rejected"
			case !approve && !reject && (len(modify) > 0 || freeText != ""):
				req.Verdict = "modified"
				changes, err := parseAssignments(modify)
				if err != nil {
					return err
				}
				req.Modifications = changes
			default:
				return fmt.Errorf("use exactly one of --approve, --reject or --modify/--free-text")
			}
			resp, err := opts.client().Decide(cmd.Context(), req)
			if err != nil {
				if sdk.IsStale(err) {
					return fmt.Errorf("request %s is no longer pending: %w", args[0], err)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the proposal")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the proposal")
	cmd.Flags().StringArrayVar(&modify, "modify", nil, "field=value change (repeatable)")
	cmd.Flags().StringVar(&freeText, "free-text", "", "instructions for gates that accept free text")
	cmd.Flags().StringVar(&notes, "notes", "", "notes recorded with the decision")
	return cmd
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and control workflow runs",
	}

	get := &cobra.Command{
		Use:   "get <run_id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().CancelRun(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "", "cancellation reason")

	var after int64
	evs := &cobra.Command{
		Use:   "events <run_id>",
		Short: "List a run's recorded events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := opts.client().GetRunEvents(cmd.Context(), args[0], after)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	evs.Flags().Int64Var(&after, "after", 0, "only events with a greater sequence")

	var watchAfter int64
	watch := &cobra.Command{
		Use:   "watch <run_id>",
		Short: "Follow a run's events until the next done record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return opts.client().StreamRun(cmd.Context(), args[0], watchAfter, func(ev sdk.Event) error {
				line := fmt.Sprintf("%4d %-9s %-10s %s", ev.Sequence, ev.Status, ev.Phase, ev.Node)
				if ev.Message != "" {
					line += "  " + ev.Message
				}
				_, err := fmt.Fprintln(out, strings.TrimRight(line, " "))
				return err
			})
		},
	}
	watch.Flags().Int64Var(&watchAfter, "after", 0, "resume after this sequence")

	cmd.AddCommand(get, cancel, evs, watch)
	return cmd
}

func newApprovalsCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List pending approval requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := opts.client().ListApprovals(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reqs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum requests to list")
	return cmd
}

func newCatalogCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "Show registered workers, answerers and workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.client().GetCatalog(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cat)
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

// parseAssignments turns field=value pairs into modifications. Values are
// read as JSON when possible so numbers stay numbers.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --modify %q: want field=value", pair)
		}
		raw = strings.TrimSpace(raw)
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}
