package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sammyslee/if.then.fund/internal/config"
	"github.com/sammyslee/if.then.fund/internal/db"
	"github.com/sammyslee/if.then.fund/internal/domain"
	"github.com/sammyslee/if.then.fund/internal/donations"
	"github.com/sammyslee/if.then.fund/internal/engine"
	"github.com/sammyslee/if.then.fund/internal/geo"
	"github.com/sammyslee/if.then.fund/internal/legislative"
	"github.com/sammyslee/if.then.fund/internal/migrate"
	"github.com/sammyslee/if.then.fund/internal/repo"
	"github.com/sammyslee/if.then.fund/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "itf",
	Short: "if.then.fund CLI",
	Long: `if.then.fund turns conditional small-dollar pledges into campaign contributions.
Core concepts:
- Trigger: an upcoming event (usually a roll call vote) with a fixed list of outcomes.
  Lifecycle: draft -> open -> (paused) -> executed or vacated.
- Pledge: a user's commitment of an amount on one desired outcome, with optional
  party/competitiveness filters and an incumbent/challenger dial.
- Execution: when the trigger resolves, each actor's behavior is snapshotted as an
  Action; each open pledge is then distributed into per-recipient contributions
  (reward those who took the desired outcome, fund the opponents of those who didn't).
- Recipients: incumbent campaign committees, or general-election challenger slots.
- Aggregates: cached contribution totals sliced by outcome and district.
- Event log: diary of changes, view with 'itf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ITF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "audit actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(pledgeCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(recipientCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default itf.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config is the rulebook: the fee schedule (algorithm), contribution limits, the pre-execution warning window, and the processor/legislative/geocoder endpoints.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func triggerCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "trigger",
		Short: "Manage triggers",
		Long:  "Triggers are the conditional events pledges hang off. Create one (draft), open it for pledging, then execute it from a roll call vote or an explicit outcome list.",
	}
	t.AddCommand(triggerCreateCmd())
	t.AddCommand(triggerCreateFromBillCmd())
	t.AddCommand(triggerListCmd())
	t.AddCommand(triggerShowCmd())
	t.AddCommand(triggerSetStatusCmd("open"))
	t.AddCommand(triggerSetStatusCmd("pause"))
	t.AddCommand(triggerExecuteCmd())
	t.AddCommand(triggerExecuteVoteCmd())
	t.AddCommand(triggerVacateCmd())
	t.AddCommand(triggerOutcomesCmd())
	t.AddCommand(triggerPledgesCmd())
	t.AddCommand(triggerNoticesCmd())
	t.AddCommand(triggerExecutePledgesCmd())
	return t
}

func triggerCreateCmd() *cobra.Command {
	var opts engine.TriggerCreateOptions
	var outcomesJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outcomesJSON == "" {
				return fmt.Errorf("--outcomes-json required, e.g. '[{\"vote_key\":\"+\",\"label\":\"Yes\"},{\"vote_key\":\"-\",\"label\":\"No\"}]'")
			}
			if err := json.Unmarshal([]byte(outcomesJSON), &opts.Outcomes); err != nil {
				return fmt.Errorf("parse --outcomes-json: %w", err)
			}
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTrigger(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "trigger id (optional)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "external lookup key")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Slug, "slug", "", "url slug (derived from title if omitted)")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&outcomesJSON, "outcomes-json", "", "JSON array of {vote_key,label}")
	cmd.Flags().IntVar(&opts.MaxSplit, "max-split", 0, "maximum recipients a pledge can split across (chamber size)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("max-split")
	return cmd
}

func triggerCreateFromBillCmd() *cobra.Command {
	var billID, chamber string
	cmd := &cobra.Command{
		Use:   "create-from-bill",
		Short: "Create a yes/no trigger for a vote on a bill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTriggerFromBill(ctx, billID, chamber, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&billID, "bill", "", "bill id")
	cmd.Flags().StringVar(&chamber, "chamber", "", "senate or house")
	_ = cmd.MarkFlagRequired("bill")
	_ = cmd.MarkFlagRequired("chamber")
	return cmd
}

func triggerListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTriggers(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Pledges", "Pledged"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.PledgeCount, t.TotalPledged.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func triggerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func triggerSetStatusCmd(verb string) *cobra.Command {
	status := domain.TriggerOpen
	short := "Open a trigger for pledging"
	if verb == "pause" {
		status = domain.TriggerPaused
		short = "Pause an open trigger"
	}
	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTriggerStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func triggerExecuteCmd() *cobra.Command {
	var actionTime, description, outcomesJSON string
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Execute a trigger from an explicit actor outcome list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now().UTC()
			if actionTime != "" {
				parsed, err := time.Parse(time.RFC3339, actionTime)
				if err != nil {
					return fmt.Errorf("--action-time must be RFC 3339: %w", err)
				}
				when = parsed
			}
			var outcomes []engine.ActorOutcome
			if outcomesJSON != "" {
				if err := json.Unmarshal([]byte(outcomesJSON), &outcomes); err != nil {
					return fmt.Errorf("parse --outcomes-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				te, err := e.ExecuteTrigger(ctx, args[0], when, description, outcomes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(te)
			})
		},
	}
	cmd.Flags().StringVar(&actionTime, "action-time", "", "when the event happened (RFC 3339, default now)")
	cmd.Flags().StringVar(&description, "description", "", "description of the event")
	cmd.Flags().StringVar(&outcomesJSON, "outcomes-json", "", "JSON array of {ActorID,Outcome,ReasonForNoOutcome}")
	return cmd
}

func triggerExecuteVoteCmd() *cobra.Command {
	var voteURL string
	cmd := &cobra.Command{
		Use:   "execute-vote <id>",
		Short: "Execute a trigger from a roll call vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				te, err := e.ExecuteTriggerFromVote(ctx, args[0], voteURL, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(te)
			})
		},
	}
	cmd.Flags().StringVar(&voteURL, "vote-url", "", "roll call vote URL")
	_ = cmd.MarkFlagRequired("vote-url")
	return cmd
}

func triggerVacateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vacate <id>",
		Short: "Vacate a trigger that will never resolve",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.VacateTrigger(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func triggerOutcomesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outcomes <id>",
		Short: "Per-outcome contribution totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				totals, err := e.GetTriggerOutcomeTotals(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(totals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Outcome", "Label", "Contributions"})
				for _, ot := range totals {
					tw.AppendRow(table.Row{ot.Index, ot.Label, ot.Contribs.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func triggerPledgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pledges <id>",
		Short: "List pledges for a trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPledgesByTrigger(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Status", "Outcome", "Amount"})
				for _, p := range items {
					user := ""
					if p.UserID != nil {
						user = *p.UserID
					} else if p.Email != nil {
						user = *p.Email + " (unconfirmed)"
					}
					tw.AppendRow(table.Row{p.ID, user, p.Status, p.DesiredOutcome, p.Amount.StringFixed(2)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func triggerNoticesCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "notices <id>",
		Short: "Stamp pre- or post-execution notices on pledges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var marked int
				var err error
				switch phase {
				case "pre":
					marked, err = e.MarkPreExecutionNotices(ctx, args[0], viper.GetString("actor-id"))
				case "post":
					marked, err = e.MarkPostExecutionNotices(ctx, args[0], viper.GetString("actor-id"))
				default:
					return fmt.Errorf("--phase must be pre or post")
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"marked": marked})
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "pre", "pre or post")
	return cmd
}

func triggerExecutePledgesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute-pledges <id>",
		Short: "Run the distribution engine over all open pledges of an executed trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				executed, err := e.ExecuteOpenPledges(ctx, args[0], viper.GetString("actor-id"))
				if len(executed) > 0 {
					if perr := printJSONOrTable(executed); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	return cmd
}

func pledgeCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "pledge",
		Short: "Manage pledges",
		Long:  "Pledges commit money to a trigger outcome. They can be cancelled while the trigger is open and are distributed into contributions once it executes.",
	}
	p.AddCommand(pledgeCreateCmd())
	p.AddCommand(pledgeShowCmd())
	p.AddCommand(pledgeFindCmd())
	p.AddCommand(pledgeConfirmCmd())
	p.AddCommand(pledgeCancelCmd())
	p.AddCommand(pledgeExecuteCmd())
	return p
}

func pledgeCreateCmd() *cobra.Command {
	var opts engine.PledgeCreateOptions
	var amount string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pledge",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount must be a decimal: %w", err)
			}
			opts.Amount = amt
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePledge(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "pledge id (optional)")
	cmd.Flags().StringVar(&opts.TriggerID, "trigger", "", "trigger id")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user id (confirmed pledge)")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email (unconfirmed pledge)")
	cmd.Flags().IntVar(&opts.DesiredOutcome, "outcome", 0, "desired outcome index")
	cmd.Flags().StringVar(&amount, "amount", "", "pledge amount in dollars")
	cmd.Flags().Float64Var(&opts.IncumbChallgr, "incumb-challgr", 0, "incumbent/challenger dial in [-1,1]")
	cmd.Flags().StringVar(&opts.FilterParty, "filter-party", "", "restrict recipients to one major party")
	cmd.Flags().BoolVar(&opts.FilterCompetitive, "competitive-only", false, "skip uncontested seats")
	cmd.Flags().StringVar(&opts.CCLastFour, "cclastfour", "", "card last four, for pre-account matching")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func pledgeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pledge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPledge(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func pledgeFindCmd() *cobra.Command {
	var lastFour string
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Find unconfirmed pledges by card last four",
		Long:  "Lists open email pledges whose card last four matches, so they can be claimed for a user account with pledge confirm.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.FindPledgesByCCLastFour(ctx, lastFour)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Trigger", "Email", "Amount", "Status"})
				for _, p := range items {
					email := "(unconfirmed)"
					if p.Email != nil {
						email = *p.Email
					}
					tw.AppendRow(table.Row{p.ID, p.TriggerID, email, p.Amount.StringFixed(2), p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lastFour, "cclastfour", "", "card last four to match")
	_ = cmd.MarkFlagRequired("cclastfour")
	return cmd
}

func pledgeConfirmCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Claim an email pledge for a user account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				confirmed, err := e.ConfirmPledgeEmail(ctx, args[0], userID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]bool{"confirmed": confirmed})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id claiming the pledge")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func pledgeCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an open pledge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.CancelPledge(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func pledgeExecuteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <id>",
		Short: "Distribute one pledge into contributions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pe, err := e.ExecutePledge(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(pe)
			})
		},
	}
	return cmd
}

func executionCmd() *cobra.Command {
	ex := &cobra.Command{
		Use:   "execution",
		Short: "Manage pledge executions",
	}
	ex.AddCommand(executionShowCmd())
	ex.AddCommand(executionContributionsCmd())
	ex.AddCommand(executionUndoCmd())
	ex.AddCommand(executionSetDistrictCmd())
	ex.AddCommand(executionResolveDistrictCmd())
	ex.AddCommand(executionMissingDistrictsCmd())
	return ex
}

func executionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a pledge execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pe, err := e.Repo.GetPledgeExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pe)
			})
		},
	}
	return cmd
}

func executionContributionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contributions <id>",
		Short: "List the contributions of a pledge execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListContributionsByPledgeExecution(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Amount", "Transaction"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.RecipientID, c.Amount.StringFixed(2), c.TransactionID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func executionUndoCmd() *cobra.Command {
	var allowCredit bool
	cmd := &cobra.Command{
		Use:   "undo <id>",
		Short: "Undo a pledge execution and void its transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UndoPledgeExecution(ctx, args[0], allowCredit, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().BoolVar(&allowCredit, "allow-credit", false, "proceed even if the donor keeps the charge as credit")
	return cmd
}

func executionSetDistrictCmd() *cobra.Command {
	var district, geocodeJSON string
	cmd := &cobra.Command{
		Use:   "set-district <id>",
		Short: "Back-fill the congressional district on a pledge execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UpdateDistrict(ctx, args[0], district, geocodeJSON, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&district, "district", "", "district code, e.g. CA12")
	cmd.Flags().StringVar(&geocodeJSON, "geocode-json", "", "raw geocoder response to record")
	_ = cmd.MarkFlagRequired("district")
	return cmd
}

func executionResolveDistrictCmd() *cobra.Command {
	var addr geo.Address
	cmd := &cobra.Command{
		Use:   "resolve-district <id>",
		Short: "Geocode an address and back-fill the district",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				district, err := e.ResolveDistrict(ctx, args[0], addr, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"district": district})
			})
		},
	}
	cmd.Flags().StringVar(&addr.Line1, "line1", "", "street address")
	cmd.Flags().StringVar(&addr.City, "city", "", "city")
	cmd.Flags().StringVar(&addr.State, "state", "", "state")
	cmd.Flags().StringVar(&addr.Zip, "zip", "", "zip code")
	_ = cmd.MarkFlagRequired("state")
	_ = cmd.MarkFlagRequired("zip")
	return cmd
}

func executionMissingDistrictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "missing-districts",
		Short: "List executions without a district, for back-fill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPledgeExecutionsMissingDistrict(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func actorCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "actor",
		Short: "Manage actors (members of congress)",
	}
	a.AddCommand(actorAddCmd())
	a.AddCommand(actorListCmd())
	a.AddCommand(actorSetChallengerCmd())
	return a
}

func actorAddCmd() *cobra.Command {
	var a domain.Actor
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			now := time.Now().UTC().Format(time.RFC3339)
			a.CreatedAt = now
			a.UpdatedAt = now
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertActor(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&a.ID, "id", "", "actor id (optional)")
	cmd.Flags().Int64Var(&a.GovTrackID, "govtrack-id", 0, "govtrack person id")
	cmd.Flags().StringVar(&a.NameLong, "name-long", "", "full display name")
	cmd.Flags().StringVar(&a.NameShort, "name-short", "", "short name")
	cmd.Flags().StringVar(&a.NameSort, "name-sort", "", "sortable name")
	cmd.Flags().StringVar(&a.Party, "party", "", "democratic, republican or independent")
	cmd.Flags().StringVar(&a.Title, "title", "", "title, e.g. Sen. or Rep.")
	_ = cmd.MarkFlagRequired("govtrack-id")
	_ = cmd.MarkFlagRequired("name-long")
	_ = cmd.MarkFlagRequired("party")
	return cmd
}

func actorListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Party", "Title", "Challenger"})
				for _, a := range items {
					challenger := ""
					if a.ChallengerID != nil {
						challenger = *a.ChallengerID
					}
					tw.AppendRow(table.Row{a.ID, a.NameLong, a.Party, a.Title, challenger})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func actorSetChallengerCmd() *cobra.Command {
	var recipientID string
	cmd := &cobra.Command{
		Use:   "set-challenger <actor-id>",
		Short: "Link an actor to its general-election challenger recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				return e.Repo.SetActorChallenger(ctx, args[0], recipientID, now)
			})
		},
	}
	cmd.Flags().StringVar(&recipientID, "recipient", "", "challenger recipient id")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func recipientCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "recipient",
		Short: "Manage payable recipients",
		Long:  "A recipient is either an incumbent's campaign committee (--actor) or a challenger slot for an office (--office plus --party).",
	}
	r.AddCommand(recipientAddCmd())
	r.AddCommand(recipientListCmd())
	r.AddCommand(recipientSetActiveCmd())
	return r
}

func recipientAddCmd() *cobra.Command {
	var rec domain.Recipient
	var actorID, office, party string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recipient",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rec.ID == "" {
				rec.ID = uuid.NewString()
			}
			if (actorID == "") == (office == "") {
				return fmt.Errorf("exactly one of --actor and --office is required")
			}
			rec.ActorID = optionalString(actorID)
			rec.OfficeSought = optionalString(office)
			rec.Party = optionalString(party)
			rec.Active = true
			rec.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertRecipient(ctx, rec); err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&rec.ID, "id", "", "recipient id (optional)")
	cmd.Flags().StringVar(&rec.ProcessorID, "processor-id", "", "payment processor recipient id")
	cmd.Flags().StringVar(&actorID, "actor", "", "incumbent actor id")
	cmd.Flags().StringVar(&office, "office", "", "office sought, for challenger slots")
	cmd.Flags().StringVar(&party, "party", "", "challenger party")
	_ = cmd.MarkFlagRequired("processor-id")
	return cmd
}

func recipientListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recipients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRecipients(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Processor", "Active", "Actor", "Office", "Party"})
				for _, rec := range items {
					actor, officeSought, party := "", "", ""
					if rec.ActorID != nil {
						actor = *rec.ActorID
					}
					if rec.OfficeSought != nil {
						officeSought = *rec.OfficeSought
					}
					if rec.Party != nil {
						party = *rec.Party
					}
					tw.AppendRow(table.Row{rec.ID, rec.ProcessorID, rec.Active, actor, officeSought, party})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func recipientSetActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <id>",
		Short: "Activate or deactivate a recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.SetRecipientActive(ctx, args[0], active)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "whether the recipient may receive contributions")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	var id, email string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				id = uuid.NewString()
			}
			user := domain.User{
				ID:        id,
				Email:     email,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.InsertUser(ctx, user); err != nil {
					return err
				}
				return printJSONOrTable(user)
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "user id (optional)")
	add.Flags().StringVar(&email, "email", "", "email address")
	_ = add.MarkFlagRequired("email")
	u.AddCommand(add)
	return u
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user",
		Long:  "The raw key is printed once and only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "itf_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				rec := domain.APIKey{
					ID:      uuid.NewString(),
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": rec.ID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	var n int
	var evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if cfg.Processor.BaseURL != "" {
				e.Processor = donations.NewHTTPProcessor(cfg.Processor.BaseURL, cfg.Processor.AccountID)
			}
			if cfg.Legislative.BaseURL != "" {
				e.Legislative = legislative.NewHTTPClient(cfg.Legislative.BaseURL)
			}
			if cfg.Geocoder.BaseURL != "" {
				e.Geocoder = geo.NewHTTPGeocoder(cfg.Geocoder.BaseURL)
			}
			secret := os.Getenv("ITF_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("set ITF_JWT_SECRET or auth.jwt_secret for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving if.then.fund API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	if cfg.Processor.BaseURL != "" {
		e.Processor = donations.NewHTTPProcessor(cfg.Processor.BaseURL, cfg.Processor.AccountID)
	}
	if cfg.Legislative.BaseURL != "" {
		e.Legislative = legislative.NewHTTPClient(cfg.Legislative.BaseURL)
	}
	if cfg.Geocoder.BaseURL != "" {
		e.Geocoder = geo.NewHTTPGeocoder(cfg.Geocoder.BaseURL)
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
