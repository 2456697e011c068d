// Command validate runs consensus validations against a running API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/consensus-ai/backend/internal/storage/models"
	"github.com/consensus-ai/backend/pkg/client"
)

type options struct {
	server  string
	token   string
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "validate",
		Short:         "Validate business decisions with three AI models",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("CONSENSUS_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("CONSENSUS_TOKEN"), "bearer token")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "overall request timeout")

	root.AddCommand(
		newRunCmd(opts),
		newHistoryCmd(opts),
		newShowCmd(opts),
		newDeleteCmd(opts),
		newQuotaCmd(opts),
	)
	return root
}

func (o *options) client() *client.Client {
	return client.New(o.server, o.token)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func newRunCmd(opts *options) *cobra.Command {
	var (
		risk       int
		creativity int
		save       bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Query the models and synthesize their recommendations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			out := cmd.OutOrStdout()
			progress := cmd.ErrOrStderr()
			run := client.NewRun(client.Handlers{
				OnStateChange: func(_, to client.State) {
					fmt.Fprintf(progress, "[%s]\n", to)
				},
				OnModelComplete: func(modelID string, resp *models.ModelResponse) {
					if resp.Failed() {
						fmt.Fprintf(progress, "  %s failed: %s\n", resp.ModelName, resp.Error)
						return
					}
					fmt.Fprintf(progress, "  %s answered in %dms (confidence %d)\n", resp.ModelName, resp.ProcessingTimeMs, resp.OverallConfidence)
				},
			})

			result, err := opts.client().Validate(ctx, run, client.QueryRequest{
				Prompt:               strings.Join(args, " "),
				RiskPreference:       risk,
				CreativityPreference: creativity,
			}, save)
			if err != nil {
				return err
			}

			if limit := run.LimitReached(); limit != nil {
				tier := "free"
				if limit.IsPremium {
					tier = "premium"
				}
				return fmt.Errorf("daily %s limit reached, resets at %s", tier, limit.ResetAt.Local().Format(time.RFC1123))
			}
			if result == nil {
				return errors.New("validation returned no result")
			}

			if asJSON {
				return writeJSON(out, result)
			}
			printResult(out, result)
			return nil
		},
	}

	cmd.Flags().IntVar(&risk, "risk", models.DefaultPreference, "risk preference (1-5)")
	cmd.Flags().IntVar(&creativity, "creativity", models.DefaultPreference, "creativity preference (1-5)")
	cmd.Flags().BoolVar(&save, "save", true, "save the validation to history")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved validations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			list, err := opts.client().History(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tCONFIDENCE\tRECOMMENDATION")
			for _, v := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", v.ValidationID, v.CreatedAt.Local().Format("2006-01-02 15:04"), v.OverallConfidence, v.FinalTitle)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of validations")
	return cmd
}

func newShowCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a saved validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			result, err := opts.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printResult(cmd.OutOrStdout(), result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			if err := opts.client().Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newQuotaCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show remaining validations for today",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			status, err := opts.client().Quota(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d validations left, resets at %s\n",
				status.Remaining, status.Limit, status.ResetAt.Local().Format(time.RFC1123))
			return nil
		},
	}
}

func printResult(w io.Writer, r *models.ValidationResult) {
	fr := r.FinalRecommendation
	fmt.Fprintf(w, "%s (confidence %d)\n", fr.Title, fr.Confidence)
	if fr.Description != "" {
		fmt.Fprintf(w, "%s\n", fr.Description)
	}
	for i, action := range fr.TopActions {
		fmt.Fprintf(w, "  %d. %s\n", i+1, action)
	}

	if len(r.ConsensusPoints) > 0 {
		fmt.Fprintln(w, "\nAll models agree:")
		for _, p := range r.ConsensusPoints {
			fmt.Fprintf(w, "  - %s: %s\n", p.Topic, p.Description)
		}
	}
	if len(r.MajorityPoints) > 0 {
		fmt.Fprintln(w, "\nMajority view:")
		for _, p := range r.MajorityPoints {
			fmt.Fprintf(w, "  - %s (%s; %s disagrees)\n", p.Topic, strings.Join(p.SupportingModels, ", "), p.DissentingModel)
		}
	}
	if len(r.DissentPoints) > 0 {
		fmt.Fprintln(w, "\nModels disagree:")
		for _, d := range r.DissentPoints {
			fmt.Fprintf(w, "  - %s\n", d.Topic)
			for _, pos := range d.Positions {
				fmt.Fprintf(w, "      %s: %s\n", pos.Model, pos.Position)
			}
		}
	}

	fmt.Fprintf(w, "\nOverall confidence: %d\n", r.OverallConfidence)
	if r.ValidationID != "" {
		fmt.Fprintf(w, "Saved as %s\n", r.ValidationID)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
